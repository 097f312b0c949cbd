package async

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSafeGo_Success(t *testing.T) {
	executed := atomic.Bool{}

	done := SafeGo(context.Background(), nil, time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})
	waitDone(t, done)

	if !executed.Load() {
		t.Error("SafeGo did not execute function")
	}
}

func TestSafeGo_LogsError(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	done := SafeGo(context.Background(), logger, 0, "renewal", func(ctx context.Context) error {
		return errors.New("gateway down")
	})
	waitDone(t, done)

	out := buf.String()
	if !strings.Contains(out, "gateway down") || !strings.Contains(out, `"task":"renewal"`) {
		t.Errorf("expected error log, got %s", out)
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	var sawDeadline atomic.Bool

	done := SafeGo(context.Background(), nil, 50*time.Millisecond, "slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
			return ctx.Err()
		}
	})
	waitDone(t, done)

	if !sawDeadline.Load() {
		t.Error("expected task context to hit its deadline")
	}
}

func TestSafeGo_NoTimeoutKeepsParentDeadline(t *testing.T) {
	done := SafeGo(context.Background(), nil, 0, "no deadline", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline")
		}
		return nil
	})
	waitDone(t, done)
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	done := SafeGo(context.Background(), logger, time.Second, "panicky", func(ctx context.Context) error {
		panic("boom")
	})
	waitDone(t, done)

	if !strings.Contains(buf.String(), "PANIC in background task") {
		t.Errorf("expected panic log, got %s", buf.String())
	}
}
