package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{MaxBodyBytes: 1 << 20},
		Storage: config.StorageConfig{
			Type:            config.StorageMemory,
			RedisMaxRetries: -1,
			RedisPoolSize:   2,
		},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
		Billing: config.BillingConfig{
			EnforcementEnabled:   true,
			AdminSecret:          "admin",
			WebhookSecret:        "whsec",
			CustomerKeySalt:      "salt",
			CallbackBaseURL:      "http://localhost:8080",
			ChargeTimeout:        time.Second,
			MaxConcurrentCharges: 2,
			FailureThreshold:     3,
			FailureWindow:        30 * 24 * time.Hour,
		},
		Gateway: config.GatewayConfig{BaseURL: "http://127.0.0.1:0", Timeout: time.Second},
		RateLimit: config.RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 10,
			WindowDuration:    time.Minute,
		},
	}
}

func TestNew_MemoryStore(t *testing.T) {
	a, err := New(context.Background(), testConfig(), observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.NotNil(t, a.Metrics)
	assert.Len(t, a.Catalog.List(), 3)

	rec := httptest.NewRecorder()
	a.APIServer().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/plans", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_UnsupportedStorage(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = "sqlite"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unsupported storage type")
}

func TestNew_PostgresRequiresURL(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = config.StoragePostgres

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "database URL is required")
}

func TestNew_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Storage.RedisURL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, a.Redis)

	status := a.Health.Check(context.Background())
	assert.Equal(t, observability.StatusHealthy, status.Dependencies["redis"].Status)

	require.NoError(t, a.Close(context.Background()))
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Storage.RedisURL = "redis://" + addr

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestNew_PlanCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - tier: hobby
    price_minor_units: 500
    token_grant: 100
    max_character_slots: 1
    max_project_slots: 1
    daily_token_cap: 20
`), 0o600))

	cfg := testConfig()
	cfg.Billing.PlanCatalogPath = path
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.True(t, a.Catalog.Has("hobby"))
	assert.False(t, a.Catalog.Has("pro"))

	cfg.Billing.PlanCatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to load plan catalog")
}

func TestRenewalRunIsReportedToHealth(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	_, err = a.Scheduler.RunOnce(context.Background(), billing.TriggerManual)
	require.NoError(t, err)

	status := a.Health.Check(context.Background())
	require.NotNil(t, status.LastRenewal)
	assert.Zero(t, status.LastRenewal.Processed)
}
