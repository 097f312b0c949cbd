package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordDebit("ok", 5)
	m.RecordCredit(10)
	m.RecordRenewalCharge("succeeded")
	m.RecordRenewalRun("cron", time.Second, 1, 1, 0, 0)
	m.RecordAutoCancellation()
	m.RecordGatewayCall("charge", "ok", time.Millisecond)
	m.RecordWebhookEvent("CHARGE_SUCCEEDED", "applied")
	m.RecordAuthorization("CREDENTIAL_ISSUED")
}

func TestMetricsRecording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordDebit("ok", 7)
	m.RecordDebit("ok", 3)
	m.RecordDebit("daily_cap_exceeded", 50)
	m.RecordRenewalRun("admin", 2*time.Second, 4, 2, 1, 1)
	m.RecordAutoCancellation()

	if got := testutil.ToFloat64(m.DebitsTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok debits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TokensDebitedTotal); got != 10 {
		t.Errorf("tokens debited = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.RenewalRunLastResult.WithLabelValues("failed")); got != 1 {
		t.Errorf("last run failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AutoCancellations); got != 1 {
		t.Errorf("auto cancellations = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/v1/subscriptions/{id}/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/abc/balance", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/subscriptions/{id}/balance", "418"))
	if got != 1 {
		t.Errorf("requests counter = %v, want 1", got)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordCredit(3)

	serveMux := http.NewServeMux()
	RegisterMetricsEndpoint(serveMux, registry)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tollgate_tokens_credited_total 3") {
		t.Errorf("metrics output missing credited counter:\n%s", rec.Body.String())
	}
}
