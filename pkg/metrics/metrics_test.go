package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStorage(t *testing.T) {
	m := New()
	m.RecordStorage("sqlite", "put", time.Now(), nil)
	m.RecordStorage("sqlite", "put", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(m.StorageOperationsTotal.WithLabelValues("sqlite", "put", "ok")); got != 1 {
		t.Errorf("ok count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StorageOperationsTotal.WithLabelValues("sqlite", "put", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordStorage("jsonl", "get", time.Now(), nil)
	m.RecordSessions(3)
	m.RecordMessage("user")
	m.RecordFragment()
	m.RecordResponse("mock", "stream", time.Now(), nil)
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.RecordSessions(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "chatkeep_sessions 2") {
		t.Errorf("expected sessions gauge in output, got:\n%s", rec.Body.String())
	}
}
