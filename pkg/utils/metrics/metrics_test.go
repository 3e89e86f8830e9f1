package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/utils/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOracle(t *testing.T) {
	m := metrics.New("memoria")
	m.ObserveOracle("extract_new_memories", time.Second, nil)
	m.ObserveOracle("extract_new_memories", time.Second, errors.New("boom"))
	m.ObserveOracle("extract_new_memories", time.Second, nil)

	gt.Equal(t, testutil.ToFloat64(m.OracleCalls.WithLabelValues("extract_new_memories", "ok")), 2.0)
	gt.Equal(t, testutil.ToFloat64(m.OracleCalls.WithLabelValues("extract_new_memories", "error")), 1.0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveOracle("x", time.Second, nil)
	m.CountSkipped("duplicate")
	m.CountHTTP("GET", "/health", 200)
	gt.NotNil(t, m.Handler())
}

func TestHandler(t *testing.T) {
	m := metrics.New("memoria")
	m.CountSkipped("duplicate")
	m.CountHTTP("GET", "/health", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	gt.NoError(t, err)
	gt.S(t, string(body)).Contains(`memoria_skipped_memories_total{reason="duplicate"} 1`)
	gt.S(t, string(body)).Contains(`memoria_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a := metrics.New("memoria")
	b := metrics.New("memoria")
	a.CountSkipped("duplicate")
	gt.Equal(t, testutil.ToFloat64(b.SkippedMemories.WithLabelValues("duplicate")), 0.0)
}
