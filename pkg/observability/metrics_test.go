package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestMetricsRegistered verifies that all metrics are registered in the
// default registry without panicking.
func TestMetricsRegistered(t *testing.T) {
	expected := map[string]bool{
		"toolrunner_requests_total":             false,
		"toolrunner_request_duration_seconds":   false,
		"toolrunner_executions_active":          false,
		"toolrunner_executions_total":           false,
		"toolrunner_execution_duration_seconds": false,
		"toolrunner_execution_retries_total":    false,
		"toolrunner_vault_operations_total":     false,
		"toolrunner_ratelimit_rejected_total":   false,
	}

	// Vectors only appear after first observation.
	RequestsTotal.WithLabelValues("GET", "2xx", "test").Inc()
	RequestDuration.WithLabelValues("GET", "test").Observe(0.1)
	ExecutionsTotal.WithLabelValues("python", "OK").Inc()
	ExecutionDuration.WithLabelValues("python").Observe(0.1)
	ExecutionRetriesTotal.WithLabelValues("python").Inc()
	VaultOperationsTotal.WithLabelValues("get", "ok").Inc()
	RateLimitRejectedTotal.WithLabelValues("default").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not found in default registry", name)
		}
	}
}

// TestMiddlewareRecordsRoute verifies that the matched mux pattern is used
// as the route label.
func TestMiddlewareRecordsRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/executions/{trace_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := MetricsMiddleware(mux)

	route := "GET /v1/executions/{trace_id}"
	before := counterValue(t, RequestsTotal, "GET", "2xx", route)

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest("GET", "/v1/executions/"+id, nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	after := counterValue(t, RequestsTotal, "GET", "2xx", route)
	if after-before != 2 {
		t.Errorf("expected request count to increase by 2, got delta=%f", after-before)
	}
}

// TestMiddlewareRecordsDuration verifies that the middleware records
// a request duration observation.
func TestMiddlewareRecordsDuration(t *testing.T) {
	before := histogramCount(t, RequestDuration, "POST", "unmatched")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/invoke", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := histogramCount(t, RequestDuration, "POST", "unmatched")
	if after-before != 1 {
		t.Errorf("expected histogram sample count to increase by 1, got delta=%d", after-before)
	}
}

func TestMiddlewareCapturesStatusCode(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  string
	}{
		{"bad request", http.StatusBadRequest, "4xx"},
		{"quota", http.StatusTooManyRequests, "4xx"},
		{"overloaded", http.StatusServiceUnavailable, "5xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := counterValue(t, RequestsTotal, "POST", tt.class, "unmatched")

			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			req := httptest.NewRequest("POST", "/v1/invoke", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			after := counterValue(t, RequestsTotal, "POST", tt.class, "unmatched")
			if after-before != 1 {
				t.Errorf("expected %s count to increase by 1, got delta=%f", tt.class, after-before)
			}
		})
	}
}

func TestStatusWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.Flush()

	if !rec.Flushed {
		t.Error("expected underlying writer to be flushed")
	}
}

// counterValue reads the current value of a CounterVec for the given labels.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting counter metric: %v", err)
	}
	if err := c.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// histogramCount reads the observation count from a HistogramVec.
func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, err := hv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting histogram metric: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}
