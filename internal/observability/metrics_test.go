package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMiddlewareRecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	collector, err := NewAPICollector(reg)
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}

	router := gin.New()
	router.Use(collector.Middleware())
	router.GET("/api/requestgroups/:id", func(gc *gin.Context) {
		time.Sleep(5 * time.Millisecond)
		gc.JSON(http.StatusOK, gin.H{"id": gc.Param("id")})
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/requestgroups/42", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("GET", "/api/requestgroups/:id", "200")); got != 1 {
		t.Fatalf("portal_http_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "portal_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"route":  "/api/requestgroups/:id",
	}); count != 1 {
		t.Fatalf("portal_http_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestMiddlewareRecordsErrorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	collector, err := NewAPICollector(reg)
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}

	router := gin.New()
	router.Use(collector.Middleware())
	router.POST("/api/requestgroups", func(gc *gin.Context) {
		gc.JSON(http.StatusBadRequest, gin.H{"errors": "boom"})
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/requestgroups", nil))

	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("POST", "/api/requestgroups", "400")); got != 1 {
		t.Fatalf("portal_http_requests_total error label = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesSubmissionCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewAPICollector(reg)
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}
	collector.IncSubmitted()
	collector.IncRejected("validation")
	collector.HTTPRequests.WithLabelValues("GET", "/healthz", "200").Inc()
	collector.HTTPDurations.WithLabelValues("GET", "/healthz").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"portal_http_requests_total",
		"portal_http_request_duration_seconds",
		"portal_request_groups_submitted_total",
		"portal_submissions_failed_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSweepCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSweepCollector(reg)
	if err != nil {
		t.Fatalf("NewSweepCollector: %v", err)
	}
	collector.ObserveReconcile(120 * time.Millisecond)
	collector.IncTransition("COMPLETED")
	collector.IncTransition("COMPLETED")
	collector.IncExpired()
	collector.SetPendingRequests(7)

	if got := testutil.ToFloat64(collector.StateTransitions.WithLabelValues("COMPLETED")); got != 2 {
		t.Fatalf("sweep_state_transitions_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.WindowsExpired); got != 1 {
		t.Fatalf("sweep_windows_expired_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.PendingRequests); got != 7 {
		t.Fatalf("sweep_pending_requests = %v, want 7", got)
	}
	if count := histogramSampleCount(t, reg, "sweep_reconcile_duration_seconds", nil); count != 1 {
		t.Fatalf("sweep_reconcile_duration_seconds sample_count = %d, want 1", count)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
