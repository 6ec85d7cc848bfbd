package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ExposeBuildInfo("test", "memory")
	ObserveHTTP("POST", "/api/qgis/get_layer", 200, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `geosync_build_info{store="memory",version="test"} 1`) || !strings.Contains(body, "http_requests_total") {
		t.Fatalf("metrics payload did not contain expected metric names; got:\n%s", body)
	}
}

func TestUploadAndAdmissionCounters(t *testing.T) {
	before := testutil.ToFloat64(uploadFeatures.WithLabelValues("inserted"))
	IncUpload("inserted", 4)
	IncUpload("inserted", 0)
	if got := testutil.ToFloat64(uploadFeatures.WithLabelValues("inserted")) - before; got != 4 {
		t.Fatalf("inserted delta=%v want 4", got)
	}

	rej := testutil.ToFloat64(admissionRejections.WithLabelValues("zoom_too_far_out"))
	IncAdmissionRejected("zoom_too_far_out")
	if got := testutil.ToFloat64(admissionRejections.WithLabelValues("zoom_too_far_out")) - rej; got != 1 {
		t.Fatalf("rejections delta=%v", got)
	}

	fail := testutil.ToFloat64(authEvents.WithLabelValues("refresh", "fail"))
	IncAuth("refresh", false)
	if got := testutil.ToFloat64(authEvents.WithLabelValues("refresh", "fail")) - fail; got != 1 {
		t.Fatalf("auth fail delta=%v", got)
	}

	ObserveStore("insert", errors.New("boom"), 0.01)
	if n := testutil.CollectAndCount(storeLatencySeconds); n == 0 {
		t.Fatal("store latency not collected")
	}
}

func TestCollectors_RegisterInDedicatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
}
