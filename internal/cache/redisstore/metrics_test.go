package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/geosync/internal/metrics"
)

func TestMetrics_Recorded(t *testing.T) {
	p := metrics.Init(metrics.Config{})

	rc, _ := newMini(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _, _ = rc.GetDel(ctx, "m1")
	_, _ = rc.Incr(ctx, "g")

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, op := range []string{"set", "getdel", "incr", "ping"} {
		if !strings.Contains(body, `redis_operation_duration_seconds_bucket{op="`+op+`"`) {
			t.Fatalf("missing histogram for %s; got:\n%s", op, body)
		}
	}
}
