package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammed-shakir/geosync/internal/auth"
	mylog "github.com/mohammed-shakir/geosync/internal/logger"
)

type fakeAuth map[string]string

func (f fakeAuth) Authenticate(tok string) (string, error) {
	if uid, ok := f[tok]; ok {
		return uid, nil
	}
	return "", errors.New("bad token")
}

func TestAuthenticate(t *testing.T) {
	var got string
	h := Authenticate(fakeAuth{"good": "u1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{"missing", func(*http.Request) {}, http.StatusUnauthorized, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer good") }, http.StatusNoContent, "u1"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AccessCookie, Value: "good"}) }, http.StatusNoContent, "u1"},
		{"invalid", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic good") }, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.status || got != tc.user {
				t.Fatalf("status=%d user=%q", rr.Code, got)
			}
		})
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	h := RateLimit(2, 16)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	for i := range 2 {
		if c := do("10.0.0.1:1234"); c != http.StatusOK {
			t.Fatalf("req %d: %d", i, c)
		}
	}
	if c := do("10.0.0.1:5555"); c != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", c)
	}
	if c := do("10.0.0.2:1234"); c != http.StatusOK {
		t.Fatalf("other client: %d", c)
	}
}

func TestLogging_SetsRequestID(t *testing.T) {
	var id string
	h := Logging(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		id = mylog.RequestID(r.Context())
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if id == "" || rr.Header().Get("X-Request-ID") != id {
		t.Fatalf("id=%q header=%q", id, rr.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if id != "abc" {
		t.Fatalf("propagated id=%q", id)
	}
}

func TestRecover(t *testing.T) {
	h := Recover()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d", rr.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Fatal("preflight reached handler") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/upload", nil))
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Methods") != "GET,POST,OPTIONS" {
		t.Fatalf("code=%d headers=%v", rr.Code, rr.Header())
	}
}
