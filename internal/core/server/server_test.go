package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammed-shakir/geosync/internal/auth"
	"github.com/mohammed-shakir/geosync/internal/core/config"
	"github.com/mohammed-shakir/geosync/internal/core/health"
	"github.com/mohammed-shakir/geosync/internal/core/router"
	"github.com/mohammed-shakir/geosync/internal/store"
)

func testHandler(checks map[string]health.Check) http.Handler {
	mem := store.NewMemory()
	svc := auth.NewService(mem, auth.NewSigner("0123456789abcdef0123456789abcdef", "geosync", time.Minute),
		auth.NewMemorySessions(8, time.Hour), time.Hour, nil)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(log, router.Deps{
		Config:   config.Config{MaxZoomOut: 100000},
		Auth:     svc,
		Store:    mem,
		Projects: mem,
	}, Options{Checks: checks})
}

func TestProbesAndMetrics(t *testing.T) {
	srv := httptest.NewServer(testHandler(map[string]health.Check{
		"store": func(context.Context) error { return nil },
	}))
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d", path, resp.StatusCode)
		}
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	srv := httptest.NewServer(testHandler(map[string]health.Check{
		"redis": func(context.Context) error { return errors.New("down") },
	}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAPIMountedWithRequestID(t *testing.T) {
	srv := httptest.NewServer(testHandler(nil))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/projects")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("status %d request id %q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, config.Config{Addr: "127.0.0.1:0"}, slog.New(slog.NewTextHandler(io.Discard, nil)), http.NotFoundHandler())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
