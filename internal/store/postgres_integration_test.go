package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := OpenPostgres(ctx, dsn, PostgresOptions{MaxConns: 8})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := ApplyMigrations(ctx, s.Pool()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// second run is a no-op
	if err := ApplyMigrations(ctx, s.Pool()); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	return s
}

func TestPostgres_InsertDedupAndQuery(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, uuid.NewString()+"@example.com", "hash")
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.CreateProject(ctx, "it", u.ID)
	if err != nil {
		t.Fatal(err)
	}

	req := InsertRequest{Geometry: orb.Point{11.5, 59.5}, Properties: map[string]any{"name": "pt"}, UserID: u.ID, ProjectID: p.ID}

	var wg sync.WaitGroup
	results := make([]InsertResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.InsertGeometry(ctx, req)
		}()
	}
	wg.Wait()

	inserted := 0
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("insert %d: %v", i, errs[i])
		}
		if r.Code == OKInsert {
			inserted++
		}
		if r.Identity != results[0].Identity {
			t.Fatalf("identities differ: %v", results)
		}
	}
	if inserted != 1 {
		t.Fatalf("inserted=%d want 1", inserted)
	}

	got, err := s.QueryExtent(ctx, query(p.ID), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("point outside bbox returned: %v", got)
	}
	q := query(p.ID)
	q.XMin, q.XMax, q.YMin, q.YMax = 11, 12, 59, 60
	got, err = s.QueryExtent(ctx, q, u.ID)
	if err != nil || len(got) != 1 || *got[0].Identity != results[0].Identity {
		t.Fatalf("query: %v %v", got, err)
	}

	stranger, _ := s.CreateUser(ctx, uuid.NewString()+"@example.com", "hash")
	if _, err := s.InsertGeometry(ctx, InsertRequest{Geometry: orb.Point{1, 1}, UserID: stranger.ID, ProjectID: p.ID}); !errors.Is(err, ErrProjectAccess) {
		t.Fatalf("stranger insert: %v", err)
	}
}
