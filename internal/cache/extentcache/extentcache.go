// Package extentcache caches extent query results in Redis in front of a
// spatial store.
package extentcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/geosync/internal/cache/keys"
	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/core/observability"
	"github.com/mohammed-shakir/geosync/internal/planner"
	"github.com/mohammed-shakir/geosync/internal/serializer"
	"github.com/mohammed-shakir/geosync/internal/store"
)

// Backend is the subset of redisstore.Client the cache uses.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Counter(ctx context.Context, key string) (int64, error)
}

type Config struct {
	TTL       time.Duration
	OpTimeout time.Duration
}

// Store wraps a SpatialStore. Entries are keyed by a per user and project
// generation that every successful insert bumps, so a cached result never
// outlives a write to its scope. Redis failures fall through to the store.
type Store struct {
	next store.SpatialStore
	be   Backend
	cfg  Config
	log  *slog.Logger
}

var _ store.SpatialStore = (*Store)(nil)

func New(next store.SpatialStore, be Backend, cfg Config, log *slog.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{next: next, be: be, cfg: cfg, log: log}
}

func (s *Store) QueryExtent(ctx context.Context, req model.QueryRequest, userID string) ([]model.Feature, error) {
	if userID == "" || req.Project <= 0 {
		return nil, store.ErrNoScope
	}
	// a cache hit must not bypass admission
	if err := planner.CheckZoom(req.Zoom, req.MaxZoomOut); err != nil {
		return nil, err
	}

	key, ok := s.key(ctx, req, userID)
	if ok {
		if fs, hit := s.lookup(ctx, key); hit {
			observability.IncCacheHit()
			return fs, nil
		}
		observability.IncCacheMiss()
	}

	fs, err := s.next.QueryExtent(ctx, req, userID)
	if err != nil || !ok {
		return fs, err
	}
	s.fill(ctx, key, fs)
	return fs, nil
}

func (s *Store) InsertGeometry(ctx context.Context, req store.InsertRequest) (store.InsertResult, error) {
	res, err := s.next.InsertGeometry(ctx, req)
	if err != nil || res.Code != store.OKInsert {
		return res, err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if _, ierr := s.be.Incr(opCtx, keys.Generation(req.ProjectID, req.UserID)); ierr != nil {
		observability.IncCacheError()
		s.log.WarnContext(ctx, "extent cache generation bump failed", "err", ierr, "project_id", req.ProjectID)
	}
	return res, nil
}

func (s *Store) key(ctx context.Context, req model.QueryRequest, userID string) (string, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	gen, err := s.be.Counter(opCtx, keys.Generation(req.Project, userID))
	if err != nil {
		observability.IncCacheError()
		s.log.WarnContext(ctx, "extent cache unavailable", "err", err)
		return "", false
	}
	return keys.Extent(req, userID, gen), true
}

func (s *Store) lookup(ctx context.Context, key string) ([]model.Feature, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	raw, ok, err := s.be.Get(opCtx, key)
	if err != nil {
		observability.IncCacheError()
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var wire []model.FeatureWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, false
	}
	out := make([]model.Feature, 0, len(wire))
	for _, w := range wire {
		f, err := serializer.FromWire(w, serializer.Fetch)
		if err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func (s *Store) fill(ctx context.Context, key string, fs []model.Feature) {
	wire := make([]model.FeatureWire, 0, len(fs))
	for _, f := range fs {
		w, err := serializer.ToWire(f, serializer.Fetch)
		if err != nil {
			return
		}
		wire = append(wire, w)
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := s.be.Set(opCtx, key, b, s.cfg.TTL); err != nil {
		observability.IncCacheError()
		s.log.DebugContext(ctx, "extent cache fill failed", "err", err)
	}
}
