package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/geom"
	"github.com/mohammed-shakir/geosync/internal/planner"
)

type memFeature struct {
	id        int64
	projectID int64
	createdBy string
	geom      orb.Geometry
	bound     orb.Bound
	props     map[string]any
	createdAt time.Time
}

type dedupKey struct {
	user    string
	project int64
	hash    string
}

// MemoryStore keeps everything in process. Geometries are held in EPSG:4326.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	nextProj int64
	users    map[string]model.User // by id
	byEmail  map[string]string
	projects map[int64]model.Project
	members  map[int64]map[string]struct{}
	features []memFeature
	dedup    map[dedupKey]int64
	reproj   planner.Reprojector
	now      func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:    map[string]model.User{},
		byEmail:  map[string]string{},
		projects: map[int64]model.Project{},
		members:  map[int64]map[string]struct{}{},
		dedup:    map[dedupKey]int64{},
		reproj:   planner.MercatorReprojector{},
		now:      time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) QueryExtent(ctx context.Context, req model.QueryRequest, userID string) ([]model.Feature, error) {
	if userID == "" || req.Project <= 0 {
		return nil, ErrNoScope
	}
	if err := planner.CheckZoom(req.Zoom, req.MaxZoomOut); err != nil {
		return nil, err
	}
	crs := req.CRS
	if crs == "" {
		crs = model.DefaultCRS
	}
	if _, err := planner.ParseSRID(crs); err != nil {
		return nil, err
	}
	bb := model.BBox{X1: req.XMin, Y1: req.YMin, X2: req.XMax, Y2: req.YMax, SRID: crs}
	bb, err := s.reproj.TransformBBox(bb, model.DefaultCRS)
	if err != nil {
		return nil, err
	}
	q := orb.Bound{Min: orb.Point{bb.X1, bb.Y1}, Max: orb.Point{bb.X2, bb.Y2}}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isMember(userID, req.Project) {
		return nil, ErrProjectAccess
	}
	out := []model.Feature{}
	for _, f := range s.features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.projectID != req.Project || f.createdBy != userID || !f.bound.Intersects(q) {
			continue
		}
		id := f.id
		out = append(out, model.Feature{
			Identity:   &id,
			Geometry:   orb.Clone(f.geom),
			Properties: withManaged(f.props, f.id, f.createdAt, f.createdBy),
		})
	}
	return out, nil
}

func (s *MemoryStore) InsertGeometry(ctx context.Context, req InsertRequest) (InsertResult, error) {
	if !req.scoped() {
		return InsertResult{}, ErrNoScope
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	typ := "null"
	if req.Geometry != nil {
		typ = req.Geometry.GeoJSONType()
	}
	if geom.FamilyOf(req.Geometry) == model.FamilyUnknown {
		return InsertResult{}, &InsertError{GeometryType: typ, Err: errors.New("unsupported geometry")}
	}
	hash, err := geom.Hash(req.Geometry)
	if err != nil {
		return InsertResult{}, &InsertError{GeometryType: typ, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isMember(req.UserID, req.ProjectID) {
		return InsertResult{}, ErrProjectAccess
	}
	key := dedupKey{user: req.UserID, project: req.ProjectID, hash: hash}
	if id, ok := s.dedup[key]; ok {
		return InsertResult{Code: OKDuplicate, Identity: id}, nil
	}
	s.nextID++
	g := orb.Clone(req.Geometry)
	s.features = append(s.features, memFeature{
		id:        s.nextID,
		projectID: req.ProjectID,
		createdBy: req.UserID,
		geom:      g,
		bound:     g.Bound(),
		props:     stripManaged(req.Properties),
		createdAt: s.now(),
	})
	s.dedup[key] = s.nextID
	return InsertResult{Code: OKInsert, Identity: s.nextID}, nil
}

// Count returns the number of stored features.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.features)
}

func (s *MemoryStore) UserByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) ProjectsForUser(_ context.Context, userID string) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Project{}
	for id := int64(1); id <= s.nextProj; id++ {
		if _, ok := s.members[id][userID]; ok {
			out = append(out, s.projects[id])
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, email, passwordHash string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byEmail[email]; dup {
		return model.User{}, errors.New("insert user: email already registered")
	}
	u := model.User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u, nil
}

func (s *MemoryStore) CreateProject(_ context.Context, name string, memberIDs ...string) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProj++
	p := model.Project{ID: s.nextProj, Name: name}
	s.projects[p.ID] = p
	m := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		m[id] = struct{}{}
	}
	s.members[p.ID] = m
	return p, nil
}

func (s *MemoryStore) isMember(userID string, projectID int64) bool {
	_, ok := s.members[projectID][userID]
	return ok
}
