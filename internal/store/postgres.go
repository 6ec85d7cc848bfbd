package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/geom"
	"github.com/mohammed-shakir/geosync/internal/planner"
)

const maxTxAttempts = 3

type PostgresStore struct {
	pool     *pgxpool.Pool
	maxQuery int
}

type PostgresOptions struct {
	MaxConns int
	// upper bound on features returned per extent query, 0 means no limit
	MaxQueryFeatures int
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, databaseURL string, opts PostgresOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(min(opts.MaxConns, 1<<15))
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(pool, opts.MaxQueryFeatures), nil
}

func NewPostgres(pool *pgxpool.Pool, maxQueryFeatures int) *PostgresStore {
	return &PostgresStore{pool: pool, maxQuery: maxQueryFeatures}
}

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) QueryExtent(ctx context.Context, req model.QueryRequest, userID string) ([]model.Feature, error) {
	if userID == "" || req.Project <= 0 {
		return nil, ErrNoScope
	}
	if err := planner.CheckZoom(req.Zoom, req.MaxZoomOut); err != nil {
		return nil, err
	}
	srid := req.SRID
	if srid == 0 {
		var err error
		if srid, err = planner.ParseSRID(req.CRS); err != nil {
			return nil, err
		}
	}
	if err := s.checkMember(ctx, s.pool, userID, req.Project); err != nil {
		return nil, err
	}

	q := `
		SELECT id, ST_AsGeoJSON(geom), properties, created_at, created_by
		FROM features
		WHERE project_id = $1
		  AND created_by = $2
		  AND geom && ST_Transform(ST_MakeEnvelope($3, $4, $5, $6, $7), 4326)
		  AND ST_Intersects(geom, ST_Transform(ST_MakeEnvelope($3, $4, $5, $6, $7), 4326))
		ORDER BY id`
	args := []any{req.Project, userID, req.XMin, req.YMin, req.XMax, req.YMax, srid}
	if s.maxQuery > 0 {
		q += ` LIMIT $8`
		args = append(args, s.maxQuery)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query extent: %w", err)
	}
	defer rows.Close()

	out := []model.Feature{}
	for rows.Next() {
		var (
			id        int64
			geoJSON   string
			propsRaw  []byte
			createdAt time.Time
			createdBy string
		)
		if err := rows.Scan(&id, &geoJSON, &propsRaw, &createdAt, &createdBy); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		g, err := geom.Decode(json.RawMessage(geoJSON))
		if err != nil {
			// a row PostGIS accepted but the codec does not, e.g. a collection
			continue
		}
		props := map[string]any{}
		if len(propsRaw) > 0 {
			if err := json.Unmarshal(propsRaw, &props); err != nil {
				return nil, fmt.Errorf("decode properties of feature %d: %w", id, err)
			}
		}
		fid := id
		out = append(out, model.Feature{
			Identity:   &fid,
			Geometry:   g,
			Properties: withManaged(props, id, createdAt, createdBy),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertGeometry(ctx context.Context, req InsertRequest) (InsertResult, error) {
	if !req.scoped() {
		return InsertResult{}, ErrNoScope
	}
	typ := "null"
	if req.Geometry != nil {
		typ = req.Geometry.GeoJSONType()
	}
	if geom.FamilyOf(req.Geometry) == model.FamilyUnknown {
		return InsertResult{}, &InsertError{GeometryType: typ, Err: errors.New("unsupported geometry")}
	}
	raw, err := geom.Encode(req.Geometry)
	if err != nil {
		return InsertResult{}, &InsertError{GeometryType: typ, Err: err}
	}
	hash, err := geom.Hash(req.Geometry)
	if err != nil {
		return InsertResult{}, &InsertError{GeometryType: typ, Err: err}
	}
	props, err := json.Marshal(stripManaged(req.Properties))
	if err != nil {
		return InsertResult{}, &InsertError{GeometryType: typ, Err: fmt.Errorf("encode properties: %w", err)}
	}

	var res InsertResult
	err = s.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := s.checkMember(ctx, tx, req.UserID, req.ProjectID); err != nil {
				return err
			}
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO features (project_id, created_by, geom, geom_hash, properties)
				VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326), $4, $5)
				ON CONFLICT (created_by, project_id, geom_hash) DO NOTHING
				RETURNING id`,
				req.ProjectID, req.UserID, string(raw), hash, props,
			).Scan(&id)
			if err == nil {
				res = InsertResult{Code: OKInsert, Identity: id}
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			// conflict: the row exists and is visible to this transaction
			if err := tx.QueryRow(ctx, `
				SELECT id FROM features
				WHERE created_by = $1 AND project_id = $2 AND geom_hash = $3`,
				req.UserID, req.ProjectID, hash,
			).Scan(&id); err != nil {
				return fmt.Errorf("lookup duplicate: %w", err)
			}
			res = InsertResult{Code: OKDuplicate, Identity: id}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrProjectAccess) || ctx.Err() != nil {
			return InsertResult{}, err
		}
		if isDataError(err) {
			return InsertResult{}, &InsertError{GeometryType: typ, Err: err}
		}
		return InsertResult{}, fmt.Errorf("insert geometry: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.Email, &u.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ProjectsForUser(ctx context.Context, userID string) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name
		FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = $1
		ORDER BY p.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	projects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Project, error) {
		var p model.Project
		err := row.Scan(&p.ID, &p.Name)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan projects: %w", err)
	}
	return projects, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash string) (model.User, error) {
	u := model.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)`,
		u.ID, u.Email, u.PasswordHash,
	); err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, name string, memberIDs ...string) (model.Project, error) {
	p := model.Project{Name: name}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `INSERT INTO projects (name) VALUES ($1) RETURNING id`, name).Scan(&p.ID); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		for _, uid := range memberIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO project_members (project_id, user_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, p.ID, uid); err != nil {
				return fmt.Errorf("add member %s: %w", uid, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Project{}, err
	}
	return p, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) checkMember(ctx context.Context, q querier, userID string, projectID int64) error {
	var ok bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)`,
		projectID, userID,
	).Scan(&ok); err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return ErrProjectAccess
	}
	return nil
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		if serr := sleepWithContext(ctx, time.Duration(attempt)*20*time.Millisecond); serr != nil {
			return serr
		}
	}
	return err
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

// class 22 (data exception) and PostGIS' XX000 for unparsable geometry
func isDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	code := pgErr.SQLState()
	return strings.HasPrefix(code, "22") || code == "XX000"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
