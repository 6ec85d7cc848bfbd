// Package store persists features per user and project and answers
// bounding-box queries over them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geosync/internal/core/model"
)

var (
	// ErrNoScope is returned when a request lacks a user or a project.
	ErrNoScope = errors.New("request has no resolvable user/project scope")
	// ErrProjectAccess is returned when the user is not a member of the project.
	ErrProjectAccess = errors.New("user is not a member of the project")
	ErrNotFound      = errors.New("not found")
)

type InsertCode string

const (
	OKInsert    InsertCode = "OK_INSERT"
	OKDuplicate InsertCode = "OK_DUPLICATE"
)

type InsertRequest struct {
	Geometry   orb.Geometry
	Properties map[string]any
	UserID     string
	ProjectID  int64
}

func (r InsertRequest) scoped() bool { return r.UserID != "" && r.ProjectID > 0 }

type InsertResult struct {
	Code     InsertCode
	Identity int64
}

// InsertError is a failure confined to one feature. The batch carries on.
type InsertError struct {
	GeometryType string
	Err          error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert %s: %v", e.GeometryType, e.Err)
}

func (e *InsertError) Unwrap() error { return e.Err }

// SpatialStore is what the extent and upload endpoints need.
type SpatialStore interface {
	// QueryExtent returns the caller's features in the project that intersect
	// the request bbox. No match is an empty slice, not an error.
	QueryExtent(ctx context.Context, req model.QueryRequest, userID string) ([]model.Feature, error)
	// InsertGeometry stores the geometry unless the same user already stored
	// an identical one in the project, in which case OK_DUPLICATE is returned
	// with the existing identity.
	InsertGeometry(ctx context.Context, req InsertRequest) (InsertResult, error)
}

// Store is the full persistence surface of the server.
type Store interface {
	SpatialStore
	UserByEmail(ctx context.Context, email string) (model.User, error)
	ProjectsForUser(ctx context.Context, userID string) ([]model.Project, error)
	CreateUser(ctx context.Context, email, passwordHash string) (model.User, error)
	CreateProject(ctx context.Context, name string, memberIDs ...string) (model.Project, error)
	Ping(ctx context.Context) error
	Close()
}

// managed attributes are written by the store, never taken from input
func withManaged(props map[string]any, id int64, createdAt time.Time, createdBy string) map[string]any {
	out := make(map[string]any, len(props)+3)
	for k, v := range props {
		out[k] = v
	}
	out["id"] = id
	out["created_at"] = createdAt.UTC().Format(time.RFC3339)
	out["created_by"] = createdBy
	return out
}

func stripManaged(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch k {
		case "id", "created_at", "created_by":
			continue
		}
		out[k] = v
	}
	return out
}
