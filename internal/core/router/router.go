// Package router holds the HTTP handlers of the geosync API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geosync/internal/auth"
	"github.com/mohammed-shakir/geosync/internal/core/config"
	"github.com/mohammed-shakir/geosync/internal/core/middleware"
	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/store"
)

const maxBodyBytes = 32 << 20

// ProjectLister lists the projects a user belongs to.
type ProjectLister interface {
	ProjectsForUser(ctx context.Context, userID string) ([]model.Project, error)
}

// ChangeNotifier is told about every newly persisted feature.
type ChangeNotifier interface {
	FeatureInserted(ctx context.Context, projectID, featureID int64, g orb.Geometry)
}

type Deps struct {
	Config   config.Config
	Auth     *auth.Service
	Store    store.SpatialStore
	Projects ProjectLister
	Notifier ChangeNotifier
	Log      *slog.Logger
}

type api struct {
	Deps
}

// Routes registers the /api tree on r.
func Routes(r chi.Router, d Deps) {
	if d.Log == nil {
		d.Log = slog.New(slog.DiscardHandler)
	}
	a := &api{Deps: d}
	limits := d.Config.Auth.RateLimits

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(middleware.RateLimit(limits["login"], 0)).Post("/login", a.login)
			r.With(middleware.RateLimit(limits["refresh"], 0)).Post("/refresh", a.refresh)
			r.With(middleware.RateLimit(limits["logout"], 0)).Post("/logout", a.logout)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(d.Auth))
			r.Get("/projects", a.projects)
			r.Post("/qgis/get_layer", a.getLayer)
			r.Post("/qgis/upload_geometries", a.uploadGeometries)
		})
	})
}

func (a *api) projects(w http.ResponseWriter, r *http.Request) {
	ps, err := a.Projects.ProjectsForUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		a.Log.ErrorContext(r.Context(), "list projects", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list projects")
		return
	}
	if ps == nil {
		ps = []model.Project{}
	}
	writeJSON(w, http.StatusOK, model.ProjectsResponse{Projects: ps})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: code, Message: msg})
}

// storeError maps scope errors shared by fetch and upload.
func storeError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, store.ErrProjectAccess):
		writeError(w, http.StatusForbidden, "project_forbidden", "not a member of this project")
	case errors.Is(err, store.ErrNoScope):
		writeError(w, http.StatusBadRequest, "invalid_request", "project is required")
	default:
		return false
	}
	return true
}
