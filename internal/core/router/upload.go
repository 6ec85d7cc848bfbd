package router

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mohammed-shakir/geosync/internal/auth"
	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/core/observability"
	"github.com/mohammed-shakir/geosync/internal/geom"
	mylog "github.com/mohammed-shakir/geosync/internal/logger"
	"github.com/mohammed-shakir/geosync/internal/serializer"
	"github.com/mohammed-shakir/geosync/internal/store"
)

// uploadGeometries inserts each feature on its own. A failing feature is
// reported in errors and never aborts its siblings; earlier inserts stay
// committed.
func (a *api) uploadGeometries(w http.ResponseWriter, r *http.Request) {
	var req model.UploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected {projectId, features}")
		return
	}
	if len(req.Features) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "no features to upload")
		return
	}
	if limit := a.Config.MaxUploadFeatures; limit > 0 && len(req.Features) > limit {
		writeError(w, http.StatusBadRequest, "too_many_features",
			fmt.Sprintf("batch of %d features exceeds the limit of %d", len(req.Features), limit))
		return
	}

	ctx := mylog.WithProjectID(r.Context(), req.ProjectID)
	uid := auth.UserID(ctx)
	resp := model.UploadResponse{Results: make([]model.FeatureResult, 0, len(req.Features))}

	fail := func(i int, fw model.FeatureWire, msg string) {
		resp.Errors = append(resp.Errors, model.ErrorEntry{Error: msg, GeometryType: geom.TypeOf(fw.Geometry), Index: i})
		resp.Results = append(resp.Results, model.FeatureResult{Index: i, Status: model.StatusError})
	}

	for i, fw := range req.Features {
		if err := ctx.Err(); err != nil {
			fail(i, fw, "request cancelled")
			continue
		}
		// identity is assigned by the store only; a feature carrying one is already persisted
		if fw.ID != nil {
			resp.Skipped++
			resp.Results = append(resp.Results, model.FeatureResult{Index: i, Status: model.StatusSkipped, ID: fw.ID})
			continue
		}
		f, err := serializer.FromWire(fw, serializer.Upload)
		if err != nil {
			fail(i, fw, err.Error())
			continue
		}

		start := time.Now()
		res, err := a.Store.InsertGeometry(ctx, store.InsertRequest{
			Geometry:   f.Geometry,
			Properties: f.Properties,
			UserID:     uid,
			ProjectID:  req.ProjectID,
		})
		observability.ObserveStore("insert_geometry", err, time.Since(start).Seconds())

		var insErr *store.InsertError
		switch {
		case err == nil:
		case errors.As(err, &insErr):
			fail(i, fw, insErr.Error())
			continue
		case errors.Is(err, store.ErrProjectAccess), errors.Is(err, store.ErrNoScope):
			// scope is per batch, nothing of it can be stored
			storeError(w, err)
			return
		default:
			a.Log.ErrorContext(ctx, "insert geometry", "index", i, "err", err)
			fail(i, fw, "internal error")
			continue
		}

		id := res.Identity
		switch res.Code {
		case store.OKInsert:
			resp.Inserted++
			resp.Results = append(resp.Results, model.FeatureResult{Index: i, Status: model.StatusInserted, ID: &id})
			if a.Notifier != nil {
				a.Notifier.FeatureInserted(ctx, req.ProjectID, id, f.Geometry)
			}
		case store.OKDuplicate:
			resp.Duplicates++
			resp.Results = append(resp.Results, model.FeatureResult{Index: i, Status: model.StatusDuplicate, ID: &id})
		}
	}

	observability.IncUpload(model.StatusInserted, resp.Inserted)
	observability.IncUpload(model.StatusDuplicate, resp.Duplicates)
	observability.IncUpload(model.StatusSkipped, resp.Skipped)
	observability.IncUpload(model.StatusError, len(resp.Errors))

	resp.Success = true
	resp.Message = fmt.Sprintf("Processed %d features: %d inserted, %d duplicates, %d skipped, %d errors",
		len(req.Features), resp.Inserted, resp.Duplicates, resp.Skipped, len(resp.Errors))
	a.Log.InfoContext(ctx, "upload processed",
		"features", len(req.Features), "inserted", resp.Inserted, "duplicates", resp.Duplicates,
		"skipped", resp.Skipped, "errors", len(resp.Errors))
	writeJSON(w, http.StatusOK, resp)
}
