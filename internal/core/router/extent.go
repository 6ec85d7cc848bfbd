package router

import (
	"errors"
	"net/http"
	"time"

	"github.com/mohammed-shakir/geosync/internal/auth"
	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/core/observability"
	mylog "github.com/mohammed-shakir/geosync/internal/logger"
	"github.com/mohammed-shakir/geosync/internal/planner"
	"github.com/mohammed-shakir/geosync/internal/serializer"
)

func (a *api) getLayer(w http.ResponseWriter, r *http.Request) {
	var req model.FetchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected {extents, project}")
		return
	}
	ctx := mylog.WithProjectID(r.Context(), req.Project)
	uid := auth.UserID(ctx)

	vp := req.Extents.Viewport()
	vp.MaxZoomOut = planner.EffectiveMaxZoomOut(vp.MaxZoomOut, a.Config.MaxZoomOut)

	// the query keeps the viewport CRS; the store transforms into storage SRID
	q, err := planner.BuildQuery(vp, req.Project)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	start := time.Now()
	features, err := a.Store.QueryExtent(ctx, q, uid)
	observability.ObserveStore("query_extent", err, time.Since(start).Seconds())
	if err != nil {
		if storeError(w, err) || writeQueryError(w, err) {
			return
		}
		a.Log.ErrorContext(ctx, "query extent", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not query geometries")
		return
	}

	out := make([]model.FeatureWire, 0, len(features))
	for _, f := range features {
		fw, err := serializer.ToWire(f, serializer.Fetch)
		if err != nil {
			a.Log.WarnContext(ctx, "skip unencodable feature", "err", err)
			continue
		}
		out = append(out, fw)
	}
	observability.ObserveFetch(len(out))

	ext := model.ExtentsWire{
		XMin: vp.XMin, XMax: vp.XMax, YMin: vp.YMin, YMax: vp.YMax,
		CRS: vp.CRS, Zoom: vp.Zoom, MaxZoomOut: vp.MaxZoomOut,
	}
	writeJSON(w, http.StatusOK, model.FetchResponse{Success: true, Features: out, Extent: ext})
}

// writeQueryError answers planner rejections; false when err is not one.
func writeQueryError(w http.ResponseWriter, err error) bool {
	var zoomErr *planner.ZoomTooFarOutError
	var crsErr *planner.InvalidCRSError
	switch {
	case errors.As(err, &zoomErr):
		observability.IncAdmissionRejected("zoom")
		cur, maxAllowed := zoomErr.CurrentZoom, zoomErr.MaxAllowed
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error:       "zoom_too_far_out",
			Message:     zoomErr.Error(),
			CurrentZoom: &cur,
			MaxAllowed:  &maxAllowed,
		})
	case errors.As(err, &crsErr):
		observability.IncAdmissionRejected("crs")
		writeError(w, http.StatusBadRequest, "invalid_crs", crsErr.Error())
	case errors.Is(err, planner.ErrInvalidViewport):
		observability.IncAdmissionRejected("bounds")
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		return false
	}
	return true
}
