package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/geom"
	"github.com/mohammed-shakir/geosync/internal/serializer"
)

type FetchResult struct {
	Layers []model.Layer
	// Rejected indexes into the features the server returned.
	Rejected []serializer.Rejected
}

// Fetch loads the features inside vp. The admission check runs locally first
// so a viewport that is zoomed too far out never reaches the network.
func (s *Session) Fetch(ctx context.Context, vp model.Viewport) (*FetchResult, error) {
	cur, err := s.scope()
	if err != nil {
		return nil, err
	}
	q, err := s.planner.BuildQuery(vp, cur.Project)
	if err != nil {
		return nil, err
	}

	var resp model.FetchResponse
	body := model.FetchRequest{Extents: model.ExtentsFromQuery(q), Project: q.Project}
	if err := s.doAuthorized(ctx, "/api/qgis/get_layer", body, &resp); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	res := &FetchResult{}
	features := make([]model.Feature, 0, len(resp.Features))
	origin := make([]int, 0, len(resp.Features))
	for i, fw := range resp.Features {
		f, err := serializer.FromWire(fw, serializer.Fetch)
		if err != nil {
			res.Rejected = append(res.Rejected, serializer.Rejected{
				Index:        i,
				GeometryType: geom.TypeOf(fw.Geometry),
				Reason:       err.Error(),
			})
			continue
		}
		features = append(features, f)
		origin = append(origin, i)
	}
	layers, rejected := serializer.BuildLayers(s.prefix, features)
	for _, r := range rejected {
		r.Index = origin[r.Index]
		res.Rejected = append(res.Rejected, r)
	}
	res.Layers = layers
	s.log.DebugContext(ctx, "fetched", "features", len(resp.Features), "layers", len(layers), "rejected", len(res.Rejected))
	return res, nil
}

// UploadError is one feature the upload could not store.
type UploadError struct {
	Layer        string
	Index        int
	GeometryType string
	Err          string
}

type UploadResult struct {
	Inserted   int
	Duplicates int
	Skipped    int
	Errors     []UploadError
}

// Upload sends every not yet persisted feature of layers, at most
// Config.BatchSize features per request. Identities assigned by the server
// are written back into the layers' features, so uploading the same layers
// again skips them.
func (s *Session) Upload(ctx context.Context, layers []model.Layer) (UploadResult, error) {
	cur, err := s.scope()
	if err != nil {
		return UploadResult{}, err
	}

	var res UploadResult
	for li := range layers {
		layer := &layers[li]
		wires := make([]model.FeatureWire, 0, len(layer.Features))
		// positions in layer.Features of each wire record
		pos := make([]int, 0, len(layer.Features))
		for fi := range layer.Features {
			f := layer.Features[fi]
			if f.Persisted() {
				res.Skipped++
				continue
			}
			fw, err := serializer.ToWire(f, serializer.Upload)
			if err != nil {
				res.Errors = append(res.Errors, UploadError{
					Layer: layer.Name, Index: fi, GeometryType: featureType(f), Err: err.Error(),
				})
				continue
			}
			wires = append(wires, fw)
			pos = append(pos, fi)
		}
		if len(wires) == 0 {
			continue
		}

		for start := 0; start < len(wires); start += s.batchSize {
			end := min(start+s.batchSize, len(wires))
			if err := s.uploadBatch(ctx, cur.Project, layer, wires[start:end], pos[start:end], &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// uploadBatch sends one batch of a layer. pos maps each wire record back to
// its position in layer.Features. Only session loss is returned as an error;
// any other failure is recorded against every feature of the batch.
func (s *Session) uploadBatch(ctx context.Context, project int64, layer *model.Layer, wires []model.FeatureWire, pos []int, res *UploadResult) error {
	var resp model.UploadResponse
	err := s.doAuthorized(ctx, "/api/qgis/upload_geometries", model.UploadRequest{ProjectID: project, Features: wires}, &resp)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotLoggedIn) {
			return fmt.Errorf("upload %s: %w", layer.Name, err)
		}
		for i, fi := range pos {
			res.Errors = append(res.Errors, UploadError{
				Layer: layer.Name, Index: fi, GeometryType: geom.TypeOf(wires[i].Geometry), Err: err.Error(),
			})
		}
		s.log.WarnContext(ctx, "upload batch failed", "layer", layer.Name, "features", len(wires), "err", err)
		return nil
	}

	res.Skipped += resp.Skipped
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(pos) {
			continue
		}
		f := &layer.Features[pos[r.Index]]
		switch r.Status {
		case model.StatusInserted, model.StatusDuplicate:
			if r.Status == model.StatusInserted {
				res.Inserted++
			} else {
				res.Duplicates++
			}
			if r.ID != nil {
				id := *r.ID
				f.Identity = &id
			}
		}
	}
	for _, e := range resp.Errors {
		idx := e.Index
		if idx >= 0 && idx < len(pos) {
			idx = pos[idx]
		}
		res.Errors = append(res.Errors, UploadError{
			Layer: layer.Name, Index: idx, GeometryType: e.GeometryType, Err: e.Error,
		})
	}
	return nil
}

func featureType(f model.Feature) string {
	if f.Geometry == nil {
		return "unknown"
	}
	return f.Geometry.GeoJSONType()
}
