// Package serializer converts features between their in-memory form and the
// wire records exchanged by the fetch and upload endpoints.
package serializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/geom"
)

type Direction int

const (
	Fetch Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "fetch"
}

// Attributes owned by the store. They are outputs only and never accepted as
// upload input.
const (
	KeyID        = "id"
	KeyCreatedAt = "created_at"
	KeyCreatedBy = "created_by"
)

var managedKeys = []string{KeyID, KeyCreatedAt, KeyCreatedBy}

func IsManagedKey(k string) bool {
	for _, m := range managedKeys {
		if k == m {
			return true
		}
	}
	return false
}

// SerializationError reports a wire record that cannot become a feature.
type SerializationError struct {
	Reason string
}

func (e *SerializationError) Error() string { return "serialize feature: " + e.Reason }

var ErrMissingGeometry = &SerializationError{Reason: "geometry is absent"}

func (e *SerializationError) Is(target error) bool {
	t, ok := target.(*SerializationError)
	return ok && t.Reason == e.Reason
}

// ToWire renders a feature for the given direction.
func ToWire(f model.Feature, dir Direction) (model.FeatureWire, error) {
	if f.Geometry == nil {
		return model.FeatureWire{}, ErrMissingGeometry
	}
	raw, err := geom.Encode(f.Geometry)
	if err != nil {
		return model.FeatureWire{}, fmt.Errorf("encode geometry: %w", err)
	}
	props := scalarize(f.Properties)
	switch dir {
	case Upload:
		stripManaged(props)
	case Fetch:
		if f.Identity != nil {
			props[KeyID] = *f.Identity
		}
	}
	return model.FeatureWire{
		ID:         copyID(f.Identity),
		Geometry:   raw,
		Properties: props,
	}, nil
}

// FromWire validates a wire record and decodes its geometry. Geometry
// decoding failures surface as *geom.GeometryError.
func FromWire(w model.FeatureWire, dir Direction) (model.Feature, error) {
	if geom.IsNull(w.Geometry) {
		return model.Feature{}, ErrMissingGeometry
	}
	g, err := geom.Decode(w.Geometry)
	if err != nil {
		return model.Feature{}, err
	}
	props := scalarize(w.Properties)
	if dir == Upload {
		stripManaged(props)
	}
	return model.Feature{
		Identity:   copyID(w.ID),
		Geometry:   g,
		Properties: props,
	}, nil
}

// IsFeatureError reports whether err only affects a single feature, so the
// caller should skip it and carry on with the batch.
func IsFeatureError(err error) bool {
	var se *SerializationError
	var ge *geom.GeometryError
	return errors.As(err, &se) || errors.As(err, &ge)
}

func stripManaged(props map[string]any) {
	for _, k := range managedKeys {
		delete(props, k)
	}
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// attribute values are scalars; anything nested is kept as its JSON text
func scalarize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	for k, v := range out {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		default:
			b, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprint(v)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
