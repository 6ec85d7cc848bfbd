package serializer

import (
	"fmt"
	"slices"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/geom"
)

// Rejected is a feature that could not be placed in any layer.
type Rejected struct {
	Index        int
	GeometryType string
	Reason       string
}

// LayerName returns the layer name used for a family, e.g. "QGIS_Point".
func LayerName(prefix string, fam model.Family) string {
	if prefix == "" {
		return string(fam)
	}
	return prefix + "_" + string(fam)
}

// BuildLayers partitions features by geometry family. Layers come out in
// Point, LineString, Polygon order and only families with features are
// returned. Each layer's schema is the sorted union of its features' property
// keys; missing values are filled with "".
func BuildLayers(prefix string, features []model.Feature) ([]model.Layer, []Rejected) {
	byFamily := make(map[model.Family][]model.Feature, len(model.Families))
	var rejected []Rejected
	for i, f := range features {
		fam := geom.FamilyOf(f.Geometry)
		if fam == model.FamilyUnknown {
			rejected = append(rejected, Rejected{
				Index:        i,
				GeometryType: geometryType(f),
				Reason:       "unsupported geometry family",
			})
			continue
		}
		byFamily[fam] = append(byFamily[fam], f)
	}

	layers := make([]model.Layer, 0, len(byFamily))
	for _, fam := range model.Families {
		members := byFamily[fam]
		if len(members) == 0 {
			continue
		}
		fields := unionKeys(members)
		for i := range members {
			members[i].Properties = fill(members[i].Properties, fields)
		}
		layers = append(layers, model.Layer{
			Name:     LayerName(prefix, fam),
			Family:   fam,
			Fields:   fields,
			Features: members,
		})
	}
	return layers, rejected
}

func unionKeys(fs []model.Feature) []string {
	seen := map[string]struct{}{}
	for _, f := range fs {
		for k := range f.Properties {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func fill(props map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, k := range fields {
		v, ok := props[k]
		if !ok || v == nil {
			v = ""
		}
		out[k] = v
	}
	return out
}

func geometryType(f model.Feature) string {
	if f.Geometry == nil {
		return "null"
	}
	return fmt.Sprint(f.Geometry.GeoJSONType())
}
