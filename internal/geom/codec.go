// Package geom converts between GeoJSON wire geometries and orb geometries
// and classifies geometries into the coarse families layers are typed by.
package geom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geosync/internal/core/model"
)

// GeometryError reports a wire geometry that cannot be decoded. The owning
// feature is dropped; sibling features are unaffected.
type GeometryError struct {
	Type   string
	Reason string
	Err    error
}

func (e *GeometryError) Error() string {
	t := e.Type
	if t == "" {
		t = "unknown"
	}
	if e.Err != nil {
		return fmt.Sprintf("geometry %s: %s: %v", t, e.Reason, e.Err)
	}
	return fmt.Sprintf("geometry %s: %s", t, e.Reason)
}

func (e *GeometryError) Unwrap() error { return e.Err }

func Classify(geoJSONType string) model.Family {
	switch strings.TrimSpace(geoJSONType) {
	case "Point", "MultiPoint":
		return model.FamilyPoint
	case "LineString", "MultiLineString":
		return model.FamilyLineString
	case "Polygon", "MultiPolygon":
		return model.FamilyPolygon
	default:
		return model.FamilyUnknown
	}
}

func FamilyOf(g orb.Geometry) model.Family {
	if g == nil {
		return model.FamilyUnknown
	}
	switch g.(type) {
	case orb.Point, orb.MultiPoint, orb.LineString, orb.MultiLineString, orb.Polygon, orb.MultiPolygon:
		return Classify(g.GeoJSONType())
	default:
		return model.FamilyUnknown
	}
}

// TypeOf returns the GeoJSON "type" member of a raw geometry, or "unknown".
func TypeOf(raw json.RawMessage) string {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil || strings.TrimSpace(hdr.Type) == "" {
		return "unknown"
	}
	return strings.TrimSpace(hdr.Type)
}

// IsNull reports whether a raw geometry is absent or JSON null.
func IsNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Decode parses a GeoJSON geometry object. Only the six simple types are
// accepted; positions keep x and y.
func Decode(raw json.RawMessage) (orb.Geometry, error) {
	if IsNull(raw) {
		return nil, &GeometryError{Reason: "geometry is null"}
	}
	var v struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &GeometryError{Reason: "parse geojson", Err: err}
	}
	typ := strings.TrimSpace(v.Type)
	if Classify(typ) == model.FamilyUnknown {
		return nil, &GeometryError{Type: typ, Reason: "unsupported geometry type"}
	}
	if IsNull(v.Coordinates) {
		return nil, &GeometryError{Type: typ, Reason: "missing coordinates"}
	}

	fail := func(reason string, err error) (orb.Geometry, error) {
		return nil, &GeometryError{Type: typ, Reason: reason, Err: err}
	}

	switch typ {
	case "Point":
		var pos []float64
		if err := json.Unmarshal(v.Coordinates, &pos); err != nil {
			return fail("parse point coords", err)
		}
		p, err := toPoint(pos)
		if err != nil {
			return fail("invalid position", err)
		}
		return p, nil
	case "MultiPoint":
		var coords [][]float64
		if err := json.Unmarshal(v.Coordinates, &coords); err != nil {
			return fail("parse multipoint coords", err)
		}
		if len(coords) == 0 {
			return fail("empty multipoint", nil)
		}
		mp, err := toPoints(coords)
		if err != nil {
			return fail("invalid position", err)
		}
		return orb.MultiPoint(mp), nil
	case "LineString":
		var coords [][]float64
		if err := json.Unmarshal(v.Coordinates, &coords); err != nil {
			return fail("parse linestring coords", err)
		}
		ls, err := toLineString(coords)
		if err != nil {
			return fail("invalid linestring", err)
		}
		return ls, nil
	case "MultiLineString":
		var lines [][][]float64
		if err := json.Unmarshal(v.Coordinates, &lines); err != nil {
			return fail("parse multilinestring coords", err)
		}
		if len(lines) == 0 {
			return fail("empty multilinestring", nil)
		}
		out := make(orb.MultiLineString, 0, len(lines))
		for i, coords := range lines {
			ls, err := toLineString(coords)
			if err != nil {
				return fail(fmt.Sprintf("invalid linestring %d", i), err)
			}
			out = append(out, ls)
		}
		return out, nil
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(v.Coordinates, &rings); err != nil {
			return fail("parse polygon coords", err)
		}
		poly, err := toPolygon(rings)
		if err != nil {
			return fail("invalid polygon", err)
		}
		return poly, nil
	default: // MultiPolygon
		var polys [][][][]float64
		if err := json.Unmarshal(v.Coordinates, &polys); err != nil {
			return fail("parse multipolygon coords", err)
		}
		if len(polys) == 0 {
			return fail("empty multipolygon", nil)
		}
		out := make(orb.MultiPolygon, 0, len(polys))
		for i, rings := range polys {
			poly, err := toPolygon(rings)
			if err != nil {
				return fail(fmt.Sprintf("invalid polygon %d", i), err)
			}
			out = append(out, poly)
		}
		return out, nil
	}
}

// Encode is the inverse of Decode.
func Encode(g orb.Geometry) (json.RawMessage, error) {
	if FamilyOf(g) == model.FamilyUnknown {
		return nil, &GeometryError{Reason: "cannot encode unsupported geometry"}
	}
	b, err := json.Marshal(geojson.NewGeometry(g))
	if err != nil {
		return nil, &GeometryError{Type: g.GeoJSONType(), Reason: "marshal geojson", Err: err}
	}
	return b, nil
}

// Equal reports exact coordinate equality.
func Equal(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return orb.Equal(a, b)
}

func toPoint(pos []float64) (orb.Point, error) {
	if len(pos) < 2 {
		return orb.Point{}, fmt.Errorf("position must have at least 2 values, got %d", len(pos))
	}
	x, y := pos[0], pos[1]
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return orb.Point{}, fmt.Errorf("non-finite coordinate")
	}
	return orb.Point{x, y}, nil
}

func toPoints(coords [][]float64) ([]orb.Point, error) {
	out := make([]orb.Point, 0, len(coords))
	for i, pos := range coords {
		p, err := toPoint(pos)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func toLineString(coords [][]float64) (orb.LineString, error) {
	if len(coords) < 2 {
		return nil, fmt.Errorf("linestring has <2 positions")
	}
	pts, err := toPoints(coords)
	if err != nil {
		return nil, err
	}
	return orb.LineString(pts), nil
}

func toPolygon(rings [][][]float64) (orb.Polygon, error) {
	if len(rings) == 0 {
		return nil, fmt.Errorf("empty polygon")
	}
	out := make(orb.Polygon, 0, len(rings))
	for i, coords := range rings {
		if len(coords) < 4 {
			return nil, fmt.Errorf("ring %d has <4 positions", i)
		}
		pts, err := toPoints(coords)
		if err != nil {
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
		if !pts[0].Equal(pts[len(pts)-1]) {
			return nil, fmt.Errorf("ring %d is not closed", i)
		}
		out = append(out, orb.Ring(pts))
	}
	return out, nil
}
