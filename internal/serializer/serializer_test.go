package serializer

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/geom"
)

func id(v int64) *int64 { return &v }

func TestToWire_UploadStripsManagedKeys(t *testing.T) {
	f := model.Feature{
		Identity: id(7),
		Geometry: orb.Point{1, 2},
		Properties: map[string]any{
			"id":         int64(7),
			"created_at": "2024-01-01T00:00:00Z",
			"created_by": "u1",
			"name":       "well",
		},
	}
	w, err := ToWire(f, Upload)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	for _, k := range []string{"id", "created_at", "created_by"} {
		if _, ok := w.Properties[k]; ok {
			t.Fatalf("managed key %q leaked into upload properties: %v", k, w.Properties)
		}
	}
	if w.Properties["name"] != "well" {
		t.Fatalf("user property lost: %v", w.Properties)
	}
	if w.ID == nil || *w.ID != 7 {
		t.Fatalf("identity must travel in the top-level id, got %v", w.ID)
	}
	// the feature itself is untouched
	if _, ok := f.Properties["created_by"]; !ok {
		t.Fatal("ToWire mutated the input properties")
	}
}

func TestToWire_FetchExposesIdentity(t *testing.T) {
	f := model.Feature{
		Identity:   id(11),
		Geometry:   orb.Point{1, 2},
		Properties: map[string]any{"created_by": "u1"},
	}
	w, err := ToWire(f, Fetch)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if w.Properties["id"] != int64(11) || w.Properties["created_by"] != "u1" {
		t.Fatalf("fetch properties = %v", w.Properties)
	}
}

func TestToWire_MissingGeometry(t *testing.T) {
	_, err := ToWire(model.Feature{}, Upload)
	if !errors.Is(err, ErrMissingGeometry) {
		t.Fatalf("want ErrMissingGeometry, got %v", err)
	}
}

func TestFromWire_NullGeometry(t *testing.T) {
	for _, raw := range []string{"", "null"} {
		_, err := FromWire(model.FeatureWire{Geometry: json.RawMessage(raw)}, Fetch)
		var se *SerializationError
		if !errors.As(err, &se) {
			t.Fatalf("geometry %q: want *SerializationError, got %v", raw, err)
		}
		if !IsFeatureError(err) {
			t.Fatal("null geometry must be a per-feature error")
		}
	}
}

func TestFromWire_MalformedGeometry(t *testing.T) {
	_, err := FromWire(model.FeatureWire{
		Geometry: json.RawMessage(`{"type":"Point","coordinates":["x"]}`),
	}, Upload)
	var ge *geom.GeometryError
	if !errors.As(err, &ge) {
		t.Fatalf("want *geom.GeometryError, got %v", err)
	}
	if !IsFeatureError(err) {
		t.Fatal("malformed geometry must be a per-feature error")
	}
}

func TestFromWire_FlattensNestedValues(t *testing.T) {
	f, err := FromWire(model.FeatureWire{
		Geometry:   json.RawMessage(`{"type":"Point","coordinates":[1,2]}`),
		Properties: map[string]any{"tags": []any{"a", "b"}, "n": 3.0},
	}, Fetch)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if f.Properties["tags"] != `["a","b"]` {
		t.Fatalf("tags=%v", f.Properties["tags"])
	}
	if f.Properties["n"] != 3.0 {
		t.Fatalf("n=%v", f.Properties["n"])
	}
}

// Fetch a persisted point, then serialize it for upload without edits.
func TestFetchThenReupload_NoManagedKeys(t *testing.T) {
	body := `{"id":7,"geometry":{"type":"Point","coordinates":[1,2]},"properties":{"id":7,"created_at":"2024-05-01","created_by":"u1"}}`
	var w model.FeatureWire
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		t.Fatal(err)
	}
	f, err := FromWire(w, Fetch)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if !f.Persisted() || *f.Identity != 7 {
		t.Fatalf("identity not preserved: %v", f.Identity)
	}
	if !geom.Equal(f.Geometry, orb.Point{1, 2}) {
		t.Fatalf("geometry=%v", f.Geometry)
	}

	up, err := ToWire(f, Upload)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if len(up.Properties) != 0 {
		t.Fatalf("upload properties should be empty, got %v", up.Properties)
	}
	if up.ID == nil || *up.ID != 7 {
		t.Fatalf("identity lost on upload: %v", up.ID)
	}
}

func TestBuildLayers_PartitionAndSchema(t *testing.T) {
	features := []model.Feature{
		{Geometry: orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}, Properties: map[string]any{"zone": "a"}},
		{Geometry: orb.Point{1, 2}, Properties: map[string]any{"b": 1.0}},
		{Geometry: orb.Collection{orb.Point{0, 0}}},
		{Geometry: orb.MultiPoint{{3, 4}}, Properties: map[string]any{"a": "x"}},
		{Geometry: orb.LineString{{0, 0}, {1, 1}}},
	}
	layers, rejected := BuildLayers("QGIS", features)

	var names []string
	for _, l := range layers {
		names = append(names, l.Name)
	}
	want := []string{"QGIS_Point", "QGIS_LineString", "QGIS_Polygon"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("layers=%v want %v", names, want)
	}

	points := layers[0]
	if !reflect.DeepEqual(points.Fields, []string{"a", "b"}) {
		t.Fatalf("point fields=%v", points.Fields)
	}
	if len(points.Features) != 2 {
		t.Fatalf("point features=%d", len(points.Features))
	}
	if points.Features[0].Properties["a"] != "" || points.Features[1].Properties["b"] != "" {
		t.Fatalf("missing keys not filled: %v %v", points.Features[0].Properties, points.Features[1].Properties)
	}
	if len(layers[1].Fields) != 0 {
		t.Fatalf("line fields=%v", layers[1].Fields)
	}

	if len(rejected) != 1 || rejected[0].Index != 2 || rejected[0].GeometryType != "GeometryCollection" {
		t.Fatalf("rejected=%+v", rejected)
	}
}

func TestBuildLayers_Empty(t *testing.T) {
	layers, rejected := BuildLayers("QGIS", nil)
	if len(layers) != 0 || len(rejected) != 0 {
		t.Fatalf("layers=%v rejected=%v", layers, rejected)
	}
}
