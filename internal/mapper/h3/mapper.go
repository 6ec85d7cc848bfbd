package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geosync/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellsForGeometry covers a geometry in EPSG:4326. Points and line vertices
// map to their containing cell; polygons are polyfilled, falling back to the
// vertex cells when the polygon is smaller than a cell.
func (m *Mapper) CellsForGeometry(g orb.Geometry, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	add := func(cs ...string) {
		for _, c := range cs {
			set[c] = struct{}{}
		}
	}

	switch v := g.(type) {
	case orb.Point:
		c, err := pointCell(v, res)
		if err != nil {
			return nil, err
		}
		add(c)
	case orb.MultiPoint:
		if err := addPoints(v, res, add); err != nil {
			return nil, err
		}
	case orb.LineString:
		if err := addPoints(v, res, add); err != nil {
			return nil, err
		}
	case orb.MultiLineString:
		for _, ls := range v {
			if err := addPoints(ls, res, add); err != nil {
				return nil, err
			}
		}
	case orb.Polygon:
		if err := addPolygon(v, res, add); err != nil {
			return nil, err
		}
	case orb.MultiPolygon:
		for _, p := range v {
			if err := addPolygon(p, res, add); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported geometry %T", g)
	}

	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func pointCell(p orb.Point, res int) (string, error) {
	c, err := h3.LatLngToCell(h3.LatLng{Lat: p.Lat(), Lng: p.Lon()}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell for %v: %w", p, err)
	}
	return c.String(), nil
}

func addPoints(pts []orb.Point, res int, add func(...string)) error {
	for _, p := range pts {
		c, err := pointCell(p, res)
		if err != nil {
			return err
		}
		add(c)
	}
	return nil
}

func addPolygon(p orb.Polygon, res int, add func(...string)) error {
	if len(p) == 0 {
		return errors.New("empty polygon")
	}
	outer := toLoop(p[0])
	var holes []h3.GeoLoop
	for _, r := range p[1:] {
		holes = append(holes, toLoop(r))
	}
	cells, err := polyfillOne(outer, holes, res)
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		return addPoints(p[0], res, add)
	}
	add(cells...)
	return nil
}

// Convert a ring to an h3.GeoLoop (in degrees).
// If the ring is explicitly closed (last == first), drop the trailing duplicate.
func toLoop(r orb.Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(r))
	for _, p := range r {
		loop = append(loop, h3.LatLng{Lat: p.Lat(), Lng: p.Lon()})
	}
	if len(loop) >= 2 && loop[0] == loop[len(loop)-1] {
		loop = loop[:len(loop)-1]
	}
	return loop
}

// polyfillOne computes unique cells and returns them sorted for determinism.
func polyfillOne(outer h3.GeoLoop, holes []h3.GeoLoop, res int) (model.Cells, error) {
	if len(outer) < 3 {
		return nil, errors.New("outer ring has < 3 distinct vertices")
	}
	poly := h3.GeoPolygon{
		GeoLoop: outer,
		Holes:   holes,
	}

	// v4 returns ([]h3.Cell, error)
	indexes, err := h3.PolygonToCells(poly, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
