package h3mapper

import (
	"slices"
	"sort"
	"testing"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"
)

func TestToParent(t *testing.T) {
	m := New()

	baseRes := 8
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: 59.3293, Lng: 18.0686}, baseRes)
	if err != nil {
		t.Fatalf("LatLngToCell: %v", err)
	}
	cellStr := cell.String()

	same, err := m.ToParent(cellStr, baseRes)
	if err != nil || same != cellStr {
		t.Fatalf("ToParent same-res: %s %v", same, err)
	}

	parentStr, err := m.ToParent(cellStr, baseRes-1)
	if err != nil {
		t.Fatalf("ToParent: %v", err)
	}
	want, _ := cell.Parent(baseRes - 1)
	if parentStr != want.String() {
		t.Fatalf("parent=%s want %s", parentStr, want)
	}

	// invalidate upward resolution transitions and garbage input
	if _, err := m.ToParent(cellStr, baseRes+1); err == nil {
		t.Fatalf("expected error for parentRes > current res")
	}
	if _, err := m.ToParent("not-a-cell", 3); err == nil {
		t.Fatalf("expected error for invalid cell")
	}
}

func TestCoarsen_ReducesToLimit(t *testing.T) {
	m := New()
	bb := orb.Bound{Min: orb.Point{17.95, 59.30}, Max: orb.Point{18.15, 59.40}}.ToPolygon()
	cells, err := m.CellsForGeometry(bb, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) <= 8 {
		t.Fatalf("fixture too small: %d cells", len(cells))
	}

	out, res, err := m.Coarsen(cells, 9, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > 8 || res >= 9 {
		t.Fatalf("coarsen gave %d cells at res %d", len(out), res)
	}
	if !sort.StringsAreSorted([]string(out)) || hasDups(out) {
		t.Fatalf("coarsened cells must be sorted + unique")
	}

	// every original cell is covered by one of the coarse ones
	for _, c := range cells {
		p, _ := m.ToParent(c, res)
		if !slices.Contains(out, p) {
			t.Fatalf("cell %s not covered", c)
		}
	}

	same, r, _ := m.Coarsen(cells, 9, 0)
	if len(same) != len(cells) || r != 9 {
		t.Fatal("limit 0 must leave cells untouched")
	}
}
