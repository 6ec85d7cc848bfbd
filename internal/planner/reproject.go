package planner

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/geosync/internal/core/model"
)

// Reprojector transforms a bounding box into another CRS.
type Reprojector interface {
	TransformBBox(b model.BBox, targetCRS string) (model.BBox, error)
}

// densification steps per bbox edge
const edgeSteps = 21

// MercatorReprojector handles EPSG:4326 <-> EPSG:3857.
type MercatorReprojector struct{}

func (MercatorReprojector) TransformBBox(b model.BBox, targetCRS string) (model.BBox, error) {
	from, err := ParseSRID(b.SRID)
	if err != nil {
		return model.BBox{}, err
	}
	to, err := ParseSRID(targetCRS)
	if err != nil {
		return model.BBox{}, err
	}

	var proj orb.Projection
	switch {
	case from == to:
		b.SRID = targetCRS
		return b, nil
	case from == 4326 && to == 3857:
		proj = func(p orb.Point) orb.Point {
			p[1] = clampLat(p[1])
			return project.WGS84.ToMercator(p)
		}
	case from == 3857 && to == 4326:
		proj = project.Mercator.ToWGS84
	default:
		return model.BBox{}, &InvalidCRSError{CRS: b.SRID, Reason: "no transform to " + targetCRS}
	}

	out := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, p := range edgePoints(b) {
		out = out.Extend(proj(p))
	}
	return model.BBox{X1: out.Min[0], Y1: out.Min[1], X2: out.Max[0], Y2: out.Max[1], SRID: targetCRS}, nil
}

// edgePoints samples the bbox outline so curved edges in the target CRS are
// still covered.
func edgePoints(b model.BBox) []orb.Point {
	pts := make([]orb.Point, 0, 4*edgeSteps)
	for i := 0; i < edgeSteps; i++ {
		t := float64(i) / float64(edgeSteps-1)
		x := b.X1 + t*(b.X2-b.X1)
		y := b.Y1 + t*(b.Y2-b.Y1)
		pts = append(pts,
			orb.Point{x, b.Y1},
			orb.Point{x, b.Y2},
			orb.Point{b.X1, y},
			orb.Point{b.X2, y},
		)
	}
	return pts
}

// web mercator is undefined at the poles
func clampLat(lat float64) float64 {
	const maxLat = 85.05112878
	return math.Max(-maxLat, math.Min(maxLat, lat))
}
