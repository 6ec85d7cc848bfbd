// Package planner turns a map viewport into a bounded spatial query and
// applies the zoom admission guard shared by client and server.
package planner

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geosync/internal/core/model"
)

var ErrInvalidViewport = errors.New("invalid viewport")

// ZoomTooFarOutError rejects a query issued at a scale coarser than allowed.
type ZoomTooFarOutError struct {
	CurrentZoom float64
	MaxAllowed  float64
}

func (e *ZoomTooFarOutError) Error() string {
	return fmt.Sprintf("zoom level too far out: %g exceeds %g, zoom in to load features", e.CurrentZoom, e.MaxAllowed)
}

type InvalidCRSError struct {
	CRS    string
	Reason string
}

func (e *InvalidCRSError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid crs %q", e.CRS)
	}
	return fmt.Sprintf("invalid crs %q: %s", e.CRS, e.Reason)
}

// CheckZoom fails when zoom is present and strictly greater than maxZoomOut.
func CheckZoom(zoom *float64, maxZoomOut float64) error {
	if zoom == nil {
		return nil
	}
	if math.IsNaN(*zoom) || *zoom > maxZoomOut {
		return &ZoomTooFarOutError{CurrentZoom: *zoom, MaxAllowed: maxZoomOut}
	}
	return nil
}

// EffectiveMaxZoomOut caps the client supplied threshold with the server's own
// ceiling. A non-positive ceiling disables the cap.
func EffectiveMaxZoomOut(requested, ceiling float64) float64 {
	if requested <= 0 {
		requested = model.DefaultMaxZoomOut
	}
	if ceiling > 0 && ceiling < requested {
		return ceiling
	}
	return requested
}

// ParseSRID extracts the numeric code from "<AUTHORITY>:<CODE>".
func ParseSRID(crs string) (int, error) {
	auth, code, ok := strings.Cut(strings.TrimSpace(crs), ":")
	if !ok || auth == "" || code == "" {
		return 0, &InvalidCRSError{CRS: crs, Reason: "expected AUTHORITY:CODE"}
	}
	for _, r := range auth {
		if !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z') {
			return 0, &InvalidCRSError{CRS: crs, Reason: "bad authority"}
		}
	}
	n, err := strconv.Atoi(code)
	if err != nil || n <= 0 {
		return 0, &InvalidCRSError{CRS: crs, Reason: "code is not a positive integer"}
	}
	return n, nil
}

// ValidateBounds checks the extent is finite and ordered.
func ValidateBounds(xmin, xmax, ymin, ymax float64) error {
	for _, v := range []float64{xmin, xmax, ymin, ymax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bound", ErrInvalidViewport)
		}
	}
	if xmin > xmax || ymin > ymax {
		return fmt.Errorf("%w: min exceeds max", ErrInvalidViewport)
	}
	return nil
}

// Planner builds queries in a fixed target CRS, reprojecting viewports that
// arrive in another one.
type Planner struct {
	TargetCRS string
	Reproject Reprojector
}

func New() *Planner {
	return &Planner{TargetCRS: model.DefaultCRS, Reproject: MercatorReprojector{}}
}

// BuildQuery plans vp for project. Admission and CRS checks run before any
// reprojection so a rejected viewport never costs more than a comparison.
func (p *Planner) BuildQuery(vp model.Viewport, project int64) (model.QueryRequest, error) {
	if vp.CRS == "" {
		vp.CRS = model.DefaultCRS
	}
	if vp.MaxZoomOut <= 0 {
		vp.MaxZoomOut = model.DefaultMaxZoomOut
	}
	if err := ValidateBounds(vp.XMin, vp.XMax, vp.YMin, vp.YMax); err != nil {
		return model.QueryRequest{}, err
	}
	if err := CheckZoom(vp.Zoom, vp.MaxZoomOut); err != nil {
		return model.QueryRequest{}, err
	}
	if _, err := ParseSRID(vp.CRS); err != nil {
		return model.QueryRequest{}, err
	}

	target := p.TargetCRS
	if target == "" {
		target = vp.CRS
	}
	srid, err := ParseSRID(target)
	if err != nil {
		return model.QueryRequest{}, err
	}

	b := model.BBox{X1: vp.XMin, Y1: vp.YMin, X2: vp.XMax, Y2: vp.YMax, SRID: vp.CRS}
	if !sameCRS(vp.CRS, target) {
		if p.Reproject == nil {
			return model.QueryRequest{}, &InvalidCRSError{CRS: vp.CRS, Reason: "no reprojection to " + target}
		}
		b, err = p.Reproject.TransformBBox(b, target)
		if err != nil {
			return model.QueryRequest{}, err
		}
	}

	return model.QueryRequest{
		XMin:       b.X1,
		XMax:       b.X2,
		YMin:       b.Y1,
		YMax:       b.Y2,
		CRS:        target,
		SRID:       srid,
		Zoom:       vp.Zoom,
		MaxZoomOut: vp.MaxZoomOut,
		Project:    project,
	}, nil
}

// BuildQuery plans vp without reprojection; the query keeps the viewport CRS.
func BuildQuery(vp model.Viewport, project int64) (model.QueryRequest, error) {
	p := Planner{}
	return p.BuildQuery(vp, project)
}

func sameCRS(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
