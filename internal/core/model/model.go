// Package model defines core domain types shared across the service and the client.
package model

import (
	"encoding/json"

	"github.com/paulmach/orb"
)

const (
	DefaultCRS        = "EPSG:4326"
	DefaultMaxZoomOut = 100000
)

// Family is the coarse geometry family a layer is typed by.
type Family string

const (
	FamilyPoint      Family = "Point"
	FamilyLineString Family = "LineString"
	FamilyPolygon    Family = "Polygon"
	FamilyUnknown    Family = "Unknown"
)

// Families lists the supported families in layer order.
var Families = []Family{FamilyPoint, FamilyLineString, FamilyPolygon}

// BBox is an axis aligned extent in the CRS named by SRID.
type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// Cells is a sorted, de-duplicated set of H3 cell ids.
type Cells []string

// Viewport is the visible map area as reported by the map canvas.
type Viewport struct {
	XMin       float64
	XMax       float64
	YMin       float64
	YMax       float64
	CRS        string
	Zoom       *float64
	MaxZoomOut float64
}

// QueryRequest is a planned, admission-checked spatial query.
type QueryRequest struct {
	XMin       float64
	XMax       float64
	YMin       float64
	YMax       float64
	CRS        string
	SRID       int
	Zoom       *float64
	MaxZoomOut float64
	Project    int64
}

// Feature is one geometry plus attributes. Identity is nil until the store
// has persisted the feature.
type Feature struct {
	Identity   *int64
	Geometry   orb.Geometry
	Properties map[string]any
}

// Persisted reports whether the store has already assigned an identity.
func (f Feature) Persisted() bool { return f.Identity != nil }

type Layer struct {
	Name     string
	Family   Family
	Fields   []string
	Features []Feature
}

type Project struct {
	ID   int64  `json:"projectId"`
	Name string `json:"projectName"`
}

type User struct {
	ID           string
	Email        string
	PasswordHash string
}

// --- wire records ---

// FeatureWire is the JSON shape of a feature on both the fetch and upload endpoints.
type FeatureWire struct {
	ID         *int64          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type ExtentsWire struct {
	XMin       float64  `json:"xMin"`
	XMax       float64  `json:"xMax"`
	YMin       float64  `json:"yMin"`
	YMax       float64  `json:"yMax"`
	CRS        string   `json:"crs"`
	Zoom       *float64 `json:"zoom,omitempty"`
	MaxZoomOut float64  `json:"maxZoomOut"`
}

func (e ExtentsWire) Viewport() Viewport {
	crs := e.CRS
	if crs == "" {
		crs = DefaultCRS
	}
	maxOut := e.MaxZoomOut
	if maxOut <= 0 {
		maxOut = DefaultMaxZoomOut
	}
	return Viewport{
		XMin: e.XMin, XMax: e.XMax, YMin: e.YMin, YMax: e.YMax,
		CRS: crs, Zoom: e.Zoom, MaxZoomOut: maxOut,
	}
}

func ExtentsFromQuery(q QueryRequest) ExtentsWire {
	return ExtentsWire{
		XMin: q.XMin, XMax: q.XMax, YMin: q.YMin, YMax: q.YMax,
		CRS: q.CRS, Zoom: q.Zoom, MaxZoomOut: q.MaxZoomOut,
	}
}

type FetchRequest struct {
	Extents ExtentsWire `json:"extents"`
	Project int64       `json:"project"`
}

type FetchResponse struct {
	Success  bool          `json:"success"`
	Features []FeatureWire `json:"features"`
	Extent   ExtentsWire   `json:"extent"`
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Message     string   `json:"message"`
	CurrentZoom *float64 `json:"currentZoom,omitempty"`
	MaxAllowed  *float64 `json:"maxAllowed,omitempty"`
}

type UploadRequest struct {
	ProjectID int64         `json:"projectId"`
	Features  []FeatureWire `json:"features"`
}

type ErrorEntry struct {
	Error        string `json:"error"`
	GeometryType string `json:"geometryType"`
	Index        int    `json:"index"`
}

// Upload outcome per submitted feature.
const (
	StatusInserted  = "inserted"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

type FeatureResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	ID     *int64 `json:"id,omitempty"`
}

type UploadResponse struct {
	Success    bool            `json:"success"`
	Inserted   int             `json:"inserted"`
	Duplicates int             `json:"duplicates"`
	Skipped    int             `json:"skipped"`
	Message    string          `json:"message"`
	Errors     []ErrorEntry    `json:"errors"`
	Results    []FeatureResult `json:"results"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Message      string    `json:"message"`
	UserID       string    `json:"userId"`
	Projects     []Project `json:"projects"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int       `json:"expiresIn"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshResponse struct {
	Message      string `json:"message"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type ProjectsResponse struct {
	Projects []Project `json:"projects"`
}
