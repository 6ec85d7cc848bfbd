package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geosync/internal/auth"
	"github.com/mohammed-shakir/geosync/internal/core/config"
	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/store"
)

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (n *recordingNotifier) FeatureInserted(_ context.Context, _, featureID int64, _ orb.Geometry) {
	n.mu.Lock()
	n.ids = append(n.ids, featureID)
	n.mu.Unlock()
}

type env struct {
	srv      *httptest.Server
	mem      *store.MemoryStore
	notifier *recordingNotifier
	project  int64
	other    int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := mem.CreateUser(ctx, "ana@example.com", hash)
	p, _ := mem.CreateProject(ctx, "roads", u.ID)
	other, _ := mem.CreateProject(ctx, "secret")

	cfg := config.Config{
		MaxZoomOut:        100000,
		MaxUploadFeatures: 10,
		Auth: config.AuthCfg{
			RefreshTTL: time.Hour,
			RateLimits: map[string]int{"login": 100, "refresh": 100, "logout": 100},
		},
	}
	svc := auth.NewService(mem, auth.NewSigner("0123456789abcdef0123456789abcdef", "geosync", time.Minute),
		auth.NewMemorySessions(64, time.Hour), time.Hour, nil)

	n := &recordingNotifier{}
	r := chi.NewRouter()
	Routes(r, Deps{Config: cfg, Auth: svc, Store: mem, Projects: mem, Notifier: n})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, mem: mem, notifier: n, project: p.ID, other: other.ID}
}

func (e *env) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (e *env) login(t *testing.T) model.LoginResponse {
	t.Helper()
	resp := e.post(t, "/api/auth/login", "", model.Credentials{Email: "ana@example.com", Password: "pw"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	return decode[model.LoginResponse](t, resp)
}

func point(x, y float64) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"type": "Point", "coordinates": []float64{x, y}})
	return b
}

func TestLogin(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/api/auth/login", "", model.Credentials{Email: "ana@example.com", Password: "pw"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var access, refresh *http.Cookie
	for _, c := range resp.Cookies() {
		switch c.Name {
		case "access_token":
			access = c
		case "refresh_token":
			refresh = c
		}
	}
	if access == nil || refresh == nil || !access.HttpOnly || access.MaxAge != 60 {
		t.Fatalf("cookies: %+v %+v", access, refresh)
	}
	lr := decode[model.LoginResponse](t, resp)
	if len(lr.Projects) != 1 || lr.Projects[0].ID != e.project || lr.ExpiresIn != 60 {
		t.Fatalf("login response %+v", lr)
	}

	bad := e.post(t, "/api/auth/login", "", model.Credentials{Email: "ana@example.com", Password: "nope"})
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad creds status %d", bad.StatusCode)
	}
	if er := decode[model.ErrorResponse](t, bad); er.Error != "invalid_credentials" {
		t.Fatalf("error %+v", er)
	}
}

func TestRefresh_SingleUse(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)

	resp := e.post(t, "/api/auth/refresh", "", model.RefreshRequest{RefreshToken: lr.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	rr := decode[model.RefreshResponse](t, resp)
	if rr.AccessToken == "" || rr.RefreshToken == lr.RefreshToken {
		t.Fatalf("refresh response %+v", rr)
	}
	if again := e.post(t, "/api/auth/refresh", "", model.RefreshRequest{RefreshToken: lr.RefreshToken}); again.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reuse status %d", again.StatusCode)
	}
}

func TestRefresh_FromCookie(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: lr.RefreshToken})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestLogout_RevokesRefresh(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)
	if resp := e.post(t, "/api/auth/logout", "", model.RefreshRequest{RefreshToken: lr.RefreshToken}); resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	if resp := e.post(t, "/api/auth/refresh", "", model.RefreshRequest{RefreshToken: lr.RefreshToken}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/api/qgis/get_layer", "/api/qgis/upload_geometries"} {
		if resp := e.post(t, path, "", map[string]any{}); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s status %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Get(e.srv.URL + "/api/projects")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("projects status %d", resp.StatusCode)
	}
}

func TestProjects(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/projects", nil)
	req.Header.Set("Authorization", "Bearer "+lr.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	pr := decode[model.ProjectsResponse](t, resp)
	if len(pr.Projects) != 1 || pr.Projects[0].Name != "roads" {
		t.Fatalf("projects %+v", pr)
	}
}

func fetchBody(project int64, zoom *float64, maxOut float64, crs string) model.FetchRequest {
	return model.FetchRequest{
		Project: project,
		Extents: model.ExtentsWire{XMin: -10, XMax: 10, YMin: -10, YMax: 10, CRS: crs, Zoom: zoom, MaxZoomOut: maxOut},
	}
}

func TestGetLayer_ZoomRejected(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)

	zoom := 150000.0
	resp := e.post(t, "/api/qgis/get_layer", lr.AccessToken, fetchBody(e.project, &zoom, 100000, "EPSG:4326"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	er := decode[model.ErrorResponse](t, resp)
	if er.Error != "zoom_too_far_out" || er.CurrentZoom == nil || *er.CurrentZoom != 150000 || *er.MaxAllowed != 100000 {
		t.Fatalf("error %+v", er)
	}
}

func TestGetLayer_ServerCeilingCapsClientThreshold(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)

	zoom := 500000.0
	resp := e.post(t, "/api/qgis/get_layer", lr.AccessToken, fetchBody(e.project, &zoom, 1e9, "EPSG:4326"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if er := decode[model.ErrorResponse](t, resp); *er.MaxAllowed != 100000 {
		t.Fatalf("maxAllowed %v", *er.MaxAllowed)
	}
}

func TestGetLayer_InvalidCRS(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)
	resp := e.post(t, "/api/qgis/get_layer", lr.AccessToken, fetchBody(e.project, nil, 0, "EPSG:abc"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if er := decode[model.ErrorResponse](t, resp); er.Error != "invalid_crs" {
		t.Fatalf("error %+v", er)
	}
}

func TestGetLayer_ForeignProject(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)
	if resp := e.post(t, "/api/qgis/get_layer", lr.AccessToken, fetchBody(e.other, nil, 0, "EPSG:4326")); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestUpload_PartialFailureThenFetchThenReupload(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)

	features := []model.FeatureWire{
		{Geometry: point(1, 1), Properties: map[string]any{"name": "a"}},
		{Geometry: point(2, 2), Properties: map[string]any{"name": "b"}},
		{Geometry: json.RawMessage(`{"type":"Point","coordinates":["x","y"]}`), Properties: map[string]any{}},
		{Geometry: point(3, 3), Properties: map[string]any{"name": "d"}},
		{Geometry: json.RawMessage(`{"type":"LineString","coordinates":[[0,0],[4,4]]}`), Properties: map[string]any{"name": "e"}},
	}
	resp := e.post(t, "/api/qgis/upload_geometries", lr.AccessToken, model.UploadRequest{ProjectID: e.project, Features: features})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	ur := decode[model.UploadResponse](t, resp)
	if ur.Inserted != 4 || len(ur.Errors) != 1 || ur.Errors[0].Index != 2 || ur.Errors[0].GeometryType != "Point" {
		t.Fatalf("upload response %+v", ur)
	}
	if len(ur.Results) != 5 || ur.Results[2].Status != model.StatusError || ur.Results[0].ID == nil {
		t.Fatalf("results %+v", ur.Results)
	}
	if len(e.notifier.ids) != 4 {
		t.Fatalf("notified %v", e.notifier.ids)
	}

	fresp := e.post(t, "/api/qgis/get_layer", lr.AccessToken, fetchBody(e.project, nil, 0, "EPSG:4326"))
	if fresp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status %d", fresp.StatusCode)
	}
	fr := decode[model.FetchResponse](t, fresp)
	if !fr.Success || len(fr.Features) != 4 {
		t.Fatalf("fetch %d features", len(fr.Features))
	}
	for _, f := range fr.Features {
		if f.ID == nil {
			t.Fatalf("fetched feature without id: %+v", f)
		}
	}

	// fetched features carry identity and are skipped on re-upload
	rresp := e.post(t, "/api/qgis/upload_geometries", lr.AccessToken, model.UploadRequest{ProjectID: e.project, Features: fr.Features})
	rr := decode[model.UploadResponse](t, rresp)
	if rr.Inserted != 0 || rr.Skipped != 4 || rr.Errors != nil {
		t.Fatalf("re-upload %+v", rr)
	}

	// same geometry without identity is detected as duplicate
	dresp := e.post(t, "/api/qgis/upload_geometries", lr.AccessToken, model.UploadRequest{ProjectID: e.project, Features: features[:1]})
	dr := decode[model.UploadResponse](t, dresp)
	if dr.Inserted != 0 || dr.Duplicates != 1 {
		t.Fatalf("duplicate upload %+v", dr)
	}
	if e.mem.Count() != 4 {
		t.Fatalf("store holds %d features", e.mem.Count())
	}
}

func TestUpload_Rejections(t *testing.T) {
	e := newEnv(t)
	lr := e.login(t)

	if resp := e.post(t, "/api/qgis/upload_geometries", lr.AccessToken, model.UploadRequest{ProjectID: e.project}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batch status %d", resp.StatusCode)
	}

	many := make([]model.FeatureWire, 11)
	for i := range many {
		many[i] = model.FeatureWire{Geometry: point(float64(i), 0)}
	}
	resp := e.post(t, "/api/qgis/upload_geometries", lr.AccessToken, model.UploadRequest{ProjectID: e.project, Features: many})
	if er := decode[model.ErrorResponse](t, resp); resp.StatusCode != http.StatusBadRequest || er.Error != "too_many_features" {
		t.Fatalf("oversized batch %d %+v", resp.StatusCode, er)
	}

	if resp := e.post(t, "/api/qgis/upload_geometries", lr.AccessToken, model.UploadRequest{ProjectID: e.other, Features: many[:1]}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign project status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/qgis/upload_geometries", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+lr.AccessToken)
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status %d", bad.StatusCode)
	}
	if e.mem.Count() != 0 {
		t.Fatalf("store holds %d features", e.mem.Count())
	}
}
