// Command geosync is a command line sync client: it logs in, fetches a
// viewport into a GeoJSON file and uploads GeoJSON features back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geosync/internal/client"
	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/logger"
	"github.com/mohammed-shakir/geosync/internal/planner"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: geosync [flags] <login|fetch|upload>

  login                       list the projects of the account
  fetch  -bbox x1,y1,x2,y2    write the features in the extent as GeoJSON
  upload -in file.geojson     upload features that have no id yet`)
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("geosync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	serverURL := fs.String("server", getenv("GEOSYNC_SERVER", "http://localhost:8090"), "API base url")
	email := fs.String("email", os.Getenv("GEOSYNC_EMAIL"), "account email")
	project := fs.Int64("project", 0, "project id")
	bbox := fs.String("bbox", "", "extent x1,y1,x2,y2")
	crs := fs.String("crs", model.DefaultCRS, "extent crs")
	zoom := fs.Float64("zoom", 0, "current map scale denominator, 0 for none")
	maxZoomOut := fs.Float64("max-zoom-out", model.DefaultMaxZoomOut, "largest scale denominator allowed to fetch")
	in := fs.String("in", "", "GeoJSON FeatureCollection to upload")
	out := fs.String("out", "-", "fetch output file, - for stdout")
	batch := fs.Int("batch", 1000, "features per upload request, at most the server's MAX_UPLOAD_FEATURES")
	timeout := fs.Duration("timeout", 60*time.Second, "overall timeout")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		usage(stderr)
		return 2
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	zl := logger.Build(logger.Config{Level: level, Console: true, Component: "geosync"}, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	sess := client.New(client.Config{BaseURL: *serverURL, BatchSize: *batch, Log: logger.NewSlog(&zl)})
	lr, err := sess.Login(ctx, *email, os.Getenv("GEOSYNC_PASSWORD"))
	if err != nil {
		fmt.Fprintln(stderr, "login:", err)
		return 1
	}
	defer func() { _ = sess.Logout(context.WithoutCancel(ctx)) }()

	cmd := fs.Arg(0)
	if cmd == "login" {
		for _, p := range lr.Projects {
			fmt.Fprintf(stdout, "%d\t%s\n", p.ID, p.Name)
		}
		return 0
	}

	if err := sess.SelectProject(*project); err != nil {
		fmt.Fprintln(stderr, "select project:", err)
		return 1
	}

	switch cmd {
	case "fetch":
		vp, err := viewport(*bbox, *crs, *zoom, *maxZoomOut)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		err = fetch(ctx, sess, vp, *out, stdout, stderr)
		var ze *planner.ZoomTooFarOutError
		if errors.As(err, &ze) {
			fmt.Fprintf(stderr, "zoom in to load features: scale %g, max allowed %g\n", ze.CurrentZoom, ze.MaxAllowed)
			return 1
		}
		if err != nil {
			fmt.Fprintln(stderr, "fetch:", err)
			return 1
		}
	case "upload":
		if err := upload(ctx, sess, *in, stdout); err != nil {
			fmt.Fprintln(stderr, "upload:", err)
			return 1
		}
	default:
		usage(stderr)
		return 2
	}
	return 0
}

func viewport(bbox, crs string, zoom, maxZoomOut float64) (model.Viewport, error) {
	parts := strings.Split(bbox, ",")
	if len(parts) != 4 {
		return model.Viewport{}, errors.New("-bbox expects x1,y1,x2,y2")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.Viewport{}, fmt.Errorf("-bbox value %d: %w", i+1, err)
		}
		v[i] = f
	}
	vp := model.Viewport{XMin: v[0], YMin: v[1], XMax: v[2], YMax: v[3], CRS: crs, MaxZoomOut: maxZoomOut}
	if zoom > 0 {
		vp.Zoom = &zoom
	}
	return vp, nil
}

// layerProperty records the fetched layer of each feature in the written
// collection. It is dropped again when the file is uploaded.
const layerProperty = "layer"

func fetch(ctx context.Context, sess *client.Session, vp model.Viewport, out string, stdout, stderr io.Writer) error {
	res, err := sess.Fetch(ctx, vp)
	if err != nil {
		return err
	}
	return writeCollection(res, out, stdout, stderr)
}

func writeCollection(res *client.FetchResult, out string, stdout, stderr io.Writer) error {
	fc := geojson.NewFeatureCollection()
	for _, l := range res.Layers {
		for _, f := range l.Features {
			gf := geojson.NewFeature(f.Geometry)
			if f.Identity != nil {
				gf.ID = *f.Identity
			}
			for k, v := range f.Properties {
				gf.Properties[k] = v
			}
			gf.Properties[layerProperty] = l.Name
			fc.Append(gf)
		}
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}
	for _, r := range res.Rejected {
		fmt.Fprintf(stderr, "skipped feature %d (%s): %s\n", r.Index, r.GeometryType, r.Reason)
	}
	if out == "-" {
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func upload(ctx context.Context, sess *client.Session, in string, stdout io.Writer) error {
	if in == "" {
		return errors.New("-in is required")
	}
	raw, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	layer, err := layerFromGeoJSON(in, raw)
	if err != nil {
		return err
	}
	res, err := sess.Upload(ctx, []model.Layer{layer})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "inserted %d, duplicates %d, skipped %d, errors %d\n",
		res.Inserted, res.Duplicates, res.Skipped, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Fprintf(stdout, "  feature %d (%s): %s\n", e.Index, e.GeometryType, e.Err)
	}
	return nil
}

// layerFromGeoJSON reads a FeatureCollection. Numeric feature ids are taken
// as store identities, so features fetched earlier are not uploaded again.
// The layer property written by fetch is not a user attribute and is dropped.
func layerFromGeoJSON(name string, raw []byte) (model.Layer, error) {
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return model.Layer{}, fmt.Errorf("parse %s: %w", name, err)
	}
	layer := model.Layer{Name: name, Features: make([]model.Feature, 0, len(fc.Features))}
	for _, gf := range fc.Features {
		props := map[string]any(gf.Properties)
		delete(props, layerProperty)
		f := model.Feature{Geometry: gf.Geometry, Properties: props}
		if id, ok := identity(gf.ID); ok {
			f.Identity = &id
		}
		layer.Features = append(layer.Features, f)
	}
	return layer, nil
}

func identity(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 && n == float64(int64(n)) {
			return int64(n), true
		}
	case int64:
		return n, n > 0
	}
	return 0, false
}
