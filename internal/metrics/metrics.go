// Package metrics builds the dedicated Prometheus registry served on /metrics
// when METRICS_ENABLED is set. It holds the runtime collectors, the geosync
// collectors from observability and a gauge per optional backend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geosync/internal/core/observability"
)

type Config struct {
	// Backends maps an optional backend ("redis", "extent_cache", "kafka")
	// to whether this process runs with it.
	Backends map[string]bool
}

type Provider struct {
	reg      *prometheus.Registry
	backends *prometheus.GaugeVec
}

func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(observability.Collectors()...)

	backends := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geosync_backend_enabled",
			Help: "Optional backends this process runs with (1 enabled, 0 disabled).",
		},
		[]string{"backend"},
	)
	reg.MustRegister(backends)

	p := &Provider{reg: reg, backends: backends}
	for name, on := range cfg.Backends {
		p.SetBackend(name, on)
	}
	return p
}

// SetBackend flips the backend gauge, e.g. when redis is dropped after a
// failed setup.
func (p *Provider) SetBackend(name string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	p.backends.WithLabelValues(name).Set(v)
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}
