// Package metrics exposes Prometheus collectors for the encoder networks.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorfusion"

// Collector groups the encoder metrics under a private registry so several
// collectors can coexist in one process. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	Steps          *prometheus.CounterVec
	WindowFill     *prometheus.GaugeVec
	ForwardSeconds *prometheus.HistogramVec
	NormUpdates    *prometheus.CounterVec
}

// New registers a fresh set of collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timesteps_total",
				Help:      "Timesteps fused, per network.",
			},
			[]string{"network"},
		),
		WindowFill: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_filled_tokens",
				Help:      "Real tokens in the context window after the last call.",
			},
			[]string{"network"},
		),
		ForwardSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "encode_duration_seconds",
				Help:      "Wall time of one encode call, all timesteps included.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"network"},
		),
		NormUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "normalizer_updates_total",
				Help:      "Batches folded into running observation statistics.",
			},
			[]string{"network"},
		),
	}
	c.registry.MustRegister(c.Steps, c.WindowFill, c.ForwardSeconds, c.NormUpdates)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveEncode records one encode call of steps timesteps.
func (c *Collector) ObserveEncode(network string, steps, filled int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Steps.WithLabelValues(network).Add(float64(steps))
	c.WindowFill.WithLabelValues(network).Set(float64(filled))
	c.ForwardSeconds.WithLabelValues(network).Observe(elapsed.Seconds())
}

// ObserveNormUpdate records one running-statistics update.
func (c *Collector) ObserveNormUpdate(network string) {
	if c == nil {
		return
	}
	c.NormUpdates.WithLabelValues(network).Inc()
}

// Summary renders counters and gauges as sorted "name{labels} value" lines.
func (c *Collector) Summary() (string, error) {
	if c == nil {
		return "", nil
	}
	families, err := c.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			var value string
			switch {
			case m.GetCounter() != nil:
				value = fmt.Sprint(m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				value = fmt.Sprint(m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				value = fmt.Sprintf("count=%d sum=%.6f", m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum())
			default:
				continue
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %s", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}
