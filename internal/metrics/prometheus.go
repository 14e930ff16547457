package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "execguard"

// exporter renders a Collector snapshot as Prometheus metrics at scrape time.
type exporter struct {
	c *Collector
}

// Describe sends nothing: the metric set grows as new series appear, so the
// exporter registers as an unchecked collector.
func (e exporter) Describe(chan<- *prometheus.Desc) {}

func (e exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.c.Snapshot()
	for _, p := range snap.Counters {
		if m, err := constMetric(p, prometheus.CounterValue); err == nil {
			ch <- m
		}
	}
	for _, p := range snap.Gauges {
		if m, err := constMetric(p, prometheus.GaugeValue); err == nil {
			ch <- m
		}
	}
	for _, s := range snap.Series {
		desc := prometheus.NewDesc(promName(s.Name), "Approximate distribution of "+s.Name+".", nil, nil)
		m, err := prometheus.NewConstSummary(desc, uint64(s.Count), s.Sum, map[float64]float64{
			0.5: s.P50, 0.9: s.P90, 0.99: s.P99,
		})
		if err == nil {
			ch <- m
		}
	}
}

func constMetric(p MetricPoint, kind prometheus.ValueType) (prometheus.Metric, error) {
	keys := sortedKeys(p.Labels)
	names := make([]string, len(keys))
	values := make([]string, len(keys))
	for i, k := range keys {
		names[i] = sanitize(k)
		values[i] = p.Labels[k]
	}
	desc := prometheus.NewDesc(promName(p.Name), p.Name, names, nil)
	return prometheus.NewConstMetric(desc, kind, p.Value, values...)
}

func promName(name string) string {
	return namespace + "_" + sanitize(name)
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// NewRegistry returns a Prometheus registry exposing c alongside the Go
// runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		exporter{c: c},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
