/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics implements the Telemetry Surface's metric-extraction
// hook (spec §4.9) as a Prometheus registry: a per-stage completion
// counter and duration histogram, served on a scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector satisfies telemetry.MetricHook, recording every stage
// completion into its own Prometheus registry so repeated construction
// (e.g. in tests) never collides with a package-level default registry.
type Collector struct {
	registry *prometheus.Registry

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewCollector registers the stage counters/histograms against a fresh
// registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		stageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crs",
			Name:      "stage_total",
			Help:      "Count of stage worker invocations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crs",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of a stage worker's Process call.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage", "outcome"}),
	}
}

// ObserveStage implements telemetry.MetricHook.
func (c *Collector) ObserveStage(stage, outcome string, durationSeconds float64) {
	c.stageTotal.WithLabelValues(stage, outcome).Inc()
	c.stageDuration.WithLabelValues(stage, outcome).Observe(durationSeconds)
}

// Handler serves the registry's scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
