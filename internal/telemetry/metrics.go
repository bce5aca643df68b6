// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coordcore/core/internal/runstore"
)

// Collector implements executor.MetricsCollector with Prometheus
// counters/histograms, the same shape as the teacher's per-package
// promauto vars but instance-scoped so more than one Collector (e.g. one
// per test) can coexist without colliding on the default registry.
type Collector struct {
	registry *prometheus.Registry

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec

	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.HistogramVec
}

// NewCollector builds a Collector registered against its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_runs_started_total",
			Help: "Total number of runs admitted by the Run Executor.",
		}, nil),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_runs_finished_total",
			Help: "Total number of runs reaching a terminal status, by status and stop reason.",
		}, []string{"status", "reason"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordcore_run_duration_seconds",
			Help:    "Wall-clock duration from submission to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_steps_finished_total",
			Help: "Total number of dispatched steps, by server, tool and outcome.",
		}, []string{"server_id", "tool_name", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordcore_step_duration_seconds",
			Help:    "Duration of a dispatched step including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server_id", "tool_name"}),
		stepAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordcore_step_attempts",
			Help:    "Number of dispatch attempts a step took before finishing.",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		}, []string{"server_id", "tool_name"}),
	}
	reg.MustRegister(c.runsStarted, c.runsFinished, c.runDuration, c.stepsFinished, c.stepDuration, c.stepAttempts)
	return c
}

// Handler serves the collector's registry in the Prometheus exposition
// format, for mounting at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRunStart implements executor.MetricsCollector.
func (c *Collector) RecordRunStart(runID string) {
	c.runsStarted.WithLabelValues().Inc()
}

// RecordRunComplete implements executor.MetricsCollector.
func (c *Collector) RecordRunComplete(runID string, status runstore.RunStatus, reason string, duration time.Duration) {
	c.runsFinished.WithLabelValues(string(status), reason).Inc()
	c.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordStepComplete implements executor.MetricsCollector.
func (c *Collector) RecordStepComplete(serverID, toolName string, attempts int, failed bool, duration time.Duration) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	c.stepsFinished.WithLabelValues(serverID, toolName, outcome).Inc()
	c.stepDuration.WithLabelValues(serverID, toolName).Observe(duration.Seconds())
	c.stepAttempts.WithLabelValues(serverID, toolName).Observe(float64(attempts))
}
