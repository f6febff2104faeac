// Scribe is a media transcription job service.
// Copyright (C) 2025 Scribe Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted     prometheus.Counter
	jobsFinished      *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec
	modelLoads        prometheus.Counter
	modelUnloads      prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobSubmitted records one submitted job.
func IncJobSubmitted() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.Inc()
	}
}

// ObserveJobFinished records a job reaching a terminal state.
func ObserveJobFinished(status string) {
	label := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsFinished != nil {
		jobsFinished.WithLabelValues(label).Inc()
	}
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, duration time.Duration) {
	label := sanitizeLabel(stage, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if stageDuration != nil {
		stageDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// ObserveWebhook records one webhook delivery attempt by outcome
// ("delivered" or "failed").
func ObserveWebhook(outcome string) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(label).Inc()
	}
}

// IncModelLoad records a model load.
func IncModelLoad() {
	mu.RLock()
	defer mu.RUnlock()
	if modelLoads != nil {
		modelLoads.Inc()
	}
}

// IncModelUnload records a model unload.
func IncModelUnload() {
	mu.RLock()
	defer mu.RUnlock()
	if modelUnloads != nil {
		modelUnloads.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total transcription jobs submitted.",
	})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total jobs reaching a terminal state, by status.",
	}, []string{"status"})

	stages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribe",
		Subsystem: "jobs",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages (download, extract, transcribe, format).",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"stage"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	loads := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "model",
		Name:      "loads_total",
		Help:      "Total speech-to-text model loads.",
	})

	unloads := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "model",
		Name:      "unloads_total",
		Help:      "Total speech-to-text model unloads.",
	})

	registry.MustRegister(submitted, finished, stages, webhooks, loads, unloads)

	reg = registry
	jobsSubmitted = submitted
	jobsFinished = finished
	stageDuration = stages
	webhookDeliveries = webhooks
	modelLoads = loads
	modelUnloads = unloads
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
