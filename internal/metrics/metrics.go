// Package metrics holds the Prometheus instruments for sessions, sync and casting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry       *prometheus.Registry
	sessionsOpened prometheus.Counter
	openFailures   *prometheus.CounterVec
	activeSessions prometheus.Gauge
	syncPublished  prometheus.Counter
	syncApplied    *prometheus.CounterVec
	casts          *prometheus.CounterVec
	trackEvents    *prometheus.CounterVec
	targetsFound   prometheus.Counter
	toolCalls      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncview_sessions_opened_total",
			Help: "Sessions whose playback URL resolved",
		}),
		openFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncview_open_failures_total",
			Help: "Session opens that failed, by error kind",
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncview_active_sessions",
			Help: "Sessions currently registered",
		}),
		syncPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncview_sync_published_total",
			Help: "Sync messages published",
		}),
		syncApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncview_sync_applied_total",
			Help: "Seeks applied from received sync messages, by handle role",
		}, []string{"role"}),
		casts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncview_casts_total",
			Help: "Cast attempts by result",
		}, []string{"result"}),
		trackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncview_track_events_total",
			Help: "Elementary stream registry changes",
		}, []string{"kind", "change"}),
		targetsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncview_render_targets_found_total",
			Help: "Render targets reported to sessions",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncview_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
	}

	registry.MustRegister(
		m.sessionsOpened,
		m.openFailures,
		m.activeSessions,
		m.syncPublished,
		m.syncApplied,
		m.casts,
		m.trackEvents,
		m.targetsFound,
		m.toolCalls,
	)
	return m
}

func (m *Metrics) IncSessionsOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

// IncOpenFailure records a failed open; kind is "resolution" or "load".
func (m *Metrics) IncOpenFailure(kind string) {
	if m == nil {
		return
	}
	m.openFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) IncSyncPublished() {
	if m == nil {
		return
	}
	m.syncPublished.Inc()
}

func (m *Metrics) IncSyncApplied(role string) {
	if m == nil {
		return
	}
	m.syncApplied.WithLabelValues(role).Inc()
}

func (m *Metrics) IncCast(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.casts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTrackEvent(kind, change string) {
	if m == nil {
		return
	}
	m.trackEvents.WithLabelValues(kind, change).Inc()
}

func (m *Metrics) IncTargetsFound() {
	if m == nil {
		return
	}
	m.targetsFound.Inc()
}

func (m *Metrics) IncToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
