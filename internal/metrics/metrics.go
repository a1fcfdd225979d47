// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_ticks_ingested_total", Help: "Top-of-book ticks written to the tick store"},
		[]string{"venue"},
	)
	TicksSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_ticks_suppressed_total", Help: "Duplicate quotes dropped by the listeners"},
		[]string{"venue"},
	)
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_cycles_total", Help: "Strategy cycles by outcome"},
		[]string{"outcome"},
	)
	SignalsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_signals_total", Help: "Signals found by the detector"},
		[]string{"side"},
	)
	PositionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_positions_opened_total", Help: "Positions opened"},
		[]string{"mode", "side"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_transitions_total", Help: "Exit-state transitions"},
		[]string{"transition"},
	)
	FillsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_fills_recorded_total", Help: "Executions newly stored"},
		[]string{"source"},
	)
	FillTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "divergebot_fill_timeouts_total", Help: "Fills not confirmed before the polling deadline"},
	)
	LockContention = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "divergebot_lock_contention_total", Help: "Cycles skipped because the lease was held"},
	)
	ListenerReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_listener_reconnects_total", Help: "Websocket reconnect attempts"},
		[]string{"listener"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "divergebot_http_requests_total", Help: "API requests by route and status class"},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksIngested, TicksSuppressed, Cycles, SignalsDetected, PositionsOpened,
		Transitions, FillsRecorded, FillTimeouts, LockContention, ListenerReconnects,
		HTTPRequests,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
