package main

import "github.com/prometheus/client_golang/prometheus"

// Prometheus counters exposed on cfg.DebugHTTP's /metrics endpoint,
// grounded on prometheus/client_golang's promauto-free MustRegister pattern
// (kept explicit here rather than via promauto since this daemon has no
// other use for that subpackage).
var (
	tokensForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeed_tokens_forwarded_total",
			Help: "Number of times this site successfully forwarded the ring token.",
		},
		[]string{"site"},
	)

	reservationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeed_reservations_failed_total",
			Help: "Number of spend reservations that ended in an error reply to a maker.",
		},
		[]string{"site", "reason"},
	)

	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeed_reconnect_attempts_total",
			Help: "Number of outbound ring link (re)connect attempts.",
		},
		[]string{"site"},
	)
)

func init() {
	prometheus.MustRegister(tokensForwarded, reservationsFailed, reconnectAttempts)
}
