// Package metrics exposes Prometheus collectors for sessions, uplinks and forwarded frames.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive   = promauto.NewGauge(prometheus.GaugeOpts{Name: "nmea_proxy_sessions_active", Help: "Live websocket sessions"})
	UplinksStreaming = promauto.NewGauge(prometheus.GaugeOpts{Name: "nmea_proxy_uplinks_streaming", Help: "Sessions currently streaming from an uplink"})
	FramesForwarded  = promauto.NewCounter(prometheus.CounterOpts{Name: "nmea_proxy_frames_forwarded_total", Help: "Sentences forwarded to websocket peers"})
	LinesDiscarded   = promauto.NewCounter(prometheus.CounterOpts{Name: "nmea_proxy_lines_discarded_total", Help: "Upstream lines rejected by the framer"})
	UplinkAttempts   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nmea_proxy_uplink_attempts_total", Help: "Uplink connect attempts by outcome"}, []string{"outcome"})
	ControlMessages  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nmea_proxy_control_messages_total", Help: "Inbound control messages by type"}, []string{"type"})
	UplinkDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "nmea_proxy_uplink_duration_seconds", Help: "Established uplink lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 16)})
)
