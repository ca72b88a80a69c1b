package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_relay_frames_relayed_total",
		Help: "Frames fanned out to room members.",
	})
	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_relay_frames_dropped_total",
		Help: "Frames dropped on member backpressure.",
	})
	membersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_relay_members_connected",
		Help: "Currently attached websocket members.",
	})
	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_relay_tokens_issued_total",
		Help: "Session credentials issued.",
	})
)
