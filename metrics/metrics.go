// Package metrics exposes the server's prometheus instrumentation, served on
// /metrics next to the Go runtime defaults.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartserver_requests_total",
		Help: "Handled protocol requests by type and outcome.",
	}, []string{"type", "outcome"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartserver_events_total",
		Help: "Server-initiated events emitted by type.",
	}, []string{"event"})

	RelayedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartserver_relayed_frames_total",
		Help: "Per-frame input and signal messages relayed between peers.",
	})

	MalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartserver_malformed_envelopes_total",
		Help: "Inbound messages that could not be parsed as an envelope.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartserver_connections",
		Help: "Open websocket connections.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartserver_online_users",
		Help: "Users with at least one bound connection.",
	})

	OpenRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartserver_open_rooms",
		Help: "Rooms currently alive.",
	})

	PendingInvites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartserver_pending_invites",
		Help: "Invites awaiting a response.",
	})
)
