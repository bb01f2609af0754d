package utils

import (
	"cartserver/metrics"
	"cartserver/relay"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartJanitor schedules the periodic maintenance sweep: repair the room
// membership invariants, refresh the occupancy gauges and log the registry
// sizes. Invites carry no expiry, so their count is logged to keep any
// leakage observable.
func StartJanitor(r *relay.Relay, logger *zap.Logger) *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 1m", func() {
		r.RepairRooms()

		stats := r.Snapshot()
		metrics.OnlineUsers.Set(float64(stats.OnlineUsers))
		metrics.OpenRooms.Set(float64(stats.Rooms))
		metrics.PendingInvites.Set(float64(stats.PendingInvites))

		logger.Info("janitor sweep",
			zap.Int("clients", stats.Clients),
			zap.Int("onlineUsers", stats.OnlineUsers),
			zap.Int("rooms", stats.Rooms),
			zap.Int("pendingInvites", stats.PendingInvites),
			zap.Int("directoryUsers", stats.Users),
		)
	})

	c.Start()
	return c
}
