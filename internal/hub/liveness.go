package hub

import (
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/protocol"
)

// runLivenessMonitor drives two periodic timers: one probes every live
// connection with a heartbeat, the other scans for connections whose
// last liveness response is older than the eviction window and closes
// them. Both stop together on shutdown, before the registry is torn
// down.
func (h *Hub) runLivenessMonitor() {
	defer close(h.livenessDone)

	probe := time.NewTicker(h.config.HeartbeatInterval)
	evict := time.NewTicker(h.config.HeartbeatInterval)
	defer probe.Stop()
	defer evict.Stop()

	for {
		select {
		case <-h.livenessStop:
			return
		case <-probe.C:
			h.probeConnections()
		case <-evict.C:
			h.evictStaleConnections()
		}
	}
}

func (h *Hub) probeConnections() {
	ping := protocol.MustEnvelope(protocol.TypePing, protocol.EventHeartbeat, nil)
	raw, err := ping.Encode()
	if err != nil {
		return
	}
	for _, conn := range h.manager.AllConnections() {
		h.deliver(conn, raw)
	}
}

func (h *Hub) evictStaleConnections() {
	cutoff := time.Now().Add(-h.config.LivenessTimeout)
	for _, conn := range h.manager.AllConnections() {
		if conn.LastLiveness().Before(cutoff) {
			h.logger.Info("Evicting stale connection",
				slog.String("connID", conn.ID.String()),
				slog.Time("lastLiveness", conn.LastLiveness()),
			)
			h.Close(conn.ID, protocol.CloseLivenessTimeout, "liveness timeout")
		}
	}
}
