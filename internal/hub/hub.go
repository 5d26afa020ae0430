// Package hub implements the realtime connection/broadcast hub: it owns
// the connection registry, authenticates connections in-band, indexes
// them by community, shard and user, and fans structured envelopes out to
// the right subset of connections.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/pkg/protocol"
	"github.com/wardenhq/warden/pkg/state"
)

// Config carries the hub's timing knobs.
type Config struct {
	// AuthTimeout is the grace period a fresh connection has to present a
	// valid AUTH envelope. It also bounds the token verification call.
	AuthTimeout time.Duration
	// HeartbeatInterval is how often the liveness monitor probes every
	// connection.
	HeartbeatInterval time.Duration
	// LivenessTimeout is how long a connection may go without a heartbeat
	// response before eviction. Should be a small multiple of
	// HeartbeatInterval.
	LivenessTimeout time.Duration
}

// AuditSink receives security-relevant hub transitions. The platform's
// audit-log pipeline sits behind it; the hub never blocks on it.
type AuditSink interface {
	AuthSucceeded(conn *state.Connection)
	AuthFailed(connID uuid.UUID, reason string)
	ConnectionClosed(connID uuid.UUID, code protocol.CloseCode, reason string)
}

// NopAuditSink discards everything.
type NopAuditSink struct{}

func (NopAuditSink) AuthSucceeded(*state.Connection)                        {}
func (NopAuditSink) AuthFailed(uuid.UUID, string)                           {}
func (NopAuditSink) ConnectionClosed(uuid.UUID, protocol.CloseCode, string) {}

// Hub is the single writer over the registry and index maps. External
// collaborators publish through it; they never touch the state manager
// directly.
type Hub struct {
	logger  *slog.Logger
	manager state.Manager
	router  *events.Router
	verify  TokenVerifier
	compile PermissionCompiler
	audit   AuditSink
	config  Config

	timerMu    sync.Mutex
	authTimers map[uuid.UUID]*time.Timer

	observerMu      sync.RWMutex
	onAuthenticated []func(*state.Connection)
	onClosed        []func(connID uuid.UUID, code protocol.CloseCode)

	livenessStop chan struct{}
	livenessDone chan struct{}

	shutdownOnce sync.Once
}

func New(logger *slog.Logger, manager state.Manager, verify TokenVerifier, compile PermissionCompiler, config Config) *Hub {
	h := &Hub{
		logger:       logger.With(slog.String("component", "hub")),
		manager:      manager,
		verify:       verify,
		compile:      compile,
		audit:        NopAuditSink{},
		config:       config,
		authTimers:   make(map[uuid.UUID]*time.Timer),
		livenessStop: make(chan struct{}),
		livenessDone: make(chan struct{}),
	}
	h.router = events.NewRouter(logger, h)
	go h.runLivenessMonitor()
	return h
}

// SetAuditSink replaces the default discard sink. Call before serving.
func (h *Hub) SetAuditSink(sink AuditSink) {
	h.audit = sink
}

// OnAuthenticated registers a callback invoked after a connection is
// promoted to the authenticated state.
func (h *Hub) OnAuthenticated(fn func(*state.Connection)) {
	h.observerMu.Lock()
	h.onAuthenticated = append(h.onAuthenticated, fn)
	h.observerMu.Unlock()
}

// OnClosed registers a callback invoked after a connection has been
// removed from the registry.
func (h *Hub) OnClosed(fn func(connID uuid.UUID, code protocol.CloseCode)) {
	h.observerMu.Lock()
	h.onClosed = append(h.onClosed, fn)
	h.observerMu.Unlock()
}

// HandleOpen admits a fresh transport: the connection becomes visible to
// broadcast-to-all immediately, but stays excluded from anything
// requiring authentication until a valid AUTH envelope arrives within the
// grace period.
func (h *Hub) HandleOpen(t state.Transport, ipAddr string) (*state.Connection, error) {
	conn, err := h.manager.Register(t, ipAddr)
	if err != nil {
		return nil, err
	}

	connID := conn.ID
	timer := time.AfterFunc(h.config.AuthTimeout, func() {
		h.expireAuth(connID)
	})
	h.timerMu.Lock()
	h.authTimers[connID] = timer
	h.timerMu.Unlock()

	hello := protocol.MustEnvelope(protocol.TypeSystem, protocol.EventConnected, map[string]any{
		"connectionId": connID.String(),
		"requiresAuth": true,
	})
	if !h.SendTo(connID, hello) {
		return nil, ErrConnectionGone
	}

	h.logger.Debug("Connection admitted", slog.String("connID", connID.String()), slog.String("ip", ipAddr))
	return conn, nil
}

// Close tears a connection down exactly once: cancels its auth timer,
// removes it from the registry and all index maps, terminates the
// transport, and notifies observers. Closing an unknown or already-closed
// id is a no-op.
func (h *Hub) Close(connID uuid.UUID, code protocol.CloseCode, reason string) {
	h.cancelAuthTimer(connID)

	conn, removed := h.manager.Deregister(connID)
	if !removed {
		return
	}
	conn.Transport.Close(code, reason)

	h.logger.Debug("Connection closed",
		slog.String("connID", connID.String()),
		slog.String("code", code.String()),
		slog.String("reason", reason),
	)
	h.audit.ConnectionClosed(connID, code, reason)

	h.observerMu.RLock()
	observers := h.onClosed
	h.observerMu.RUnlock()
	for _, fn := range observers {
		fn(connID, code)
	}
}

// HandleTransportClosed reconciles registry state after a close initiated
// by the transport itself (peer went away, write failure).
func (h *Hub) HandleTransportClosed(connID uuid.UUID, code protocol.CloseCode, reason string) {
	h.Close(connID, code, reason)
}

// Shutdown stops the liveness monitor before touching the registry, then
// force-closes every remaining connection with the shutdown code.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.logger.Info("Hub shutting down")
		close(h.livenessStop)
		<-h.livenessDone

		notice := protocol.MustEnvelope(protocol.TypeSystem, protocol.EventShutdown, nil)
		raw, _ := notice.Encode()
		for _, conn := range h.manager.AllConnections() {
			_ = conn.Transport.Send(raw)
			h.Close(conn.ID, protocol.CloseNormalShutdown, "hub shutdown")
		}
	})
}

// Stats reports a point-in-time census for collaborators.
func (h *Hub) Stats() state.Stats {
	return h.manager.Stats()
}

// cancelAuthTimer removes the connection's auth-deadline entry and
// reports whether this caller removed it. The entry doubles as a claim
// token: the auth path and the expiry callback both try to take it, and
// only the one that succeeds may act on the connection.
func (h *Hub) cancelAuthTimer(connID uuid.UUID) bool {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	timer, ok := h.authTimers[connID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(h.authTimers, connID)
	return true
}
