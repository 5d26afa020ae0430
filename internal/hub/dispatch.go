package hub

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/protocol"
	"github.com/wardenhq/warden/pkg/state"
)

// SendTo attempts a single delivery. A transport-level failure is a
// connection fault: no retry, the connection is closed and false is
// returned. Delivery failure couples directly into liveness cleanup
// rather than surfacing to the caller.
func (h *Hub) SendTo(connID uuid.UUID, env *protocol.Envelope) bool {
	conn, ok := h.manager.Get(connID)
	if !ok {
		return false
	}
	raw, err := env.Encode()
	if err != nil {
		h.logger.Error("Failed to encode envelope", slog.Any("error", err))
		return false
	}
	return h.deliver(conn, raw)
}

func (h *Hub) deliver(conn *state.Connection, raw []byte) bool {
	if err := conn.Transport.Send(raw); err != nil {
		h.logger.Warn("Delivery fault; evicting connection",
			slog.String("connID", conn.ID.String()),
			slog.Any("error", err),
		)
		h.Close(conn.ID, protocol.CloseSendFailure, "delivery fault")
		return false
	}
	return true
}

// fanOut encodes once and delivers to each member of a key lookup.
// Faults are contained per connection; one bad transport never aborts
// the loop over the rest.
func (h *Hub) fanOut(conns []*state.Connection, env *protocol.Envelope) int {
	raw, err := env.Encode()
	if err != nil {
		h.logger.Error("Failed to encode envelope", slog.Any("error", err))
		return 0
	}
	delivered := 0
	for _, conn := range conns {
		if h.deliver(conn, raw) {
			delivered++
		}
	}
	return delivered
}

// ToCommunity delivers to every connection indexed under the community.
func (h *Hub) ToCommunity(communityID string, env *protocol.Envelope) int {
	return h.fanOut(h.manager.CommunityConnections(communityID), env)
}

// ToShard delivers to every connection indexed under the shard.
func (h *Hub) ToShard(shardID int, env *protocol.Envelope) int {
	return h.fanOut(h.manager.ShardConnections(shardID), env)
}

// ToUser delivers to every connection indexed under the user.
func (h *Hub) ToUser(userID string, env *protocol.Envelope) int {
	return h.fanOut(h.manager.UserConnections(userID), env)
}

// ToAll iterates the full registry, applying an optional predicate
// before each send. This is the expensive path for cross-cutting
// selections; key-based lookups stay O(connections with that key).
func (h *Hub) ToAll(env *protocol.Envelope, pred func(*state.Connection) bool) int {
	raw, err := env.Encode()
	if err != nil {
		h.logger.Error("Failed to encode envelope", slog.Any("error", err))
		return 0
	}
	delivered := 0
	for _, conn := range h.manager.AllConnections() {
		if pred != nil && !pred(conn) {
			continue
		}
		if h.deliver(conn, raw) {
			delivered++
		}
	}
	return delivered
}

// Broadcast is the default guarded fan-out: authenticated connections
// only, optionally restricted by role, and — when the envelope carries a
// community id — restricted to connections that may see that community.
func (h *Hub) Broadcast(env *protocol.Envelope, allowedRoles []state.Role) int {
	return h.ToAll(env, func(conn *state.Connection) bool {
		if !conn.Authenticated() {
			return false
		}
		if len(allowedRoles) > 0 && !roleAllowed(conn.Role(), allowedRoles) {
			return false
		}
		if env.CommunityID != "" && !h.communityVisible(conn, env.CommunityID) {
			return false
		}
		return true
	})
}

func roleAllowed(role state.Role, allowed []state.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// communityVisible is the coarse community-visibility rule: the
// connection's own community matches, or it holds a broad
// cross-community capability.
func (h *Hub) communityVisible(conn *state.Connection, communityID string) bool {
	if conn.CommunityID() == communityID {
		return true
	}
	return conn.Permissions().HasAny(state.PermCommunityAccess | state.PermAdministrator)
}
