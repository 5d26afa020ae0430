package hub

import (
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/wardenhq/warden/pkg/protocol"
	"github.com/wardenhq/warden/pkg/state"
)

// handleClientAction forwards an end-user-originated action to the bot
// process responsible for the action's community. Bots with no declared
// community are floating workers and accept actions for any community.
func (h *Hub) handleClientAction(conn *state.Connection, env *protocol.Envelope) {
	if !conn.Authenticated() {
		h.sendError(conn, protocol.ErrNotAuthenticated, "authenticate before sending actions")
		return
	}
	if conn.Role() == state.RoleBot {
		h.sendError(conn, protocol.ErrForbidden, "bots cannot emit CLIENT_ACTION")
		return
	}

	forward := *env
	forward.TargetType = "bot"
	if forward.CommunityID == "" {
		forward.CommunityID = conn.CommunityID()
	}
	communityID := forward.CommunityID

	// An explicit shard hint routes straight to that shard's connections.
	if forward.ShardID != nil {
		delivered := h.ToShard(*forward.ShardID, &forward)
		h.logger.Debug("Bridged client action to shard",
			slog.String("connID", conn.ID.String()),
			slog.Int("shardID", *forward.ShardID),
			slog.Int("delivered", delivered),
		)
		return
	}

	delivered := h.ToAll(&forward, func(c *state.Connection) bool {
		if !c.Authenticated() || c.Role() != state.RoleBot {
			return false
		}
		bot := c.Bot()
		if bot != nil && bot.Floating {
			return true
		}
		return c.CommunityID() == communityID
	})
	h.logger.Debug("Bridged client action to bots",
		slog.String("connID", conn.ID.String()),
		slog.String("event", env.Event),
		slog.Int("delivered", delivered),
	)
}

// handleBotEvent routes a bot-originated event. Recognized kinds go
// through the category router; unrecognized ones default to the owning
// community plus any connection subscribed to the raw event name.
func (h *Hub) handleBotEvent(conn *state.Connection, env *protocol.Envelope) {
	if !conn.Authenticated() {
		h.sendError(conn, protocol.ErrNotAuthenticated, "authenticate before sending events")
		return
	}
	if conn.Role() != state.RoleBot {
		h.sendError(conn, protocol.ErrForbidden, "only bots may emit BOT_EVENT")
		return
	}

	communityID := env.CommunityID
	if communityID == "" {
		communityID = conn.CommunityID()
	}

	if h.router.Known(env.Event) {
		userID := gjson.GetBytes(env.Data, "userId").String()
		h.router.Dispatch(env.Event, env.Data, communityID, userID)
		return
	}

	forward := protocol.MustEnvelope(protocol.TypeBotEvent, env.Event, env.Data)
	forward.CommunityID = communityID
	eventName := env.Event
	// One pass over the registry keeps delivery at most once per
	// connection even when a community member also subscribed to the
	// event name.
	h.ToAll(forward, func(c *state.Connection) bool {
		if !c.Authenticated() || c.ID == conn.ID {
			return false
		}
		if communityID != "" && c.CommunityID() == communityID {
			return true
		}
		return c.SubscribedToEvent(eventName)
	})
}
