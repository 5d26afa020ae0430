package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/protocol"
	"github.com/wardenhq/warden/pkg/state"
)

// HandleMessage routes one inbound envelope. A panic while handling it
// is recovered and the message dropped; one bad message must not take
// down a healthy connection.
func (h *Hub) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered from panic while handling message",
				slog.String("connID", connID.String()),
				slog.Any("panic", r),
			)
		}
	}()

	conn, ok := h.manager.Get(connID)
	if !ok {
		// Message raced the connection's close; drop it.
		return
	}

	env, err := protocol.Parse(raw)
	if err != nil {
		h.sendError(conn, protocol.ErrMalformedMessage, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeAuth:
		h.handleAuth(ctx, conn, env)
	case protocol.TypePing:
		h.manager.TouchLiveness(connID)
		h.SendTo(connID, protocol.MustEnvelope(protocol.TypePong, env.Event, nil))
	case protocol.TypePong:
		h.manager.TouchLiveness(connID)
	case protocol.TypeSubscribe:
		h.handleSubscribe(conn, env, true)
	case protocol.TypeUnsubscribe:
		h.handleSubscribe(conn, env, false)
	case protocol.TypeClientAction:
		h.handleClientAction(conn, env)
	case protocol.TypeBotEvent:
		h.handleBotEvent(conn, env)
	default:
		h.sendError(conn, protocol.ErrUnknownMessageType, "unknown message type: "+string(env.Type))
	}
}

// subscribeRequest is the expected shape of SUBSCRIBE/UNSUBSCRIBE data.
type subscribeRequest struct {
	Events      []string `json:"events,omitempty"`
	Channels    []string `json:"channels,omitempty"`
	CommunityID string   `json:"communityId,omitempty"`
}

func (h *Hub) handleSubscribe(conn *state.Connection, env *protocol.Envelope, subscribe bool) {
	if !conn.Authenticated() {
		h.sendError(conn, protocol.ErrNotAuthenticated, "authenticate before subscribing")
		return
	}

	var req subscribeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		h.sendError(conn, protocol.ErrMalformedMessage, "malformed subscribe payload")
		return
	}

	if req.CommunityID != "" && subscribe {
		if !h.communityVisible(conn, req.CommunityID) {
			h.sendError(conn, protocol.ErrForbidden, "no access to community "+req.CommunityID)
			return
		}
		if err := h.manager.AssignCommunity(conn.ID, req.CommunityID); err != nil {
			return
		}
	}

	if subscribe {
		conn.SubscribeEvents(req.Events)
		conn.SubscribeChannels(req.Channels)
	} else {
		// The community association is a routing key, replaced by the
		// next SUBSCRIBE or AUTH rather than removed here.
		conn.UnsubscribeEvents(req.Events)
		conn.UnsubscribeChannels(req.Channels)
	}

	h.logger.Debug("Subscription updated",
		slog.String("connID", conn.ID.String()),
		slog.Bool("subscribe", subscribe),
		slog.Int("events", len(req.Events)),
		slog.Int("channels", len(req.Channels)),
	)
}

func (h *Hub) sendError(conn *state.Connection, code, message string) {
	env := protocol.NewError(code, message)
	if raw, err := env.Encode(); err == nil {
		// Errors about a connection's own messages bypass the dispatcher:
		// a failed error report should not recursively trigger eviction
		// handling from within a handler.
		if sendErr := conn.Transport.Send(raw); sendErr != nil {
			h.Close(conn.ID, protocol.CloseSendFailure, "delivery fault")
		}
	}
}
