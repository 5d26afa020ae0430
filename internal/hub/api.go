package hub

import (
	"encoding/json"

	"github.com/wardenhq/warden/pkg/protocol"
)

// The functions in this file are the only seams the rest of the system
// needs: REST handlers and the platform-event ingestion layer publish
// through them and never touch the registry directly.

// PublishToCommunity pushes a named event to every connection indexed
// under the community.
func (h *Hub) PublishToCommunity(communityID, event string, data any) (int, error) {
	env, err := protocol.NewEnvelope(protocol.TypeSystem, event, data)
	if err != nil {
		return 0, err
	}
	env.CommunityID = communityID
	return h.ToCommunity(communityID, env), nil
}

// PublishToUser pushes a named event to every connection of one user.
func (h *Hub) PublishToUser(userID, event string, data any) (int, error) {
	env, err := protocol.NewEnvelope(protocol.TypeSystem, event, data)
	if err != nil {
		return 0, err
	}
	env.TargetType = "user"
	env.TargetID = userID
	return h.ToUser(userID, env), nil
}

// PublishPlatformEvent feeds one inbound platform event through the
// category router's visibility policy.
func (h *Hub) PublishPlatformEvent(kind string, data json.RawMessage, communityID, userID string) {
	h.router.Dispatch(kind, data, communityID, userID)
}
