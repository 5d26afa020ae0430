// Package events maps inbound platform event kinds to visibility policy
// and fans them out through the hub dispatcher. Low-sensitivity
// categories reach the whole owning community; high-sensitivity ones are
// restricted to moderator/administrator-class connections.
package events

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/wardenhq/warden/pkg/protocol"
	"github.com/wardenhq/warden/pkg/state"
)

// Dispatcher is the fan-out surface the router drives. The hub
// implements it; tests substitute a recorder.
type Dispatcher interface {
	Broadcast(env *protocol.Envelope, allowedRoles []state.Role) int
	ToAll(env *protocol.Envelope, pred func(*state.Connection) bool) int
	ToUser(userID string, env *protocol.Envelope) int
	ToCommunity(communityID string, env *protocol.Envelope) int
}

type sensitivity int

const (
	sensitivityCommunity  sensitivity = iota // visible to the owning community
	sensitivityRestricted                    // moderator/administrator class only
)

// policy describes how one event kind is routed.
type policy struct {
	sensitivity sensitivity
	// gjson path into the payload for the sub-resource id whose
	// subscribers also receive the event (channel or thread).
	subResourcePath string
	// membership changes additionally derive a member-count hint for the
	// community and a direct notice to the affected user.
	memberCountHint bool
	notifyUser      bool
}

var policies = map[string]policy{
	"message-create":   {sensitivity: sensitivityCommunity, subResourcePath: "channelId"},
	"message-update":   {sensitivity: sensitivityCommunity, subResourcePath: "channelId"},
	"message-delete":   {sensitivity: sensitivityCommunity, subResourcePath: "channelId"},
	"typing-start":     {sensitivity: sensitivityCommunity, subResourcePath: "channelId"},
	"reaction-add":     {sensitivity: sensitivityCommunity, subResourcePath: "channelId"},
	"reaction-remove":  {sensitivity: sensitivityCommunity, subResourcePath: "channelId"},
	"thread-create":    {sensitivity: sensitivityCommunity, subResourcePath: "threadId"},
	"thread-update":    {sensitivity: sensitivityCommunity, subResourcePath: "threadId"},
	"thread-delete":    {sensitivity: sensitivityCommunity, subResourcePath: "threadId"},
	"channel-create":   {sensitivity: sensitivityCommunity},
	"channel-update":   {sensitivity: sensitivityCommunity},
	"channel-delete":   {sensitivity: sensitivityCommunity},
	"role-create":      {sensitivity: sensitivityCommunity},
	"role-update":      {sensitivity: sensitivityCommunity},
	"role-delete":      {sensitivity: sensitivityCommunity},
	"community-update": {sensitivity: sensitivityCommunity},
	"member-join":      {sensitivity: sensitivityCommunity, memberCountHint: true, notifyUser: true},
	"member-leave":     {sensitivity: sensitivityCommunity, memberCountHint: true, notifyUser: true},

	"ban-add":                {sensitivity: sensitivityRestricted, notifyUser: true},
	"ban-remove":             {sensitivity: sensitivityRestricted, notifyUser: true},
	"kick":                   {sensitivity: sensitivityRestricted, notifyUser: true},
	"timeout":                {sensitivity: sensitivityRestricted, notifyUser: true},
	"automod-trigger":        {sensitivity: sensitivityRestricted},
	"presence-update":        {sensitivity: sensitivityRestricted},
	"invite-create":          {sensitivity: sensitivityRestricted},
	"invite-delete":          {sensitivity: sensitivityRestricted},
	"webhook-create":         {sensitivity: sensitivityRestricted},
	"webhook-update":         {sensitivity: sensitivityRestricted},
	"webhook-delete":         {sensitivity: sensitivityRestricted},
	"audit-log-entry":        {sensitivity: sensitivityRestricted},
	"scheduled-event-create": {sensitivity: sensitivityRestricted},
	"scheduled-event-update": {sensitivity: sensitivityRestricted},
	"scheduled-event-delete": {sensitivity: sensitivityRestricted},
}

type Router struct {
	logger     *slog.Logger
	dispatcher Dispatcher
}

func NewRouter(logger *slog.Logger, dispatcher Dispatcher) *Router {
	return &Router{
		logger:     logger.With(slog.String("component", "event_router")),
		dispatcher: dispatcher,
	}
}

// Known reports whether kind has a registered policy. The bridge uses it
// to decide between category routing and the raw-event default path.
func (r *Router) Known(kind string) bool {
	_, ok := policies[kind]
	return ok
}

// Dispatch routes one platform event. Unknown kinds degrade to a coarse
// community-wide (or, absent a community id, global) broadcast rather
// than being dropped.
func (r *Router) Dispatch(kind string, data json.RawMessage, communityID, userID string) {
	pol, ok := policies[kind]
	if !ok {
		r.dispatchUnknown(kind, data, communityID)
		return
	}

	switch pol.sensitivity {
	case sensitivityRestricted:
		env := protocol.MustEnvelope(protocol.TypeModeration, kind, json.RawMessage(data))
		env.CommunityID = communityID
		r.dispatcher.ToAll(env, func(c *state.Connection) bool {
			if !c.Authenticated() {
				return false
			}
			if c.Role() != state.RoleAdmin && !c.Permissions().HasAny(state.PermModeratorClass) {
				return false
			}
			return communityVisible(c, communityID)
		})
	default:
		env := protocol.MustEnvelope(protocol.TypePlatformEvent, kind, json.RawMessage(data))
		env.CommunityID = communityID
		delivered := r.dispatcher.Broadcast(env, nil)

		// Connections subscribed to the specific channel or thread also
		// receive the event, unless the guarded broadcast already covered
		// them. The exclusion must match the broadcast's visibility rule
		// exactly, or privileged cross-community subscribers get the
		// envelope twice.
		if pol.subResourcePath != "" {
			if sub := gjson.GetBytes(data, pol.subResourcePath); sub.Exists() {
				subID := sub.String()
				r.dispatcher.ToAll(env, func(c *state.Connection) bool {
					return c.Authenticated() &&
						!communityVisible(c, communityID) &&
						c.SubscribedToChannel(subID)
				})
			}
		}
		r.logger.Debug("Dispatched community event",
			slog.String("kind", kind),
			slog.String("communityID", communityID),
			slog.Int("delivered", delivered),
		)
	}

	r.deriveSecondary(pol, kind, data, communityID, userID)
}

// deriveSecondary fans a single inbound event into the smaller follow-up
// envelopes its policy calls for.
func (r *Router) deriveSecondary(pol policy, kind string, data json.RawMessage, communityID, userID string) {
	if pol.memberCountHint && communityID != "" {
		hint := protocol.MustEnvelope(protocol.TypeCacheHint, "member-count-changed", map[string]string{
			"communityId": communityID,
		})
		hint.CommunityID = communityID
		r.dispatcher.Broadcast(hint, nil)
	}

	if pol.notifyUser {
		target := userID
		if target == "" {
			target = gjson.GetBytes(data, "userId").String()
		}
		if target != "" {
			notice := protocol.MustEnvelope(protocol.TypeUserNotice, kind, json.RawMessage(data))
			notice.CommunityID = communityID
			r.dispatcher.ToUser(target, notice)
		}
	}
}

func (r *Router) dispatchUnknown(kind string, data json.RawMessage, communityID string) {
	r.logger.Warn("Unrecognized platform event kind; degrading to coarse broadcast",
		slog.String("kind", kind),
	)
	env := protocol.MustEnvelope(protocol.TypePlatformEvent, kind, json.RawMessage(data))
	env.CommunityID = communityID
	if communityID != "" {
		r.dispatcher.Broadcast(env, nil)
		return
	}
	r.dispatcher.ToAll(env, func(c *state.Connection) bool {
		return c.Authenticated()
	})
}

// communityVisible mirrors the dispatcher's guarded-broadcast visibility
// rule: the connection belongs to the community, or holds a broad
// cross-community capability.
func communityVisible(c *state.Connection, communityID string) bool {
	if communityID == "" {
		return true
	}
	if c.CommunityID() == communityID {
		return true
	}
	return c.Permissions().HasAny(state.PermCommunityAccess | state.PermAdministrator)
}
