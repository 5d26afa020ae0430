package state

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/protocol"
)

// Role classifies a connection. A connection is a CLIENT until
// authentication overrides it.
type Role string

const (
	RoleClient Role = "CLIENT"
	RoleBot    Role = "BOT"
	RoleAdmin  Role = "ADMIN"
)

// ParseRole maps a declared role string to a Role, defaulting to CLIENT
// for anything unrecognized.
func ParseRole(s string) Role {
	switch strings.ToUpper(s) {
	case string(RoleBot):
		return RoleBot
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleClient
	}
}

// NoShard marks an undeclared shard id.
const NoShard = -1

// Transport is the duplex channel a Connection writes to. Send reports
// delivery faults so the dispatcher can evict the connection; Close must
// be idempotent. ID is issued by the transport at accept time and shared
// with the registry.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte) error
	Close(code protocol.CloseCode, reason string)
}

// Identity is the result of a successful authentication: the resolved
// role, correlation keys, and capability bitmap.
type Identity struct {
	Role        Role
	UserID      string
	CommunityID string
	ShardID     int // NoShard when undeclared
	Permissions Permission
	Attributes  map[string]string
}

// ClientAttrs holds per-connection state specific to dashboard/admin
// connections.
type ClientAttrs struct {
	Features map[string]string
}

// BotAttrs holds per-connection state specific to bot shard connections.
// A floating bot declared no community and accepts work for any of them.
type BotAttrs struct {
	Floating bool
	Labels   map[string]string
}

// Connection is one live duplex channel. ID, IPAddress, Transport and
// CreatedAt are fixed at accept time; everything else is mutated by AUTH
// and SUBSCRIBE handling and guarded by mu, because dispatcher predicates
// read these fields from other goroutines.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	CreatedAt time.Time

	mu            sync.RWMutex
	role          Role
	authenticated bool
	communityID   string
	shardID       int
	userID        string
	permissions   Permission
	lastLiveness  time.Time

	events   map[string]struct{}
	channels map[string]struct{}

	client *ClientAttrs
	bot    *BotAttrs
}

func NewConnection(id uuid.UUID, t Transport, ip string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		IPAddress:    ip,
		Transport:    t,
		CreatedAt:    now,
		role:         RoleClient,
		shardID:      NoShard,
		lastLiveness: now,
		events:       make(map[string]struct{}),
		channels:     make(map[string]struct{}),
	}
}

func (c *Connection) SetIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.role = id.Role
	c.userID = id.UserID
	c.communityID = id.CommunityID
	c.shardID = id.ShardID
	c.permissions = id.Permissions
	switch id.Role {
	case RoleBot:
		c.bot = &BotAttrs{Floating: id.CommunityID == "", Labels: id.Attributes}
	default:
		c.client = &ClientAttrs{Features: id.Attributes}
	}
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) CommunityID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.communityID
}

func (c *Connection) ShardID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shardID
}

func (c *Connection) Permissions() Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permissions
}

func (c *Connection) LastLiveness() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastLiveness
}

func (c *Connection) TouchLiveness() {
	c.mu.Lock()
	c.lastLiveness = time.Now()
	c.mu.Unlock()
}

func (c *Connection) SetCommunity(communityID string) {
	c.mu.Lock()
	c.communityID = communityID
	c.mu.Unlock()
}

// Bot returns the bot-specific attributes, nil for non-BOT connections.
func (c *Connection) Bot() *BotAttrs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot
}

// Client returns the client-specific attributes, nil for BOT connections.
func (c *Connection) Client() *ClientAttrs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Connection) SubscribeEvents(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		c.events[n] = struct{}{}
	}
}

func (c *Connection) UnsubscribeEvents(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		delete(c.events, n)
	}
}

func (c *Connection) SubscribeChannels(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.channels[id] = struct{}{}
	}
}

func (c *Connection) UnsubscribeChannels(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.channels, id)
	}
}

func (c *Connection) SubscribedToEvent(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.events[name]
	return ok
}

func (c *Connection) SubscribedToChannel(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[id]
	return ok
}
