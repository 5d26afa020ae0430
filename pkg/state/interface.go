package state

import (
	"github.com/google/uuid"
)

// Stats is a point-in-time census of the registry, served to
// collaborators and over the operational HTTP surface.
type Stats struct {
	TotalConnections         int            `json:"totalConnections"`
	AuthenticatedConnections int            `json:"authenticatedConnections"`
	PerRoleCounts            map[Role]int   `json:"perRoleCounts"`
	PerCommunityCount        map[string]int `json:"perCommunityCount"`
	PerShardCount            map[int]int    `json:"perShardCount"`
	PerUserCount             map[string]int `json:"perUserCount"`
}

type Manager interface {
	// --- Connection Lifecycle ---
	// Register creates a Connection in the unauthenticated state.
	Register(t Transport, ipAddr string) (*Connection, error)
	// Deregister removes the connection from the registry and from all
	// index maps. Deregistering an unknown id is a no-op; the boolean
	// reports whether this call removed it.
	Deregister(connID uuid.UUID) (*Connection, bool)
	Get(connID uuid.UUID) (*Connection, bool)

	// --- Authentication & Indexing ---
	// Authenticate promotes a connection and inserts it into the index
	// maps implied by the identity's correlation keys, atomically.
	Authenticate(connID uuid.UUID, id Identity) (*Connection, error)
	// AssignCommunity (re)indexes an existing connection under a
	// community, used by pre-auth best-effort routing and SUBSCRIBE.
	AssignCommunity(connID uuid.UUID, communityID string) error
	TouchLiveness(connID uuid.UUID)

	// --- Lookup ---
	CommunityConnections(communityID string) []*Connection
	ShardConnections(shardID int) []*Connection
	UserConnections(userID string) []*Connection
	AllConnections() []*Connection

	// --- Connection limiting ---
	CountByIP(ipAddr string) int
	OldestByIP(ipAddr string) (*Connection, bool)

	Stats() Stats
}
