package statemanager

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/state"
)

// InMemoryManager is the single source of truth for live connections. It
// owns the registry map and the three index maps (community, shard, user).
// One mutex guards all four: close-during-broadcast is the principal
// race, and a registry entry must never be observable without its index
// entries or vice versa.
type InMemoryManager struct {
	mu          sync.RWMutex
	conns       map[uuid.UUID]*state.Connection
	byCommunity map[string]map[uuid.UUID]*state.Connection
	byShard     map[int]map[uuid.UUID]*state.Connection
	byUser      map[string]map[uuid.UUID]*state.Connection

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:       make(map[uuid.UUID]*state.Connection),
		byCommunity: make(map[string]map[uuid.UUID]*state.Connection),
		byShard:     make(map[int]map[uuid.UUID]*state.Connection),
		byUser:      make(map[string]map[uuid.UUID]*state.Connection),
		logger:      logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) Register(t state.Transport, ipAddr string) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	conn := state.NewConnection(connID, t, ipAddr)
	m.conns[connID] = conn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return conn, nil
}

func (m *InMemoryManager) Deregister(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		return nil, false
	}
	delete(m.conns, connID)
	m.unindexLocked(conn)
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return conn, true
}

func (m *InMemoryManager) Get(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Authenticate(connID uuid.UUID, id state.Identity) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot authenticate unknown connection")
	}

	// Drop any pre-auth community association before reindexing.
	if prev := conn.CommunityID(); prev != "" && prev != id.CommunityID {
		removeFrom(m.byCommunity, prev, connID)
	}

	conn.SetIdentity(id)

	if id.CommunityID != "" {
		addTo(m.byCommunity, id.CommunityID, conn)
	}
	if id.Role == state.RoleBot && id.ShardID != state.NoShard {
		addTo(m.byShard, id.ShardID, conn)
	}
	if id.UserID != "" {
		addTo(m.byUser, id.UserID, conn)
	}

	m.logger.Debug("Connection authenticated",
		slog.String("connID", connID.String()),
		slog.String("role", string(id.Role)),
		slog.String("userID", id.UserID),
	)
	return conn, nil
}

func (m *InMemoryManager) AssignCommunity(connID uuid.UUID, communityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot assign community to unknown connection")
	}
	if prev := conn.CommunityID(); prev != "" && prev != communityID {
		removeFrom(m.byCommunity, prev, connID)
	}
	conn.SetCommunity(communityID)
	addTo(m.byCommunity, communityID, conn)
	return nil
}

func (m *InMemoryManager) TouchLiveness(connID uuid.UUID) {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if ok {
		conn.TouchLiveness()
	}
}

func (m *InMemoryManager) CommunityConnections(communityID string) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.byCommunity[communityID])
}

func (m *InMemoryManager) ShardConnections(shardID int) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.byShard[shardID])
}

func (m *InMemoryManager) UserConnections(userID string) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.byUser[userID])
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.conns)
}

func (m *InMemoryManager) CountByIP(ipAddr string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, conn := range m.conns {
		if conn.IPAddress == ipAddr {
			count++
		}
	}
	return count
}

func (m *InMemoryManager) OldestByIP(ipAddr string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *state.Connection
	for _, conn := range m.conns {
		if conn.IPAddress != ipAddr {
			continue
		}
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

func (m *InMemoryManager) Stats() state.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := state.Stats{
		TotalConnections:  len(m.conns),
		PerRoleCounts:     make(map[state.Role]int),
		PerCommunityCount: make(map[string]int),
		PerShardCount:     make(map[int]int),
		PerUserCount:      make(map[string]int),
	}
	for _, conn := range m.conns {
		if conn.Authenticated() {
			stats.AuthenticatedConnections++
		}
		stats.PerRoleCounts[conn.Role()]++
	}
	for id, set := range m.byCommunity {
		stats.PerCommunityCount[id] = len(set)
	}
	for id, set := range m.byShard {
		stats.PerShardCount[id] = len(set)
	}
	for id, set := range m.byUser {
		stats.PerUserCount[id] = len(set)
	}
	return stats
}

// unindexLocked strips a connection from all three index maps. Callers
// hold m.mu.
func (m *InMemoryManager) unindexLocked(conn *state.Connection) {
	if communityID := conn.CommunityID(); communityID != "" {
		removeFrom(m.byCommunity, communityID, conn.ID)
	}
	if shardID := conn.ShardID(); shardID != state.NoShard {
		removeFrom(m.byShard, shardID, conn.ID)
	}
	if userID := conn.UserID(); userID != "" {
		removeFrom(m.byUser, userID, conn.ID)
	}
}

func addTo[K comparable](index map[K]map[uuid.UUID]*state.Connection, key K, conn *state.Connection) {
	set, ok := index[key]
	if !ok {
		set = make(map[uuid.UUID]*state.Connection)
		index[key] = set
	}
	set[conn.ID] = conn
}

// removeFrom deletes the key entirely once its set is empty, bounding
// memory by active usage rather than historical usage.
func removeFrom[K comparable](index map[K]map[uuid.UUID]*state.Connection, key K, connID uuid.UUID) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func collect(set map[uuid.UUID]*state.Connection) []*state.Connection {
	conns := make([]*state.Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}
