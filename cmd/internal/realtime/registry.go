package realtime

import (
	"log/slog"
	"strings"
	"sync"

	v1 "parley/shared/contracts/realtime/v1"
)

// Registry tracks live connections, their room memberships and the number of
// connections per identity.
//
// A single RWMutex guards all three tables. Fan-out snapshots its targets
// under the read lock and enqueues outside it, so a slow client never holds
// the lock. Enqueue is non-blocking: a client whose queue is full is closed
// instead of silently skipping an event, which keeps every delivered stream
// gap-free and in order.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	conns  map[string]*registered
	rooms  map[string]map[string]*Client
	byUser map[string]int
}

type registered struct {
	client *Client
	rooms  map[string]struct{}
}

func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		conns:   make(map[string]*registered),
		rooms:   make(map[string]map[string]*Client),
		byUser:  make(map[string]int),
	}
}

// Register adds c. first reports whether c is the identity's only live
// connection after the insert.
func (r *Registry) Register(c *Client) (first bool, err error) {
	if c == nil || strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.User.ID) == "" {
		return false, invalidField("connection", "id and identity are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; ok {
		return false, ErrDuplicateRegistration
	}
	r.conns[c.ID] = &registered{client: c, rooms: make(map[string]struct{})}
	r.byUser[c.User.ID]++
	first = r.byUser[c.User.ID] == 1

	r.metrics.connOpened()
	if first {
		r.metrics.userOnline()
	}
	return first, nil
}

// Unregister removes the connection and all of its memberships. last reports
// whether the identity has no live connection left; ok is false when connID
// was not registered.
func (r *Registry) Unregister(connID string) (last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return false, false
	}
	delete(r.conns, connID)
	for room := range reg.rooms {
		r.removeFromRoomLocked(room, connID)
	}

	userID := reg.client.User.ID
	r.byUser[userID]--
	if r.byUser[userID] <= 0 {
		delete(r.byUser, userID)
		last = true
	}

	r.metrics.connClosed()
	if last {
		r.metrics.userOffline()
	}
	return last, true
}

// JoinRoom subscribes a connection to a room. joined is false when it was
// already a member.
func (r *Registry) JoinRoom(connID, roomID string) (joined bool, err error) {
	if strings.TrimSpace(roomID) == "" {
		return false, invalidField("conversationId", "is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, ok := reg.rooms[roomID]; ok {
		return false, nil
	}
	reg.rooms[roomID] = struct{}{}
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Client)
		r.rooms[roomID] = members
	}
	members[connID] = reg.client

	r.metrics.roomJoined()
	return true, nil
}

// LeaveRoom unsubscribes a connection from a room. left is false when it was
// not a member.
func (r *Registry) LeaveRoom(connID, roomID string) (left bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, ok := reg.rooms[roomID]; !ok {
		return false, nil
	}
	delete(reg.rooms, roomID)
	r.removeFromRoomLocked(roomID, connID)
	return true, nil
}

func (r *Registry) removeFromRoomLocked(roomID, connID string) {
	members := r.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// IsJoined reports whether the connection is a member of the room.
func (r *Registry) IsJoined(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, ok = reg.rooms[roomID]
	return ok
}

// ConnectionsFor returns the number of live connections of an identity.
func (r *Registry) ConnectionsFor(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize returns the number of connections subscribed to a room.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Broadcast delivers env to every member of the room and returns the number
// of successful enqueues.
func (r *Registry) Broadcast(roomID string, env v1.Envelope) int {
	return r.BroadcastExcept(roomID, "", env)
}

// BroadcastExcept delivers env to every member of the room except exceptConnID.
func (r *Registry) BroadcastExcept(roomID, exceptConnID string, env v1.Envelope) int {
	r.mu.RLock()
	members := r.rooms[roomID]
	targets := make([]*Client, 0, len(members))
	for id, c := range members {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	return r.deliverAll(targets, env)
}

// BroadcastAll delivers env to every live connection.
func (r *Registry) BroadcastAll(env v1.Envelope) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.conns))
	for _, reg := range r.conns {
		targets = append(targets, reg.client)
	}
	r.mu.RUnlock()

	return r.deliverAll(targets, env)
}

// Unicast delivers env to a single connection.
func (r *Registry) Unicast(connID string, env v1.Envelope) bool {
	r.mu.RLock()
	reg, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.deliver(reg.client, env)
}

// Close closes every registered client. Their transports observe Done and
// unwind through the normal disconnect path.
func (r *Registry) Close() {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.conns))
	for _, reg := range r.conns {
		targets = append(targets, reg.client)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Close()
	}
}

func (r *Registry) deliverAll(targets []*Client, env v1.Envelope) int {
	n := 0
	for _, c := range targets {
		if r.deliver(c, env) {
			n++
		}
	}
	return n
}

func (r *Registry) deliver(c *Client, env v1.Envelope) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.Send <- env:
		return true
	default:
		r.metrics.deliveryDropped()
		r.log.Warn("registry.deliver.queue_full",
			"conn_id", c.ID,
			"user_id", c.User.ID,
			"type", env.Type,
		)
		c.Close()
		return false
	}
}
