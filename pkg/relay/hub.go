// Package relay implements the SecureChat relay: a room-scoped broadcast bus
// over WebSocket. The relay forwards encrypted envelopes verbatim and never
// holds key material or plaintext.
package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Member is one connected socket. A member is in at most one room.
type Member struct {
	ID       string
	Username string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewMember creates a member with an outbound buffer of size frames.
func NewMember(username string, buffer int) *Member {
	return &Member{
		ID:       uuid.NewString(),
		Username: username,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Enqueue queues a frame for delivery. A member that cannot keep up is
// closed and the frame dropped.
func (m *Member) Enqueue(frame []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.send <- frame:
		return true
	default:
		m.Close()
		return false
	}
}

// Close stops delivery to the member.
func (m *Member) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Done is closed once the member stops receiving.
func (m *Member) Done() <-chan struct{} {
	return m.done
}

// Hub tracks room membership and fans frames out to room members.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Member]struct{}
	members map[*Member]string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Member]struct{}),
		members: make(map[*Member]string),
	}
}

// Join puts m in room, moving it out of any previous room. It returns the
// previous room ("" if none) and the new member count of room.
func (h *Hub) Join(room string, m *Member) (previous string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous = h.removeLocked(m)

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Member]struct{})
		h.rooms[room] = members
	}
	members[m] = struct{}{}
	h.members[m] = room

	return previous, len(members)
}

// Leave removes m from its room. It returns the room left ("" if none) and
// the remaining member count.
func (h *Hub) Leave(m *Member) (room string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room = h.removeLocked(m)
	return room, len(h.rooms[room])
}

func (h *Hub) removeLocked(m *Member) string {
	room, ok := h.members[m]
	if !ok {
		return ""
	}
	delete(h.members, m)

	members := h.rooms[room]
	delete(members, m)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	return room
}

// RoomOf returns the room m is in, or "".
func (h *Hub) RoomOf(m *Member) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.members[m]
}

// Count returns the number of connected members in room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Broadcast sends frame to every member of room.
func (h *Hub) Broadcast(room string, frame []byte) {
	h.BroadcastExcept(room, nil, frame)
}

// BroadcastExcept sends frame to every member of room other than except.
func (h *Hub) BroadcastExcept(room string, except *Member, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for m := range h.rooms[room] {
		if m != except {
			m.Enqueue(frame)
		}
	}
}
