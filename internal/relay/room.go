// Package relay is the development broadcast provider: a websocket
// fan-out server that delivers each frame at most once to every other
// member of a room. It keeps no history and drops frames on
// backpressure; durable state is the clients' problem by design of the
// protocol.
package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/domain"
)

// sender is one attached member's outbound side.
type sender interface {
	TrySend(data []byte) error
}

// member pairs an identity with its transport endpoint.
type member struct {
	id   string
	user domain.UserID
	conn sender
}

// room is a threadsafe in-memory fan-out set. It never closes
// adapter-owned connections.
type room struct {
	name domain.RoomID
	mu   sync.RWMutex
	byID map[string]*member
}

func newRoom(name domain.RoomID) *room {
	return &room{name: name, byID: make(map[string]*member)}
}

func (r *room) add(m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.id] = m
	log.Info().Str("module", "relay.room").Str("room", string(r.name)).Str("member", m.id).Msg("member added")
}

func (r *room) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	log.Info().Str("module", "relay.room").Str("room", string(r.name)).Str("member", id).Msg("member removed")
}

func (r *room) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

type broadcastResult struct {
	sent    int
	dropped int
}

// broadcast fans a frame out to every member except the sender.
// A slow member's frame is dropped, not queued: at-most-once.
func (r *room) broadcast(from string, data []byte) broadcastResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := broadcastResult{}
	for id, m := range r.byID {
		if id == from {
			continue
		}
		if err := m.conn.TrySend(data); err != nil {
			res.dropped++
			continue
		}
		res.sent++
	}
	log.Debug().Str("module", "relay.room").Str("room", string(r.name)).Str("from", from).Int("sent", res.sent).Int("dropped", res.dropped).Msg("broadcast result")
	return res
}

// Hub tracks rooms by name.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]*room)}
}

func (h *Hub) getOrCreate(name domain.RoomID) *room {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if ok {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok = h.rooms[name]; ok {
		return r
	}
	r = newRoom(name)
	h.rooms[name] = r
	return r
}

// RoomInfo is a read-only view for the rooms listing.
type RoomInfo struct {
	Name        domain.RoomID `json:"name"`
	MemberCount int           `json:"member_count"`
}

func (h *Hub) List() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for name, r := range h.rooms {
		out = append(out, RoomInfo{Name: name, MemberCount: r.count()})
	}
	return out
}
