package server

import (
	"sync"
)

type (
	// Hub is the room registry of this process. A room is the set of local
	// connections that joined one conversation.
	Hub struct {
		mu    sync.RWMutex
		rooms map[string]map[*Client]struct{}
		// joined is the reverse index used to release a client's rooms.
		joined map[*Client]map[string]struct{}
	}
)

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		joined: make(map[*Client]map[string]struct{}),
	}
}

func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}

	rooms, ok := h.joined[c]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[c] = rooms
	}
	rooms[room] = struct{}{}
}

// LeaveAll drops c from every room it joined.
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.joined[c] {
		members := h.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.joined, c)
}

// Deliver queues frame on every member of room and returns how many
// members it reached.
func (h *Hub) Deliver(room string, frame []byte) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range members {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
