package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryHub connects in-process transports. Delivery is synchronous, and a
// broadcast reaches every member including the sender, as gossip does.
type MemoryHub struct {
	mu      sync.RWMutex
	members map[string]*MemoryTransport
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[string]*MemoryTransport)}
}

// Join adds a transport with the given peer id and announces it to the
// existing members.
func (h *MemoryHub) Join(peerID string) *MemoryTransport {
	t := &MemoryTransport{hub: h, id: peerID}

	h.mu.Lock()
	others := h.snapshotLocked()
	h.members[peerID] = t
	h.mu.Unlock()

	for _, o := range others {
		o.joined(peerID)
		t.joined(o.id)
	}
	return t
}

// Leave removes a transport and announces its departure.
func (h *MemoryHub) Leave(peerID string) {
	h.mu.Lock()
	delete(h.members, peerID)
	others := h.snapshotLocked()
	h.mu.Unlock()

	for _, o := range others {
		o.left(peerID)
	}
}

func (h *MemoryHub) snapshotLocked() []*MemoryTransport {
	out := make([]*MemoryTransport, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// MemoryTransport is a Transport backed by a MemoryHub.
type MemoryTransport struct {
	hub *MemoryHub
	id  string

	mu      sync.RWMutex
	handler Handler
}

func (t *MemoryTransport) PeerID() string { return t.id }

func (t *MemoryTransport) Peers() []string {
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()

	peers := make([]string, 0, len(t.hub.members))
	for id := range t.hub.members {
		if id != t.id {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *MemoryTransport) Broadcast(ctx context.Context, payload []byte) error {
	t.hub.mu.RLock()
	members := t.hub.snapshotLocked()
	t.hub.mu.RUnlock()

	for _, m := range members {
		m.deliver(t.id, payload)
	}
	return nil
}

func (t *MemoryTransport) SendTo(ctx context.Context, peerID string, payload []byte) error {
	t.hub.mu.RLock()
	m, ok := t.hub.members[peerID]
	t.hub.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	m.deliver(t.id, payload)
	return nil
}

func (t *MemoryTransport) current() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *MemoryTransport) deliver(from string, payload []byte) {
	if h := t.current(); h != nil {
		h.HandleMessage(from, append([]byte(nil), payload...))
	}
}

func (t *MemoryTransport) joined(peerID string) {
	if h := t.current(); h != nil {
		h.HandlePeerJoined(peerID)
	}
}

func (t *MemoryTransport) left(peerID string) {
	if h := t.current(); h != nil {
		h.HandlePeerLeft(peerID)
	}
}
