// Package room is the counterparty channel shared by every swap flow. It turns
// transport payloads into named events: presence changes, and JSON arrays of
// {event, data} entries that are un-batched and dispatched one by one with the
// sending peer attached.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingon-exchange/swapd/internal/events"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Presence events.
const (
	EventPeerJoined = "peer joined"
	EventPeerLeft   = "peer left"
)

// Errors
var (
	ErrNoEntries   = errors.New("no entries to send")
	ErrEmptyEvent  = errors.New("entry has no event name")
	ErrUnknownPeer = errors.New("unknown peer")
)

// Entry is one logical message on the wire.
type Entry struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEntry marshals data into an entry for event.
func NewEntry(event string, data interface{}) (Entry, error) {
	if event == "" {
		return Entry{}, ErrEmptyEvent
	}
	if data == nil {
		return Entry{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode %q data: %w", event, err)
	}
	return Entry{Event: event, Data: raw}, nil
}

// Message is an entry as delivered to subscribers.
type Message struct {
	Event    string
	FromPeer string
	Data     json.RawMessage
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("event %q carries no data", m.Event)
	}
	return json.Unmarshal(m.Data, v)
}

// Handler receives raw transport callbacks.
type Handler interface {
	HandlePeerJoined(peerID string)
	HandlePeerLeft(peerID string)
	HandleMessage(fromPeer string, payload []byte)
}

// Transport delivers opaque payloads to every room member or to one peer.
type Transport interface {
	PeerID() string
	Peers() []string
	Broadcast(ctx context.Context, payload []byte) error
	SendTo(ctx context.Context, peerID string, payload []byte) error
	SetHandler(h Handler)
}

// Room dispatches transport traffic to event subscribers.
type Room struct {
	transport Transport
	bus       *events.Bus[Message]
	log       *logging.Logger
}

// New creates a room and registers it as the transport's handler.
func New(t Transport) *Room {
	r := &Room{
		transport: t,
		bus:       events.NewBus[Message](),
		log:       logging.GetDefault().Component("room"),
	}
	t.SetHandler(r)
	return r
}

// PeerID returns the local peer id.
func (r *Room) PeerID() string {
	return r.transport.PeerID()
}

// Peers returns the peers currently in the room.
func (r *Room) Peers() []string {
	return r.transport.Peers()
}

// Subscribe registers fn for every dispatch of event.
func (r *Room) Subscribe(event string, fn func(Message)) (unsubscribe func()) {
	return r.bus.Subscribe(event, fn)
}

// Once registers fn for the next dispatch of event.
func (r *Room) Once(event string, fn func(Message)) (unsubscribe func()) {
	return r.bus.Once(event, fn)
}

// SendMessage broadcasts entries to all peers as one payload.
func (r *Room) SendMessage(ctx context.Context, entries ...Entry) error {
	payload, err := Encode(entries)
	if err != nil {
		return err
	}
	return r.transport.Broadcast(ctx, payload)
}

// SendMessageTo sends entries to a single peer as one payload.
func (r *Room) SendMessageTo(ctx context.Context, peerID string, entries ...Entry) error {
	if peerID == "" {
		return ErrUnknownPeer
	}
	payload, err := Encode(entries)
	if err != nil {
		return err
	}
	return r.transport.SendTo(ctx, peerID, payload)
}

// HandlePeerJoined implements Handler.
func (r *Room) HandlePeerJoined(peerID string) {
	if peerID == r.transport.PeerID() {
		return
	}
	r.log.Debug("Peer joined", "peer", peerID)
	r.bus.Dispatch(EventPeerJoined, Message{Event: EventPeerJoined, FromPeer: peerID})
}

// HandlePeerLeft implements Handler.
func (r *Room) HandlePeerLeft(peerID string) {
	if peerID == r.transport.PeerID() {
		return
	}
	r.log.Debug("Peer left", "peer", peerID)
	r.bus.Dispatch(EventPeerLeft, Message{Event: EventPeerLeft, FromPeer: peerID})
}

// HandleMessage implements Handler. Self-originated payloads are dropped
// before decoding. Malformed payloads are logged and dropped.
func (r *Room) HandleMessage(fromPeer string, payload []byte) {
	if fromPeer == r.transport.PeerID() {
		return
	}

	entries, err := Decode(payload)
	if err != nil {
		r.log.Warn("Dropping malformed payload", "peer", fromPeer, "error", err)
		return
	}

	for _, e := range entries {
		if e.Event == "" {
			r.log.Debug("Skipping entry without event", "peer", fromPeer)
			continue
		}
		r.bus.Dispatch(e.Event, Message{Event: e.Event, FromPeer: fromPeer, Data: e.Data})
	}
}

// Encode frames entries as a JSON array.
func Encode(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	for _, e := range entries {
		if e.Event == "" {
			return nil, ErrEmptyEvent
		}
	}
	return json.Marshal(entries)
}

// Decode parses a payload. A bare object is accepted as a one-entry batch.
func Decode(payload []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(payload, &entries); err == nil {
		return entries, nil
	}

	var single Entry
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("invalid room payload: %w", err)
	}
	return []Entry{single}, nil
}
