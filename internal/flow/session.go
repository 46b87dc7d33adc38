package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klingon-exchange/swapd/internal/room"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Protocol events exchanged between the two flows of a swap.
const (
	EventCreateScript       = "create script"
	EventCounterpartyFunded = "counterparty funded"
	EventWithdrawalComplete = "withdrawal complete"
)

// CreateScriptMessage announces the funded Bitcoin script.
type CreateScriptMessage struct {
	ScriptValues                     swap.Parameters `json:"scriptValues"`
	BtcScriptCreatingTransactionHash string          `json:"btcScriptCreatingTransactionHash"`
}

// CounterpartyFundedMessage announces the funded Ethereum swap.
type CounterpartyFundedMessage struct {
	EthSwapCreationTransactionHash string `json:"ethSwapCreationTransactionHash"`
}

// WithdrawalCompleteMessage announces the Ethereum withdrawal that revealed
// the secret.
type WithdrawalCompleteMessage struct {
	EthSwapWithdrawTransactionHash string `json:"ethSwapWithdrawTransactionHash,omitempty"`
}

// Channel is the room as a flow uses it, implemented by *room.Room.
type Channel interface {
	PeerID() string
	Subscribe(event string, fn func(room.Message)) (unsubscribe func())
	SendMessageTo(ctx context.Context, peerID string, entries ...room.Entry) error
}

// Session is one swap's view of the room. Outbound messages go directly to
// the participant and carry the swap id. Inbound messages are accepted only
// from the participant for this swap id, and are held until a step waits
// for them, so a message that arrives early is not lost.
type Session struct {
	ch          Channel
	swapID      string
	participant string
	log         *logging.Logger

	mu      sync.Mutex
	inbox   map[string]room.Message
	waiters map[string][]chan room.Message
	unsubs  []func()
	closed  bool
}

// NewSession subscribes to events on ch for one swap.
func NewSession(ch Channel, swapID, participant string, events ...string) *Session {
	s := &Session{
		ch:          ch,
		swapID:      swapID,
		participant: participant,
		log:         logging.GetDefault().Component("session").With("swap", swapID),
		inbox:       make(map[string]room.Message),
		waiters:     make(map[string][]chan room.Message),
	}
	for _, event := range events {
		s.unsubs = append(s.unsubs, ch.Subscribe(event, s.receive))
	}
	return s
}

// Send delivers event to the participant. data must encode to a JSON
// object; the swap id is added to it.
func (s *Session) Send(ctx context.Context, event string, data interface{}) error {
	fields := map[string]json.RawMessage{}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode %q: %w", event, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("%q data must be an object: %w", event, err)
		}
	}
	id, _ := json.Marshal(s.swapID)
	fields["swapId"] = id

	entry, err := room.NewEntry(event, fields)
	if err != nil {
		return err
	}
	return s.ch.SendMessageTo(ctx, s.participant, entry)
}

// Wait blocks until event arrives from the participant, consuming a held
// message if one is already there.
func (s *Session) Wait(ctx context.Context, event string) (room.Message, error) {
	s.mu.Lock()
	if msg, ok := s.inbox[event]; ok {
		delete(s.inbox, event)
		s.mu.Unlock()
		return msg, nil
	}
	ch := make(chan room.Message, 1)
	s.waiters[event] = append(s.waiters[event], ch)
	s.mu.Unlock()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		s.dropWaiter(event, ch)
		// A message may have been handed over between Done and the removal.
		select {
		case msg := <-ch:
			s.hold(msg)
		default:
		}
		return room.Message{}, ctx.Err()
	}
}

// OnPeerJoined calls fn whenever the participant (re)joins the room.
func (s *Session) OnPeerJoined(fn func()) (unsubscribe func()) {
	return s.ch.Subscribe(room.EventPeerJoined, func(m room.Message) {
		if m.FromPeer == s.participant {
			fn()
		}
	})
}

// Close drops all room subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.closed = true
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (s *Session) receive(m room.Message) {
	if m.FromPeer != s.participant {
		return
	}
	var header struct {
		SwapID string `json:"swapId"`
	}
	if err := json.Unmarshal(m.Data, &header); err != nil || header.SwapID != s.swapID {
		return
	}

	s.log.Debug("Received", "event", m.Event)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if ws := s.waiters[m.Event]; len(ws) > 0 {
		s.waiters[m.Event] = ws[1:]
		ws[0] <- m
		return
	}
	s.inbox[m.Event] = m
}

func (s *Session) hold(m room.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox[m.Event] = m
}

func (s *Session) dropWaiter(event string, ch chan room.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[event]
	for i, w := range ws {
		if w == ch {
			s.waiters[event] = append(ws[:i:i], ws[i+1:]...)
			return
		}
	}
}
