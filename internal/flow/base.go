package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// base holds what every flow type shares: the swap, its machine and its
// room session.
type base[S any] struct {
	swap     Swap
	deps     Deps
	settings Settings
	machine  *Machine[S]
	session  *Session
	log      *logging.Logger
}

func newBase[S any](name string, sw Swap, deps Deps, rec *storage.FlowRecord, steps func(*base[S]) []Step, events ...string) (*base[S], error) {
	if err := sw.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	sw.Flow = name

	b := &base[S]{
		swap:     sw,
		deps:     deps,
		settings: deps.Settings.withDefaults(),
		log:      logging.GetDefault().Component("flow").With("swap", sw.ID, "flow", name),
	}

	m, err := NewMachine[S](MachineConfig{
		SwapID: sw.ID,
		Flow:   name,
		Swap:   sw,
		Steps:  steps(b),
		Store:  deps.Store,
		Record: rec,
	})
	if err != nil {
		return nil, err
	}
	b.machine = m
	b.session = NewSession(deps.Channel, sw.ID, sw.Participant.PeerID, events...)
	return b, nil
}

func (b *base[S]) SwapID() string { return b.swap.ID }
func (b *base[S]) Name() string   { return b.swap.Flow }
func (b *base[S]) Swap() Swap     { return b.swap }

// Machine exposes the underlying step machine.
func (b *base[S]) Machine() *Machine[S] { return b.machine }

// Run drives the flow from its persisted step.
func (b *base[S]) Run(ctx context.Context) error {
	return b.machine.Run(ctx)
}

// RecheckBalance re-runs a flow parked on insufficient funds.
func (b *base[S]) RecheckBalance(ctx context.Context) error {
	if status, _ := b.machine.Status(); status != storage.FlowStatusParked {
		return ErrNotParked
	}
	return b.machine.Run(ctx)
}

// Abandon cancels any wait in progress and archives the flow.
func (b *base[S]) Abandon(ctx context.Context) error {
	err := b.machine.Abandon(ctx)
	b.session.Close()
	return err
}

// Subscribe registers fn for every flow event.
func (b *base[S]) Subscribe(fn func(Event)) (unsubscribe func()) {
	return b.machine.Subscribe(fn)
}

// Close releases the room subscriptions.
func (b *base[S]) Close() {
	b.session.Close()
}

// Snapshot returns the current cursor, status and state.
func (b *base[S]) Snapshot() Snapshot {
	cursor := b.machine.Cursor()
	status, errText := b.machine.Status()
	names := b.machine.StepNames()
	return Snapshot{
		Swap:     b.swap,
		Step:     cursor,
		StepName: names[cursor],
		Steps:    names,
		Status:   status,
		Error:    errText,
		State:    b.machine.State(),
	}
}

// send reports transport failures without failing the step; the
// counterparty backs every wait with a chain poll.
func (b *base[S]) send(ctx context.Context, event string, data interface{}) {
	if err := b.session.Send(ctx, event, data); err != nil {
		b.log.Warn("Failed to notify participant", "event", event, "error", err)
	}
}

func decodeMessage(data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
