// Package registry owns the live flows of the daemon: it constructs them
// from an explicit table keyed by flow name, restores them from storage on
// startup, runs each on its own goroutine and fans their events out to
// subscribers.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/klingon-exchange/swapd/internal/events"
	"github.com/klingon-exchange/swapd/internal/flow"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Errors
var (
	ErrNotFound       = errors.New("swap not found")
	ErrExists         = errors.New("swap already exists")
	ErrNotHalted      = errors.New("flow is not halted")
	ErrRegistryClosed = errors.New("registry closed")
)

// Constructor builds a flow, fresh when rec is nil.
type Constructor func(sw flow.Swap, deps flow.Deps, rec *storage.FlowRecord) (flow.Flow, error)

// DefaultConstructors maps every flow name to its constructor.
func DefaultConstructors() map[string]Constructor {
	return map[string]Constructor{
		flow.NameBTC2ETH: func(sw flow.Swap, deps flow.Deps, rec *storage.FlowRecord) (flow.Flow, error) {
			return flow.NewBTC2ETH(sw, deps, rec)
		},
		flow.NameETH2BTC: func(sw flow.Swap, deps flow.Deps, rec *storage.FlowRecord) (flow.Flow, error) {
			return flow.NewETH2BTC(sw, deps, rec)
		},
	}
}

// Store is the flow persistence the registry reads and the flows write.
type Store interface {
	flow.Store
	GetFlow(swapID string) (*storage.FlowRecord, error)
	ListFlows(limit int, includeArchived bool) ([]*storage.FlowRecord, error)
}

// Config configures a Registry.
type Config struct {
	Store Store

	// Deps are shared by every flow. Store is overridden with Config.Store.
	Deps flow.Deps

	// Constructors defaults to DefaultConstructors.
	Constructors map[string]Constructor
}

// Registry tracks flows by swap id.
type Registry struct {
	store        Store
	deps         flow.Deps
	constructors map[string]Constructor
	bus          *events.Bus[flow.Event]
	log          *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	flows map[string]flow.Flow
}

const allEvents = "*"

// New creates a registry. Flows it starts run under ctx until Close.
func New(ctx context.Context, cfg Config) *Registry {
	ctx, cancel := context.WithCancel(ctx)

	constructors := cfg.Constructors
	if constructors == nil {
		constructors = DefaultConstructors()
	}
	deps := cfg.Deps
	deps.Store = cfg.Store

	return &Registry{
		store:        cfg.Store,
		deps:         deps,
		constructors: constructors,
		bus:          events.NewBus[flow.Event](),
		log:          logging.GetDefault().Component("registry"),
		ctx:          ctx,
		cancel:       cancel,
		flows:        make(map[string]flow.Flow),
	}
}

// Open creates a flow for sw and starts it. An empty sw.ID gets a fresh
// UUID.
func (r *Registry) Open(sw flow.Swap) (flow.Flow, error) {
	if r.ctx.Err() != nil {
		return nil, ErrRegistryClosed
	}
	if sw.ID == "" {
		sw.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.flows[sw.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, sw.ID)
	}
	if rec, err := r.store.GetFlow(sw.ID); err == nil && rec != nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, sw.ID)
	}

	f, err := r.build(sw, nil)
	if err != nil {
		return nil, err
	}
	r.flows[sw.ID] = f
	r.start(f, f.Run)

	r.log.Info("Swap opened", "swap", sw.ID, "flow", sw.Flow)
	return f, nil
}

// Restore loads every unarchived flow from storage. Active and parked
// flows are started again at their persisted step; halted flows wait for
// Resume. It returns the number of flows loaded.
func (r *Registry) Restore() (int, error) {
	recs, err := r.store.ListFlows(0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to list flows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, rec := range recs {
		if _, ok := r.flows[rec.SwapID]; ok {
			continue
		}
		f, err := r.load(rec)
		if err != nil {
			r.log.Error("Failed to restore flow", "swap", rec.SwapID, "error", err)
			continue
		}
		r.flows[rec.SwapID] = f
		loaded++

		if rec.Status == storage.FlowStatusHalted {
			r.log.Warn("Flow halted, waiting for resume", "swap", rec.SwapID, "step", rec.Step+1, "error", rec.Error)
			continue
		}
		r.start(f, f.Run)
	}

	if loaded > 0 {
		r.log.Info("Restored flows", "count", loaded)
	}
	return loaded, nil
}

// Get returns the flow for swapID. Archived flows are loaded from storage
// on demand so they can still be inspected and refunded.
func (r *Registry) Get(swapID string) (flow.Flow, error) {
	r.mu.RLock()
	f, ok := r.flows[swapID]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	rec, err := r.store.GetFlow(swapID)
	if errors.Is(err, storage.ErrFlowNotFound) || (err == nil && rec == nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, swapID)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flows[swapID]; ok {
		return f, nil
	}
	f, err = r.load(rec)
	if err != nil {
		return nil, err
	}
	r.flows[swapID] = f
	return f, nil
}

// List returns snapshots of every loaded flow ordered by swap id.
func (r *Registry) List() []flow.Snapshot {
	r.mu.RLock()
	flows := make([]flow.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		flows = append(flows, f)
	}
	r.mu.RUnlock()

	sort.Slice(flows, func(i, j int) bool { return flows[i].SwapID() < flows[j].SwapID() })
	out := make([]flow.Snapshot, len(flows))
	for i, f := range flows {
		out[i] = f.Snapshot()
	}
	return out
}

// Records lists persisted flows, newest first.
func (r *Registry) Records(limit int, includeArchived bool) ([]*storage.FlowRecord, error) {
	return r.store.ListFlows(limit, includeArchived)
}

// RecheckBalance re-runs a flow parked on insufficient funds in the
// background.
func (r *Registry) RecheckBalance(swapID string) error {
	f, err := r.Get(swapID)
	if err != nil {
		return err
	}
	if f.Snapshot().Status != storage.FlowStatusParked {
		return flow.ErrNotParked
	}
	r.start(f, f.RecheckBalance)
	return nil
}

// Resume re-runs a halted flow from the step that failed.
func (r *Registry) Resume(swapID string) error {
	f, err := r.Get(swapID)
	if err != nil {
		return err
	}
	if f.Snapshot().Status != storage.FlowStatusHalted {
		return ErrNotHalted
	}
	r.start(f, f.Run)
	return nil
}

// Refund reclaims the local lock of a swap.
func (r *Registry) Refund(ctx context.Context, swapID string) (string, error) {
	f, err := r.Get(swapID)
	if err != nil {
		return "", err
	}
	return f.Refund(ctx)
}

// Abandon stops and archives a swap.
func (r *Registry) Abandon(ctx context.Context, swapID string) error {
	f, err := r.Get(swapID)
	if err != nil {
		return err
	}
	return f.Abandon(ctx)
}

// Subscribe registers fn for the events of every flow.
func (r *Registry) Subscribe(fn func(flow.Event)) (unsubscribe func()) {
	return r.bus.Subscribe(allEvents, fn)
}

// Close stops every running flow and waits for them to return. Stopped
// flows stay resumable.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.flows {
		f.Close()
	}
}

func (r *Registry) load(rec *storage.FlowRecord) (flow.Flow, error) {
	var sw flow.Swap
	if err := json.Unmarshal(rec.Swap, &sw); err != nil {
		return nil, fmt.Errorf("record %s: invalid swap: %w", rec.SwapID, err)
	}
	sw.Flow = rec.Flow
	return r.build(sw, rec)
}

func (r *Registry) build(sw flow.Swap, rec *storage.FlowRecord) (flow.Flow, error) {
	construct, ok := r.constructors[sw.Flow]
	if !ok {
		return nil, fmt.Errorf("%w: %q", flow.ErrUnknownFlow, sw.Flow)
	}
	f, err := construct(sw, r.deps, rec)
	if err != nil {
		return nil, err
	}
	f.Subscribe(func(ev flow.Event) {
		r.bus.Dispatch(allEvents, ev)
	})
	return f, nil
}

func (r *Registry) start(f flow.Flow, run func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		err := run(r.ctx)
		switch {
		case err == nil:
		case errors.Is(err, flow.ErrRunning):
			r.log.Debug("Flow already running", "swap", f.SwapID())
		case errors.Is(err, context.Canceled), errors.Is(err, flow.ErrAbandoned):
			r.log.Debug("Flow stopped", "swap", f.SwapID(), "reason", err)
		default:
			r.log.Warn("Flow stopped with error", "swap", f.SwapID(), "error", err)
		}
	}()
}
