package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/swapd/internal/events"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// EventType names a local flow event.
type EventType string

const (
	EventStep      EventType = "step"      // a step started
	EventUpdated   EventType = "updated"   // state changed without advancing
	EventAdvanced  EventType = "advanced"  // a step finished
	EventParked    EventType = "parked"    // waiting on local funds
	EventError     EventType = "error"     // halted
	EventCompleted EventType = "completed" // terminal step reached
	EventAbandoned EventType = "abandoned"
	EventRefunded  EventType = "refunded"
)

const anyEvent = "*"

// Event is emitted on every flow transition.
type Event struct {
	SwapID   string    `json:"swapId"`
	Flow     string    `json:"flow"`
	Type     EventType `json:"type"`
	Step     int       `json:"step"`
	StepName string    `json:"stepName"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Step is one entry of a flow's step table. Run completes the step by
// calling Finish on the machine.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	SwapID  string
	Flow    string
	Version int
	Swap    interface{}
	Steps   []Step
	Store   Store

	// Record restores a persisted flow. Nil starts at step 0.
	Record *storage.FlowRecord
}

// Machine runs a step table over a typed state record S. S is treated as a
// value: mutators receive a copy and must replace, not modify, anything
// reachable through pointers.
type Machine[S any] struct {
	swapID  string
	flow    string
	version int
	swap    json.RawMessage
	steps   []Step
	store   Store
	log     *logging.Logger
	bus     *events.Bus[Event]

	running atomic.Bool

	mu       sync.Mutex
	cursor   int
	state    S
	status   storage.FlowStatus
	errText  string
	archived bool
	cancel   context.CancelFunc
}

// NewMachine creates a machine, restoring cursor and state from
// cfg.Record when present.
func NewMachine[S any](cfg MachineConfig) (*Machine[S], error) {
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("flow %s: empty step table", cfg.Flow)
	}
	swapJSON, err := json.Marshal(cfg.Swap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode swap: %w", err)
	}
	version := cfg.Version
	if version == 0 {
		version = 1
	}

	m := &Machine[S]{
		swapID:  cfg.SwapID,
		flow:    cfg.Flow,
		version: version,
		swap:    swapJSON,
		steps:   cfg.Steps,
		store:   cfg.Store,
		log:     logging.GetDefault().Component("flow").With("swap", cfg.SwapID, "flow", cfg.Flow),
		bus:     events.NewBus[Event](),
		status:  storage.FlowStatusActive,
	}

	if rec := cfg.Record; rec != nil {
		if rec.Flow != cfg.Flow {
			return nil, fmt.Errorf("record %s belongs to flow %s, not %s", rec.SwapID, rec.Flow, cfg.Flow)
		}
		if rec.Step < 0 || rec.Step >= len(cfg.Steps) {
			return nil, fmt.Errorf("record %s: step %d out of range", rec.SwapID, rec.Step)
		}
		if len(rec.State) > 0 {
			if err := json.Unmarshal(rec.State, &m.state); err != nil {
				return nil, fmt.Errorf("record %s: invalid state: %w", rec.SwapID, err)
			}
		}
		m.cursor = rec.Step
		m.status = rec.Status
		m.errText = rec.Error
		m.archived = rec.Archived()
		return m, nil
	}

	if err := m.persistLocked(0, m.state, m.status, ""); err != nil {
		return nil, err
	}
	return m, nil
}

// SwapID returns the swap the machine belongs to.
func (m *Machine[S]) SwapID() string { return m.swapID }

// Cursor returns the index of the current step.
func (m *Machine[S]) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// State returns a copy of the current state.
func (m *Machine[S]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the flow status and the recorded halt error, if any.
func (m *Machine[S]) Status() (storage.FlowStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.errText
}

// StepNames lists the step table.
func (m *Machine[S]) StepNames() []string {
	names := make([]string, len(m.steps))
	for i, s := range m.steps {
		names[i] = s.Name
	}
	return names
}

// Subscribe registers fn for every event the machine emits.
func (m *Machine[S]) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.bus.Subscribe(anyEvent, fn)
}

// Run executes steps from the cursor until the flow completes, parks or
// halts. A parked flow returns nil. A halted flow returns *HaltError.
// Cancelling ctx stops the current step without halting, leaving the flow
// resumable.
func (m *Machine[S]) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.archived {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancel = cancel
	m.status = storage.FlowStatusActive
	m.errText = ""
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
	}()

	last := len(m.steps) - 1
	for {
		i := m.Cursor()
		step := m.steps[i]

		m.log.Debug("Running step", "step", i+1, "name", step.Name)
		m.emit(EventStep, i, "")

		var err error
		if step.Run != nil {
			err = step.Run(runCtx)
		}

		if m.isArchived() {
			return ErrAbandoned
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return m.Halt(err)
		}
		if i == last {
			return m.complete()
		}
		if m.Cursor() == i {
			return m.park(i)
		}
	}
}

// Finish merges mutate into the state and advances the cursor in one
// persisted write.
func (m *Machine[S]) Finish(ctx context.Context, mutate func(*S)) error {
	m.mu.Lock()
	if m.archived {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.cursor >= len(m.steps)-1 {
		m.mu.Unlock()
		return fmt.Errorf("flow %s: cannot advance past the terminal step", m.swapID)
	}

	next := m.state
	if mutate != nil {
		mutate(&next)
	}
	if err := m.persistLocked(m.cursor+1, next, storage.FlowStatusActive, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	finished := m.cursor
	m.cursor++
	m.state = next
	m.status = storage.FlowStatusActive
	m.mu.Unlock()

	m.log.Info("Step finished", "step", finished+1, "name", m.steps[finished].Name)
	m.emit(EventAdvanced, finished, "")
	return nil
}

// Update persists mutate without advancing.
func (m *Machine[S]) Update(ctx context.Context, mutate func(*S)) error {
	m.mu.Lock()
	if m.archived {
		m.mu.Unlock()
		return ErrClosed
	}
	err := m.applyLocked(mutate)
	cursor := m.cursor
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.emit(EventUpdated, cursor, "")
	return nil
}

// amend persists mutate even after the flow is archived. Refunds use it, as
// they remain possible after completion or abandonment.
func (m *Machine[S]) amend(mutate func(*S)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(mutate)
}

func (m *Machine[S]) applyLocked(mutate func(*S)) error {
	next := m.state
	mutate(&next)
	if err := m.persistLocked(m.cursor, next, m.status, m.errText); err != nil {
		return err
	}
	m.state = next
	return nil
}

// Halt records err against the current step and emits an error event.
func (m *Machine[S]) Halt(err error) error {
	m.mu.Lock()
	i := m.cursor
	m.status = storage.FlowStatusHalted
	m.errText = err.Error()
	if perr := m.persistLocked(i, m.state, m.status, m.errText); perr != nil {
		m.log.Error("Failed to persist halt", "error", perr)
	}
	m.mu.Unlock()

	m.log.Error("Flow halted", "step", i+1, "name", m.steps[i].Name, "error", err)
	m.emit(EventError, i, err.Error())
	return &HaltError{Step: i, Name: m.steps[i].Name, Err: err}
}

func (m *Machine[S]) park(i int) error {
	m.mu.Lock()
	m.status = storage.FlowStatusParked
	err := m.persistLocked(i, m.state, m.status, "")
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.log.Info("Flow parked", "step", i+1, "name", m.steps[i].Name)
	m.emit(EventParked, i, "")
	return nil
}

func (m *Machine[S]) complete() error {
	m.mu.Lock()
	i := m.cursor
	m.status = storage.FlowStatusCompleted
	if err := m.persistLocked(i, m.state, m.status, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.store.ArchiveFlow(m.swapID, storage.FlowStatusCompleted); err != nil {
		m.mu.Unlock()
		return err
	}
	m.archived = true
	m.mu.Unlock()

	m.log.Info("Flow completed")
	m.emit(EventCompleted, i, "")
	return nil
}

// Abandon archives the flow and cancels whatever step is running.
func (m *Machine[S]) Abandon(ctx context.Context) error {
	m.mu.Lock()
	if m.archived {
		m.mu.Unlock()
		return ErrClosed
	}
	if err := m.store.ArchiveFlow(m.swapID, storage.FlowStatusAbandoned); err != nil {
		m.mu.Unlock()
		return err
	}
	m.archived = true
	m.status = storage.FlowStatusAbandoned
	cancel := m.cancel
	i := m.cursor
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.log.Info("Flow abandoned", "step", i+1)
	m.emit(EventAbandoned, i, "")
	return nil
}

// Emit publishes an event for the current step.
func (m *Machine[S]) Emit(t EventType, errText string) {
	m.emit(t, m.Cursor(), errText)
}

func (m *Machine[S]) isArchived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archived
}

func (m *Machine[S]) emit(t EventType, step int, errText string) {
	ev := Event{
		SwapID:   m.swapID,
		Flow:     m.flow,
		Type:     t,
		Step:     step,
		StepName: m.steps[step].Name,
		Error:    errText,
		Time:     time.Now(),
	}
	m.bus.Dispatch(anyEvent, ev)
}

func (m *Machine[S]) persistLocked(cursor int, state S, status storage.FlowStatus, errText string) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode flow state: %w", err)
	}
	return m.store.SaveFlow(&storage.FlowRecord{
		SwapID:  m.swapID,
		Flow:    m.flow,
		Version: m.version,
		Step:    cursor,
		Status:  status,
		Swap:    m.swap,
		State:   stateJSON,
		Error:   errText,
	})
}
