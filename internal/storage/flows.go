package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrFlowNotFound   = errors.New("flow not found")
	ErrStepRegression = errors.New("flow step cannot decrease")
	ErrFlowArchived   = errors.New("flow is archived")
)

// FlowStatus is the coarse state of a flow record.
type FlowStatus string

const (
	FlowStatusActive    FlowStatus = "active"    // running or waiting on the counterparty
	FlowStatusParked    FlowStatus = "parked"    // waiting on local funds
	FlowStatusHalted    FlowStatus = "halted"    // stopped on a verification failure
	FlowStatusCompleted FlowStatus = "completed" // reached the final step
	FlowStatusAbandoned FlowStatus = "abandoned" // cancelled by the operator
)

// FlowRecord is a persisted swap flow. Swap is the immutable swap
// description, State the flow's accumulated fields.
type FlowRecord struct {
	SwapID     string          `json:"swap_id"`
	Flow       string          `json:"flow"`
	Version    int             `json:"version"`
	Step       int             `json:"step"`
	Status     FlowStatus      `json:"status"`
	Swap       json.RawMessage `json:"swap"`
	State      json.RawMessage `json:"state"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ArchivedAt time.Time       `json:"archived_at,omitempty"`
}

// Archived reports whether the flow has been archived.
func (r *FlowRecord) Archived() bool {
	return !r.ArchivedAt.IsZero()
}

// SaveFlow creates or overwrites a flow record. The write is refused with
// ErrStepRegression when the stored step is ahead of rec.Step. Saving an
// archived flow keeps it archived.
func (s *Storage) SaveFlow(rec *FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.Status == "" {
		rec.Status = FlowStatusActive
	}
	if len(rec.State) == 0 {
		rec.State = json.RawMessage("{}")
	}
	if len(rec.Swap) == 0 {
		rec.Swap = json.RawMessage("{}")
	}

	query := `
		INSERT INTO flows (
			swap_id, flow, version, step, status, swap, state, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(swap_id) DO UPDATE SET
			step = excluded.step,
			status = excluded.status,
			state = excluded.state,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		WHERE flows.step <= excluded.step
	`

	res, err := s.db.Exec(query,
		rec.SwapID,
		rec.Flow,
		rec.Version,
		rec.Step,
		string(rec.Status),
		string(rec.Swap),
		string(rec.State),
		rec.Error,
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", rec.SwapID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var step int
	if err := s.db.QueryRow("SELECT step FROM flows WHERE swap_id = ?", rec.SwapID).Scan(&step); err != nil {
		return fmt.Errorf("failed to save flow %s: %w", rec.SwapID, err)
	}
	return fmt.Errorf("%w: stored %d, got %d", ErrStepRegression, step, rec.Step)
}

// GetFlow loads a flow record.
func (s *Storage) GetFlow(swapID string) (*FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT swap_id, flow, version, step, status, swap, state, last_error, created_at, updated_at, archived_at
		FROM flows WHERE swap_id = ?
	`, swapID)

	rec, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	return rec, err
}

// ListFlows returns flows, newest first. Archived flows are included only
// when includeArchived is set.
func (s *Storage) ListFlows(limit int, includeArchived bool) ([]*FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT swap_id, flow, version, step, status, swap, state, last_error, created_at, updated_at, archived_at
		FROM flows
	`
	if !includeArchived {
		query += " WHERE archived_at = 0"
	}
	query += " ORDER BY created_at DESC, swap_id"

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*FlowRecord
	for rows.Next() {
		rec, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, rec)
	}
	return flows, rows.Err()
}

// ArchiveFlow marks a flow archived with a final status. Archived flows are
// not resumed on restart.
func (s *Storage) ArchiveFlow(swapID string, status FlowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	res, err := s.db.Exec(
		"UPDATE flows SET status = ?, archived_at = ?, updated_at = ? WHERE swap_id = ? AND archived_at = 0",
		string(status), now, now, swapID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var archivedAt int64
		err := s.db.QueryRow("SELECT archived_at FROM flows WHERE swap_id = ?", swapID).Scan(&archivedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFlowNotFound
		}
		if err != nil {
			return err
		}
		return ErrFlowArchived
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFlow(row scanner) (*FlowRecord, error) {
	var rec FlowRecord
	var status, swap, state string
	var createdAt, updatedAt, archivedAt int64

	err := row.Scan(
		&rec.SwapID,
		&rec.Flow,
		&rec.Version,
		&rec.Step,
		&status,
		&swap,
		&state,
		&rec.Error,
		&createdAt,
		&updatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = FlowStatus(status)
	rec.Swap = json.RawMessage(swap)
	rec.State = json.RawMessage(state)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	rec.ArchivedAt = unixOrZero(archivedAt)

	return &rec, nil
}
