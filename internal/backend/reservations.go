package backend

import (
	"fmt"
	"sync"
	"time"
)

// Reservations serializes output selection per owning address and remembers
// outputs spent by recently broadcast transactions until the indexer catches up.
type Reservations struct {
	mu       sync.Mutex
	owners   map[string]*sync.Mutex
	reserved map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewReservations creates a reservation set. Reserved outputs are released
// after ttl even if the indexer never reports them as spent.
func NewReservations(ttl time.Duration) *Reservations {
	return &Reservations{
		owners:   make(map[string]*sync.Mutex),
		reserved: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Lock acquires exclusive selection rights for address and returns the
// release function.
func (r *Reservations) Lock(address string) func() {
	r.mu.Lock()
	m, ok := r.owners[address]
	if !ok {
		m = &sync.Mutex{}
		r.owners[address] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Available filters out reserved outputs.
func (r *Reservations) Available(unspents []Unspent) []Unspent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Unspent, 0, len(unspents))
	for _, u := range unspents {
		key := outpointKey(u)
		if until, ok := r.reserved[key]; ok {
			if now.Before(until) {
				continue
			}
			delete(r.reserved, key)
		}
		out = append(out, u)
	}
	return out
}

// Reserve marks outputs as spent.
func (r *Reservations) Reserve(unspents []Unspent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := r.now().Add(r.ttl)
	for _, u := range unspents {
		r.reserved[outpointKey(u)] = until
	}
}

func outpointKey(u Unspent) string {
	return fmt.Sprintf("%s:%d", u.TxID, u.OutputIndex)
}
