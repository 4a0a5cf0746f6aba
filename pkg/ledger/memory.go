package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps balances and reservations in process. Transactions are applied
// to a scratch copy and published only when fn succeeds.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]int64
	spent        map[string]int64
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:     make(map[string]int64),
		spent:        make(map[string]int64),
		reservations: make(map[string]Reservation),
	}
}

// SetBalance seeds or overwrites a customer balance.
func (s *MemoryStore) SetBalance(customerID string, balance int64) {
	s.mu.Lock()
	s.balances[customerID] = balance
	s.mu.Unlock()
}

func (s *MemoryStore) BalanceOf(customerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[customerID]
}

func (s *MemoryStore) SpentOf(customerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spent[customerID]
}

func (s *MemoryStore) Reservations() []Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{
		balances:     make(map[string]int64),
		spent:        make(map[string]int64),
		reservations: make(map[string]Reservation),
		store:        s,
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.balances {
		s.balances[k] = v
	}
	for k, v := range tx.spent {
		s.spent[k] = v
	}
	for k, v := range tx.reservations {
		s.reservations[k] = v
	}
	return nil
}

func (s *MemoryStore) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.Status == StatusHeld && r.UpdatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memoryTx reads through to the store, which is locked for the whole transaction.
type memoryTx struct {
	store        *MemoryStore
	balances     map[string]int64
	spent        map[string]int64
	reservations map[string]Reservation
}

func (t *memoryTx) Balance(_ context.Context, customerID string) (int64, error) {
	if v, ok := t.balances[customerID]; ok {
		return v, nil
	}
	v, ok := t.store.balances[customerID]
	if !ok {
		return 0, ErrCustomerNotFound
	}
	return v, nil
}

func (t *memoryTx) AdjustBalance(ctx context.Context, customerID string, delta, spentDelta int64) error {
	cur, err := t.Balance(ctx, customerID)
	if err != nil {
		return err
	}
	t.balances[customerID] = cur + delta
	spent, ok := t.spent[customerID]
	if !ok {
		spent = t.store.spent[customerID]
	}
	t.spent[customerID] = spent + spentDelta
	return nil
}

func (t *memoryTx) InsertReservation(_ context.Context, r Reservation) error {
	t.reservations[r.ID] = r
	return nil
}

func (t *memoryTx) Reservation(_ context.Context, id string) (Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		return r, nil
	}
	r, ok := t.store.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return r, nil
}

func (t *memoryTx) UpdateReservation(ctx context.Context, r Reservation, from ReservationStatus) error {
	cur, err := t.Reservation(ctx, r.ID)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return ErrAlreadySettled
	}
	t.reservations[r.ID] = r
	return nil
}
