package ledger

import "sync"

// customerLocks hands out one mutex per customer. Entries are dropped once no
// goroutine holds or waits on them, so the map stays proportional to live callers.
type customerLocks struct {
	mu    sync.Mutex
	locks map[string]*customerLock
}

type customerLock struct {
	mu   sync.Mutex
	refs int
}

func newCustomerLocks() *customerLocks {
	return &customerLocks{locks: make(map[string]*customerLock)}
}

func (c *customerLocks) lock(customerID string) func() {
	c.mu.Lock()
	l, ok := c.locks[customerID]
	if !ok {
		l = &customerLock{}
		c.locks[customerID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, customerID)
		}
		c.mu.Unlock()
	}
}
