package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(balances map[string]int64) (*Client, *MemoryStore) {
	store := NewMemoryStore()
	for id, bal := range balances {
		store.SetBalance(id, bal)
	}
	return NewClient(store, Config{UnitCost: 20}, nil), store
}

func TestReserveAndCommitChargesActualUsage(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(map[string]int64{"cust": 100})

	h, err := c.Reserve(ctx, "cust", "CA1", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), store.BalanceOf("cust"))

	s, err := c.Commit(ctx, h, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), s.Charged)
	assert.Equal(t, int64(15), s.Refunded)
	assert.Equal(t, int64(75), store.BalanceOf("cust"))
	assert.Equal(t, int64(25), store.SpentOf("cust"))
}

func TestCommitNeverChargesMoreThanHeld(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(map[string]int64{"cust": 100})
	h, err := c.Reserve(ctx, "cust", "CA1", 20)
	require.NoError(t, err)

	s, err := c.Commit(ctx, h, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(20), s.Charged)
	assert.Equal(t, int64(80), store.BalanceOf("cust"))
}

func TestReleaseRestoresExactlyHeld(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(map[string]int64{"cust": 50})
	h, err := c.Reserve(ctx, "cust", "CA1", 20)
	require.NoError(t, err)
	h, err = c.Extend(ctx, h, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(40), h.Held)
	assert.Equal(t, int64(10), store.BalanceOf("cust"))

	s, err := c.Release(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(40), s.Refunded)
	assert.Equal(t, int64(50), store.BalanceOf("cust"))
}

func TestSettleTwiceReturnsAlreadySettled(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(map[string]int64{"cust": 50})
	h, err := c.Reserve(ctx, "cust", "CA1", 20)
	require.NoError(t, err)

	_, err = c.Release(ctx, h)
	require.NoError(t, err)
	_, err = c.Commit(ctx, h, 10)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	_, err = c.Release(ctx, h)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, int64(50), store.BalanceOf("cust"))
}

func TestInsufficientCreditIsReasoned(t *testing.T) {
	c, store := newTestClient(map[string]int64{"cust": 19})
	_, err := c.Reserve(context.Background(), "cust", "CA1", 20)
	assert.ErrorIs(t, err, ErrInsufficientCredit)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonInsufficientCredit))
	assert.Empty(t, store.Reservations())

	_, err = c.Reserve(context.Background(), "nobody", "CA2", 20)
	assert.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestExtendFailsWhenBalanceRunsOut(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(map[string]int64{"cust": 30})
	h, err := c.Reserve(ctx, "cust", "CA1", 20)
	require.NoError(t, err)
	_, err = c.Extend(ctx, h, 20)
	assert.ErrorIs(t, err, ErrInsufficientCredit)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonCreditExhausted))
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(map[string]int64{"cust": 20, "other": 20})

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			customer := "cust"
			if i%2 == 1 {
				customer = "other"
			}
			_, err := c.Reserve(ctx, customer, "CA", 20)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientCredit)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, int64(0), store.BalanceOf("cust"))
	assert.Equal(t, int64(0), store.BalanceOf("other"))
}

type liveSet map[string]bool

func (l liveSet) IsLive(id string) bool { return l[id] }

func TestReaperReleasesOnlyOrphans(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(map[string]int64{"cust": 100})
	now := time.Now()
	c.now = func() time.Time { return now }

	orphan, err := c.Reserve(ctx, "cust", "gone", 20)
	require.NoError(t, err)
	_, err = c.Reserve(ctx, "cust", "live", 20)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	obs := metrics.NewMemoryObserver()
	reaper := NewReaper(c, liveSet{"live": true}, obs, nil)
	assert.Equal(t, 1, reaper.Sweep(ctx))
	assert.Equal(t, int64(80), store.BalanceOf("cust"))
	assert.Len(t, obs.Named(metrics.EventReservationReap), 1)

	_, err = c.Release(ctx, orphan)
	assert.True(t, errors.Is(err, ErrAlreadySettled))
	assert.Equal(t, 0, reaper.Sweep(ctx), "live reservation was touched and is no longer stale")
}

// heartbeatStore refreshes every listed reservation right after listing it, as a live
// session on another instance would.
type heartbeatStore struct {
	*MemoryStore
	now func() time.Time
}

func (s heartbeatStore) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	stale, err := s.MemoryStore.StaleReservations(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range stale {
		err := s.WithTx(ctx, func(tx Tx) error {
			r.UpdatedAt = s.now()
			return tx.UpdateReservation(ctx, r, StatusHeld)
		})
		if err != nil {
			return nil, err
		}
	}
	return stale, nil
}

func TestReaperSparesReservationTouchedDuringSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.SetBalance("cust", 100)
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewClient(heartbeatStore{MemoryStore: store, now: clock}, Config{UnitCost: 20}, nil)
	c.now = clock

	h, err := c.Reserve(ctx, "cust", "elsewhere", 20)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	reaper := NewReaper(c, liveSet{}, nil, nil)
	assert.Equal(t, 0, reaper.Sweep(ctx))
	assert.Equal(t, int64(80), store.BalanceOf("cust"))

	_, err = c.Commit(ctx, h, 20)
	require.NoError(t, err)
}

func TestTouchKeepsReservationOutOfSweep(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(map[string]int64{"cust": 100})
	now := time.Now()
	c.now = func() time.Time { return now }
	c.cfg.StaleAfter = time.Minute

	h, err := c.Reserve(ctx, "cust", "elsewhere", 20)
	require.NoError(t, err)
	reaper := NewReaper(c, liveSet{}, nil, nil)
	for i := 0; i < 5; i++ {
		now = now.Add(30 * time.Second)
		require.NoError(t, c.Touch(ctx, h))
		assert.Equal(t, 0, reaper.Sweep(ctx))
	}
	assert.Equal(t, int64(80), store.BalanceOf("cust"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, reaper.Sweep(ctx))
	assert.Equal(t, int64(100), store.BalanceOf("cust"))
	assert.ErrorIs(t, c.Touch(ctx, h), ErrAlreadySettled)
}

func TestCreditsForTokens(t *testing.T) {
	cases := []struct {
		tokens int
		want   int64
	}{
		{0, 20},
		{700, 20},
		{1400, 30},
		{2100, 45},
		{3500, 75},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CreditsForTokens(tc.tokens, 70, 20), "tokens=%d", tc.tokens)
	}
	assert.Equal(t, int64(11), CreditsForTokens(600, 70, 1))
}
