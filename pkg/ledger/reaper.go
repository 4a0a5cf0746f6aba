package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metrics"
)

var errFresh = errors.New("ledger: reservation touched since listed")

// LiveSessions tells the reaper which sessions still own their reservation.
type LiveSessions interface {
	IsLive(sessionID string) bool
}

// Reaper releases reservations whose session is gone, for instance after a crash. Live
// sessions touch their reservation well within StaleAfter, on any instance; a reservation
// left untouched for longer has no owner.
type Reaper struct {
	client   *Client
	live     LiveSessions
	observer metrics.Observer
	logger   *slog.Logger
}

func NewReaper(client *Client, live LiveSessions, observer metrics.Observer, logger *slog.Logger) *Reaper {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Reaper{
		client:   client,
		live:     live,
		observer: observer,
		logger:   logging.NewComponentLogger(logger, "ledger_reaper"),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.client.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep releases one batch of stale reservations and returns how many it repaired.
func (r *Reaper) Sweep(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cutoff := r.client.now().Add(-r.client.cfg.StaleAfter)
	stale, err := r.client.store.StaleReservations(sweepCtx, cutoff, r.client.cfg.ReapBatch)
	if err != nil {
		r.logger.Warn("ledger_reap_failed", "error", err.Error())
		return 0
	}
	repaired := 0
	for _, res := range stale {
		if r.live != nil && r.live.IsLive(res.SessionID) {
			h := Handle{ID: res.ID, CustomerID: res.CustomerID, SessionID: res.SessionID, Held: res.Held}
			if err := r.client.Touch(sweepCtx, h); err != nil && !errors.Is(err, ErrAlreadySettled) {
				r.logger.Warn("ledger_touch_failed", "reservation_id", res.ID, "error", err.Error())
			}
			continue
		}
		// another instance may have touched it since the listing
		_, err := r.client.settleIf(sweepCtx, res.CustomerID, res.ID, func(cur Reservation) error {
			if !cur.UpdatedAt.Before(cutoff) {
				return errFresh
			}
			return nil
		}, releaseAll)
		if err != nil {
			if !errors.Is(err, ErrAlreadySettled) && !errors.Is(err, errFresh) {
				r.logger.Warn("ledger_reap_release_failed", "reservation_id", res.ID, "error", err.Error())
			}
			continue
		}
		repaired++
		r.logger.Warn("ledger_inconsistency",
			"reservation_id", res.ID, "customer_id", res.CustomerID, "session_id", res.SessionID,
			"held", res.Held, "last_seen", res.UpdatedAt,
			"reason_code", string(errorsx.ReasonLedgerInconsistency))
		r.observer.RecordEvent(metrics.NewEvent(metrics.EventReservationReap, float64(res.Held),
			map[string]string{"customer_id": res.CustomerID}))
	}
	return repaired
}
