package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/logging"
)

type Config struct {
	UnitCost        int64         `mapstructure:"unit_cost"`
	TokensPerCredit int           `mapstructure:"tokens_per_credit"`
	MinimumCredits  int64         `mapstructure:"minimum_credits"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	ReapBatch       int           `mapstructure:"reap_batch"`
}

func (c Config) WithDefaults() Config {
	if c.UnitCost <= 0 {
		c.UnitCost = DefaultMinimumCredits
	}
	if c.TokensPerCredit <= 0 {
		c.TokensPerCredit = DefaultTokensPerCredit
	}
	if c.MinimumCredits <= 0 {
		c.MinimumCredits = DefaultMinimumCredits
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = 100
	}
	return c
}

// Handle identifies a held reservation. It is a value; the store is the source of truth.
type Handle struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	SessionID  string `json:"session_id"`
	Held       int64  `json:"held"`
}

// Settlement reports how a reservation was closed.
type Settlement struct {
	ReservationID string
	Status        ReservationStatus
	Charged       int64
	Refunded      int64
}

// Client runs the two-phase reserve then commit/release protocol. Operations for one
// customer are serialized in process; the store serializes across processes.
type Client struct {
	store  Store
	cfg    Config
	locks  *customerLocks
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(store Store, cfg Config, logger *slog.Logger) *Client {
	return &Client{
		store:  store,
		cfg:    cfg.WithDefaults(),
		locks:  newCustomerLocks(),
		logger: logging.NewComponentLogger(logger, "ledger"),
		now:    time.Now,
	}
}

func (c *Client) Config() Config { return c.cfg }

// Reserve holds units against the customer's balance or fails with ErrInsufficientCredit.
func (c *Client) Reserve(ctx context.Context, customerID, sessionID string, units int64) (Handle, error) {
	if units <= 0 {
		units = c.cfg.UnitCost
	}
	unlock := c.locks.lock(customerID)
	defer unlock()

	h := Handle{ID: uuid.NewString(), CustomerID: customerID, SessionID: sessionID, Held: units}
	var available int64
	err := c.store.WithTx(ctx, func(tx Tx) error {
		bal, err := tx.Balance(ctx, customerID)
		if err != nil {
			return err
		}
		available = bal
		if bal < units {
			return ErrInsufficientCredit
		}
		if err := tx.AdjustBalance(ctx, customerID, -units, 0); err != nil {
			return err
		}
		now := c.now()
		return tx.InsertReservation(ctx, Reservation{
			ID:         h.ID,
			CustomerID: customerID,
			SessionID:  sessionID,
			Held:       units,
			Status:     StatusHeld,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	switch {
	case errors.Is(err, ErrInsufficientCredit), errors.Is(err, ErrCustomerNotFound):
		c.logger.Info("ledger_reserve_denied",
			"customer_id", customerID, "session_id", sessionID, "units", units, "available", available,
			"reason_code", string(errorsx.ReasonInsufficientCredit))
		return Handle{}, errorsx.Wrap(fmt.Errorf("reserve %d for %s: %w", units, customerID, ErrInsufficientCredit), errorsx.ReasonInsufficientCredit)
	case err != nil:
		return Handle{}, fmt.Errorf("reserve: %w", err)
	}
	c.logger.Info("ledger_reserved", "customer_id", customerID, "session_id", sessionID, "reservation_id", h.ID, "units", units)
	return h, nil
}

// Extend grows a held reservation by units, subject to the same balance check as Reserve.
func (c *Client) Extend(ctx context.Context, h Handle, units int64) (Handle, error) {
	if units <= 0 {
		units = c.cfg.UnitCost
	}
	unlock := c.locks.lock(h.CustomerID)
	defer unlock()

	var held int64
	err := c.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.Reservation(ctx, h.ID)
		if err != nil {
			return err
		}
		if r.Status != StatusHeld {
			return ErrAlreadySettled
		}
		bal, err := tx.Balance(ctx, h.CustomerID)
		if err != nil {
			return err
		}
		if bal < units {
			return ErrInsufficientCredit
		}
		if err := tx.AdjustBalance(ctx, h.CustomerID, -units, 0); err != nil {
			return err
		}
		r.Held += units
		r.UpdatedAt = c.now()
		held = r.Held
		return tx.UpdateReservation(ctx, r, StatusHeld)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			err = errorsx.Wrap(err, errorsx.ReasonCreditExhausted)
		}
		return h, fmt.Errorf("extend %s: %w", h.ID, err)
	}
	h.Held = held
	c.logger.Debug("ledger_extended", "reservation_id", h.ID, "customer_id", h.CustomerID, "held", held)
	return h, nil
}

// Commit charges min(actual, held) and refunds the remainder of the hold.
func (c *Client) Commit(ctx context.Context, h Handle, actual int64) (Settlement, error) {
	if actual < 0 {
		actual = 0
	}
	return c.settle(ctx, h.CustomerID, h.ID, func(r *Reservation) Settlement {
		charge := actual
		if charge > r.Held {
			c.logger.Warn("ledger_commit_capped", "reservation_id", r.ID, "actual", actual, "held", r.Held)
			charge = r.Held
		}
		r.Status = StatusCommitted
		r.Charged = charge
		return Settlement{ReservationID: r.ID, Status: StatusCommitted, Charged: charge, Refunded: r.Held - charge}
	})
}

// Release returns exactly the held amount to the customer.
func (c *Client) Release(ctx context.Context, h Handle) (Settlement, error) {
	return c.settle(ctx, h.CustomerID, h.ID, releaseAll)
}

func releaseAll(r *Reservation) Settlement {
	r.Status = StatusReleased
	return Settlement{ReservationID: r.ID, Status: StatusReleased, Refunded: r.Held}
}

func (c *Client) settle(ctx context.Context, customerID, id string, decide func(*Reservation) Settlement) (Settlement, error) {
	return c.settleIf(ctx, customerID, id, nil, decide)
}

// settleIf settles like settle, but only when check accepts the reservation as read inside
// the transaction.
func (c *Client) settleIf(ctx context.Context, customerID, id string, check func(Reservation) error, decide func(*Reservation) Settlement) (Settlement, error) {
	unlock := c.locks.lock(customerID)
	defer unlock()

	var out Settlement
	err := c.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.Reservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusHeld {
			return ErrAlreadySettled
		}
		if check != nil {
			if err := check(r); err != nil {
				return err
			}
		}
		out = decide(&r)
		r.UpdatedAt = c.now()
		if err := tx.UpdateReservation(ctx, r, StatusHeld); err != nil {
			return err
		}
		return tx.AdjustBalance(ctx, r.CustomerID, out.Refunded, out.Charged)
	})
	if err != nil {
		return Settlement{}, fmt.Errorf("settle %s: %w", id, err)
	}
	c.logger.Info("ledger_settled",
		"reservation_id", id, "customer_id", customerID, "status", string(out.Status),
		"charged", out.Charged, "refunded", out.Refunded)
	return out, nil
}

// Touch refreshes the reservation's heartbeat so the reaper leaves it alone.
func (c *Client) Touch(ctx context.Context, h Handle) error {
	unlock := c.locks.lock(h.CustomerID)
	defer unlock()
	return c.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.Reservation(ctx, h.ID)
		if err != nil {
			return err
		}
		if r.Status != StatusHeld {
			return ErrAlreadySettled
		}
		r.UpdatedAt = c.now()
		return tx.UpdateReservation(ctx, r, StatusHeld)
	})
}

// Credits prices a token count with the configured rate.
func (c *Client) Credits(tokens int) int64 {
	return CreditsForTokens(tokens, c.cfg.TokensPerCredit, c.cfg.MinimumCredits)
}
