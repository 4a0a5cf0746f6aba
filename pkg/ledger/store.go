package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientCredit  = errors.New("ledger: insufficient credit")
	ErrAlreadySettled      = errors.New("ledger: reservation already settled")
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	ErrCustomerNotFound    = errors.New("ledger: customer not found")
)

type ReservationStatus string

const (
	StatusHeld      ReservationStatus = "held"
	StatusCommitted ReservationStatus = "committed"
	StatusReleased  ReservationStatus = "released"
)

// Reservation is the persisted form of a hold on a customer's balance.
type Reservation struct {
	ID         string
	CustomerID string
	SessionID  string
	Held       int64
	Charged    int64
	Status     ReservationStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the persistence port. Implementations must run fn in a single transaction and
// must serialize concurrent transactions touching the same customer balance.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error)
}

type Tx interface {
	// Balance returns the spendable balance and locks the customer row until the transaction ends.
	Balance(ctx context.Context, customerID string) (int64, error)
	AdjustBalance(ctx context.Context, customerID string, delta, spentDelta int64) error
	InsertReservation(ctx context.Context, r Reservation) error
	Reservation(ctx context.Context, id string) (Reservation, error)
	// UpdateReservation writes r only if the stored status still equals from; otherwise it
	// returns ErrAlreadySettled.
	UpdateReservation(ctx context.Context, r Reservation, from ReservationStatus) error
}
