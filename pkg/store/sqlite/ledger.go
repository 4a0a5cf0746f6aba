package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/ledger"
)

// WithTx runs fn in one transaction. File databases begin transactions IMMEDIATE, so
// writers are serialized for the whole of fn; in-memory databases have one connection.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("begin: %w", err), errorsx.ReasonStoreUnreachable)
	}
	if err := fn(&tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errorsx.Wrap(fmt.Errorf("commit: %w", err), errorsx.ReasonStoreUnreachable)
	}
	return nil
}

func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Reservation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, session_id, held, charged, status, created_at, updated_at
		 FROM reservations WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at LIMIT ?`,
		string(ledger.StatusHeld), cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Balance returns a customer's spendable balance.
func (s *Store) Balance(ctx context.Context, customerID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM customers WHERE id = ?`, customerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrCustomerNotFound
	}
	return balance, err
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Balance(ctx context.Context, customerID string) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx, `SELECT balance FROM customers WHERE id = ?`, customerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrCustomerNotFound
	}
	return balance, err
}

func (t *tx) AdjustBalance(ctx context.Context, customerID string, delta, spentDelta int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE customers SET balance = balance + ?, spent = spent + ? WHERE id = ?`,
		delta, spentDelta, customerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, r ledger.Reservation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO reservations (id, customer_id, session_id, held, charged, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CustomerID, r.SessionID, r.Held, r.Charged, string(r.Status), r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	return err
}

func (t *tx) Reservation(ctx context.Context, id string) (ledger.Reservation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, customer_id, session_id, held, charged, status, created_at, updated_at
		 FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, err
}

func (t *tx) UpdateReservation(ctx context.Context, r ledger.Reservation, from ledger.ReservationStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE reservations SET held = ?, charged = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		r.Held, r.Charged, string(r.Status), r.UpdatedAt.UTC(), r.ID, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.Reservation(ctx, r.ID); err != nil {
			return err
		}
		return ledger.ErrAlreadySettled
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (ledger.Reservation, error) {
	var r ledger.Reservation
	var status string
	if err := row.Scan(&r.ID, &r.CustomerID, &r.SessionID, &r.Held, &r.Charged, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return ledger.Reservation{}, err
	}
	r.Status = ledger.ReservationStatus(status)
	return r, nil
}
