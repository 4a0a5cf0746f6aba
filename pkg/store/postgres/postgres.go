// Package postgres implements the persistence ports on the application database. The
// schema is owned by the application's migrations; this package only reads and writes it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/ledger"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/transcript"
)

var (
	_ ledger.Store     = (*Store)(nil)
	_ metadata.Store   = (*Store)(nil)
	_ transcript.Store = (*Store)(nil)
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool and verifies the database answers.
func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("connect to postgres: %w", err), errorsx.ReasonStoreUnreachable)
	}
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errorsx.Wrap(fmt.Errorf("ping postgres: %w", err), errorsx.ReasonStoreUnreachable)
	}
	return nil
}

const chatbotColumns = `id, customer_id, environment, llm_name, voice, namespace, index_name,
	custom_prompt, handoff_target, llm_providers, tts_providers, stt_providers, unit_cost, updated_at`

func (s *Store) ChatbotByID(ctx context.Context, id string) (metadata.Chatbot, error) {
	return scanChatbot(s.pool.QueryRow(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE id = $1`, id))
}

func (s *Store) ChatbotByTrunk(ctx context.Context, trunkNumber string) (metadata.Chatbot, error) {
	return scanChatbot(s.pool.QueryRow(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE trunk_number = $1`, trunkNumber))
}

func scanChatbot(row pgx.Row) (metadata.Chatbot, error) {
	var bot metadata.Chatbot
	err := row.Scan(&bot.ID, &bot.CustomerID, &bot.Environment, &bot.LLMName, &bot.Voice,
		&bot.Namespace, &bot.IndexName, &bot.CustomPrompt, &bot.HandoffTarget,
		&bot.LLMProviders, &bot.TTSProviders, &bot.STTProviders, &bot.UnitCost, &bot.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return metadata.Chatbot{}, metadata.ErrNotFound
	}
	if err != nil {
		return metadata.Chatbot{}, errorsx.Wrap(fmt.Errorf("scan chatbot: %w", err), errorsx.ReasonStoreUnreachable)
	}
	return bot, nil
}

func (s *Store) MCPServerURLs(ctx context.Context, customerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM mcp_servers WHERE customer_id = $1 ORDER BY url`, customerID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) RealtimeInfo(ctx context.Context, customerID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM realtime_info WHERE customer_id = $1`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) UpsertRealtimeInfo(ctx context.Context, customerID, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO realtime_info (customer_id, key, value, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (customer_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		customerID, key, value)
	return err
}

func (s *Store) AppendTranscript(ctx context.Context, line transcript.Line) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcripts (session_id, conversation_id, customer_id, user_session_id, role, chat,
			character_count, credits, is_question, chat_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		line.SessionID, line.ConversationID, line.CustomerID, line.UserSessionID, string(line.Role),
		line.Chat, line.CharacterCount, line.Credits, line.IsQuestion, string(line.ChatType), line.CreatedAt)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev transcript.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (session_id, name, from_state, to_state, reason, detail, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.SessionID, ev.Name, ev.From, ev.To, ev.Reason, ev.Detail, ev.Time)
	return err
}

func (s *Store) FinalizeSession(ctx context.Context, f transcript.Final) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, conversation_id, customer_id, chatbot_id, direction, state,
			reason, reservation_id, credits_charged, credits_refunded, tokens, turns, handoff_attempts,
			started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (session_id) DO NOTHING`,
		f.SessionID, f.ConversationID, f.CustomerID, f.ChatbotID, f.Direction, f.State, f.Reason,
		f.ReservationID, f.CreditsCharged, f.CreditsRefunded, f.Tokens, f.Turns, f.HandoffAttempts,
		f.StartedAt, f.EndedAt)
	return err
}

// WithTx runs fn in one transaction. Balance reads lock the customer row, so concurrent
// reservations for one customer queue behind each other across processes.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("begin: %w", err), errorsx.ReasonStoreUnreachable)
	}
	if err := fn(&tx{tx: pgTx}); err != nil {
		_ = pgTx.Rollback(ctx)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return errorsx.Wrap(fmt.Errorf("commit: %w", err), errorsx.ReasonStoreUnreachable)
	}
	return nil
}

func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Reservation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_id, session_id, held, charged, status, created_at, updated_at
		 FROM credit_reservations WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at LIMIT $3`,
		string(ledger.StatusHeld), cutoff, limit)
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

type tx struct {
	tx pgx.Tx
}

func (t *tx) Balance(ctx context.Context, customerID string) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx, `SELECT credits FROM customers WHERE id = $1 FOR UPDATE`, customerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrCustomerNotFound
	}
	return balance, err
}

func (t *tx) AdjustBalance(ctx context.Context, customerID string, delta, spentDelta int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE customers SET credits = credits + $1, credits_spent = credits_spent + $2 WHERE id = $3`,
		delta, spentDelta, customerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, r ledger.Reservation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO credit_reservations (id, customer_id, session_id, held, charged, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.CustomerID, r.SessionID, r.Held, r.Charged, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *tx) Reservation(ctx context.Context, id string) (ledger.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx,
		`SELECT id, customer_id, session_id, held, charged, status, created_at, updated_at
		 FROM credit_reservations WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, err
}

func (t *tx) UpdateReservation(ctx context.Context, r ledger.Reservation, from ledger.ReservationStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE credit_reservations SET held = $1, charged = $2, status = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		r.Held, r.Charged, string(r.Status), r.UpdatedAt, r.ID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := t.Reservation(ctx, r.ID); err != nil {
			return err
		}
		return ledger.ErrAlreadySettled
	}
	return nil
}

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var r ledger.Reservation
	var status string
	if err := row.Scan(&r.ID, &r.CustomerID, &r.SessionID, &r.Held, &r.Charged, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return ledger.Reservation{}, err
	}
	r.Status = ledger.ReservationStatus(status)
	return r, nil
}
