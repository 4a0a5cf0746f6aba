// Package sqlite is an embedded implementation of every persistence port, used for local
// development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

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
	db *sql.DB
}

// Open opens dsn and creates missing tables. In-memory databases are pinned to one
// connection so every caller sees the same data.
func Open(dsn string) (*Store, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory && !strings.Contains(dsn, "_txlock=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// NewTestStore returns an empty in-memory store closed at the end of the test.
func NewTestStore(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (s *Store) migrate() error {
	for _, m := range schema {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStoreUnreachable)
	}
	return nil
}

// PutCustomer creates or replaces a customer's balance.
func (s *Store) PutCustomer(ctx context.Context, customerID string, balance int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, balance, spent) VALUES (?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET balance = excluded.balance`,
		customerID, balance)
	return err
}

// PutChatbot creates or replaces a chatbot and the trunk number that reaches it.
func (s *Store) PutChatbot(ctx context.Context, bot metadata.Chatbot, trunkNumber string) error {
	if bot.UpdatedAt.IsZero() {
		bot.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chatbots (id, customer_id, trunk_number, environment, llm_name, voice, namespace,
			index_name, custom_prompt, handoff_target, llm_providers, tts_providers, stt_providers,
			unit_cost, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET customer_id = excluded.customer_id,
			trunk_number = excluded.trunk_number, environment = excluded.environment,
			llm_name = excluded.llm_name, voice = excluded.voice, namespace = excluded.namespace,
			index_name = excluded.index_name, custom_prompt = excluded.custom_prompt,
			handoff_target = excluded.handoff_target, llm_providers = excluded.llm_providers,
			tts_providers = excluded.tts_providers, stt_providers = excluded.stt_providers,
			unit_cost = excluded.unit_cost, updated_at = excluded.updated_at`,
		bot.ID, bot.CustomerID, nullString(trunkNumber), bot.Environment, bot.LLMName, bot.Voice,
		bot.Namespace, bot.IndexName, bot.CustomPrompt, bot.HandoffTarget,
		encodeList(bot.LLMProviders), encodeList(bot.TTSProviders), encodeList(bot.STTProviders),
		bot.UnitCost, bot.UpdatedAt)
	return err
}

func (s *Store) AddMCPServer(ctx context.Context, customerID, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mcp_servers (customer_id, url) VALUES (?, ?)`, customerID, url)
	return err
}

const chatbotColumns = `id, customer_id, environment, llm_name, voice, namespace, index_name,
	custom_prompt, handoff_target, llm_providers, tts_providers, stt_providers, unit_cost, updated_at`

func (s *Store) ChatbotByID(ctx context.Context, id string) (metadata.Chatbot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE id = ?`, id)
	return scanChatbot(row)
}

func (s *Store) ChatbotByTrunk(ctx context.Context, trunkNumber string) (metadata.Chatbot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE trunk_number = ?`, trunkNumber)
	return scanChatbot(row)
}

func scanChatbot(row *sql.Row) (metadata.Chatbot, error) {
	var bot metadata.Chatbot
	var llm, tts, stt string
	err := row.Scan(&bot.ID, &bot.CustomerID, &bot.Environment, &bot.LLMName, &bot.Voice,
		&bot.Namespace, &bot.IndexName, &bot.CustomPrompt, &bot.HandoffTarget,
		&llm, &tts, &stt, &bot.UnitCost, &bot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.Chatbot{}, metadata.ErrNotFound
	}
	if err != nil {
		return metadata.Chatbot{}, errorsx.Wrap(fmt.Errorf("scan chatbot: %w", err), errorsx.ReasonStoreUnreachable)
	}
	bot.LLMProviders = decodeList(llm)
	bot.TTSProviders = decodeList(tts)
	bot.STTProviders = decodeList(stt)
	return bot, nil
}

func (s *Store) MCPServerURLs(ctx context.Context, customerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM mcp_servers WHERE customer_id = ? ORDER BY url`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) RealtimeInfo(ctx context.Context, customerID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM realtime_info WHERE customer_id = ?`, customerID)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO realtime_info (customer_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(customer_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		customerID, key, value, time.Now().UTC())
	return err
}

func (s *Store) AppendTranscript(ctx context.Context, line transcript.Line) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, conversation_id, customer_id, user_session_id, role, chat,
			character_count, credits, is_question, chat_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.SessionID, line.ConversationID, line.CustomerID, line.UserSessionID, string(line.Role),
		line.Chat, line.CharacterCount, line.Credits, line.IsQuestion, string(line.ChatType), line.CreatedAt)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev transcript.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, name, from_state, to_state, reason, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Name, ev.From, ev.To, ev.Reason, ev.Detail, ev.Time)
	return err
}

// FinalizeSession keeps the first final record written for a session.
func (s *Store) FinalizeSession(ctx context.Context, f transcript.Final) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, conversation_id, customer_id, chatbot_id, direction,
			state, reason, reservation_id, credits_charged, credits_refunded, tokens, turns,
			handoff_attempts, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, f.ConversationID, f.CustomerID, f.ChatbotID, f.Direction, f.State, f.Reason,
		f.ReservationID, f.CreditsCharged, f.CreditsRefunded, f.Tokens, f.Turns, f.HandoffAttempts,
		f.StartedAt, f.EndedAt)
	return err
}

// TranscriptLines returns a session's transcript in insertion order.
func (s *Store) TranscriptLines(ctx context.Context, sessionID string) ([]transcript.Line, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, conversation_id, customer_id, user_session_id, role, chat, character_count,
			credits, is_question, chat_type, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []transcript.Line
	for rows.Next() {
		var l transcript.Line
		var role, chatType string
		if err := rows.Scan(&l.SessionID, &l.ConversationID, &l.CustomerID, &l.UserSessionID, &role,
			&l.Chat, &l.CharacterCount, &l.Credits, &l.IsQuestion, &chatType, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Role, l.ChatType = transcript.Role(role), transcript.ChatType(chatType)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) FinalRecord(ctx context.Context, sessionID string) (transcript.Final, error) {
	var f transcript.Final
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, conversation_id, customer_id, chatbot_id, direction, state, reason,
			reservation_id, credits_charged, credits_refunded, tokens, turns, handoff_attempts,
			started_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&f.SessionID, &f.ConversationID, &f.CustomerID, &f.ChatbotID, &f.Direction, &f.State,
			&f.Reason, &f.ReservationID, &f.CreditsCharged, &f.CreditsRefunded, &f.Tokens, &f.Turns,
			&f.HandoffAttempts, &f.StartedAt, &f.EndedAt)
	return f, err
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
