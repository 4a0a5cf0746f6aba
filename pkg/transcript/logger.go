// Package transcript is the append-only audit trail of every call. Records are fanned out
// asynchronously to sinks so a slow database or broker never stalls a conversation.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/redact"
)

var ErrClosed = errors.New("transcript: logger closed")

// Sink persists records. Write is called from a single goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	Close() error
}

type Config struct {
	Buffer       int           `mapstructure:"buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Logger owns the queue and the sink goroutine. Lines and events are dropped when the
// queue is full; Final records wait for room.
type Logger struct {
	cfg     Config
	sinks   []Sink
	logger  *slog.Logger
	ch      chan Record
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func New(cfg Config, sinks []Sink, logger *slog.Logger) *Logger {
	cfg = cfg.withDefaults()
	l := &Logger{
		cfg:    cfg,
		sinks:  sinks,
		logger: logging.NewComponentLogger(logger, "transcript"),
		ch:     make(chan Record, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go l.loop()
	return l
}

// Dropped counts lines and events lost to a full queue.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close stops accepting records, drains the queue and closes every sink.
func (l *Logger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
	})
	<-l.done
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Logger) offer(rec Record) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- rec:
	default:
		l.dropped.Add(1)
		l.logger.Warn("transcript_dropped", "session_id", rec.SessionID, "kind", string(rec.Kind))
	}
}

func (l *Logger) put(ctx context.Context, rec Record) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) loop() {
	defer close(l.done)
	for rec := range l.ch {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
			if err := s.Write(ctx, rec); err != nil {
				l.logger.Warn("transcript_sink_failed",
					"sink", s.Name(), "session_id", rec.SessionID, "kind", string(rec.Kind), "error", err.Error())
			}
			cancel()
		}
	}
}

// SessionInfo identifies the call a Session writes for.
type SessionInfo struct {
	SessionID      string
	ConversationID string
	CustomerID     string
	UserSessionID  string
}

// Session writes the transcript of one call.
type Session struct {
	l         *Logger
	info      SessionInfo
	finalized atomic.Bool
	now       func() time.Time
}

func (l *Logger) Session(info SessionInfo) *Session {
	if info.ConversationID == "" {
		info.ConversationID = info.SessionID
	}
	return &Session{l: l, info: info, now: time.Now}
}

// User records a caller utterance. Caller turns count as questions.
func (s *Session) User(text string) {
	s.line(RoleUser, text, 0, ChatNormal)
}

// Assistant records what the agent said and what the turn cost.
func (s *Session) Assistant(text string, credits int64) {
	s.line(RoleAssistant, text, credits, ChatNormal)
}

// System records an announcement or other non-conversational message.
func (s *Session) System(text string) {
	s.line(RoleSystem, text, 0, ChatSystem)
}

func (s *Session) Error(text string) {
	s.line(RoleSystem, text, 0, ChatError)
}

func (s *Session) line(role Role, text string, credits int64, kind ChatType) {
	text = strings.TrimSpace(text)
	if text == "" || s.finalized.Load() {
		return
	}
	text = redact.Text(text)
	s.l.offer(Record{Kind: KindLine, SessionID: s.info.SessionID, Line: &Line{
		SessionID:      s.info.SessionID,
		ConversationID: s.info.ConversationID,
		CustomerID:     s.info.CustomerID,
		UserSessionID:  s.info.UserSessionID,
		Role:           role,
		Chat:           text,
		CharacterCount: utf8.RuneCountInString(text),
		Credits:        credits,
		IsQuestion:     role == RoleUser,
		ChatType:       kind,
		CreatedAt:      s.now(),
	}})
}

// Event records a lifecycle entry.
func (s *Session) Event(ev Event) {
	if s.finalized.Load() {
		return
	}
	ev.SessionID = s.info.SessionID
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.l.offer(Record{Kind: KindEvent, SessionID: s.info.SessionID, Event: &ev})
}

// Finalize queues the closing record. Only the first call writes; later calls return
// false without touching the sinks.
func (s *Session) Finalize(ctx context.Context, f Final) (bool, error) {
	if !s.finalized.CompareAndSwap(false, true) {
		return false, nil
	}
	f.SessionID = s.info.SessionID
	if f.ConversationID == "" {
		f.ConversationID = s.info.ConversationID
	}
	if f.CustomerID == "" {
		f.CustomerID = s.info.CustomerID
	}
	if f.EndedAt.IsZero() {
		f.EndedAt = s.now()
	}
	return true, s.l.put(ctx, Record{Kind: KindFinal, SessionID: s.info.SessionID, Final: &f})
}
