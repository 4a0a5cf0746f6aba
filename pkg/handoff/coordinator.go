package handoff

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/harunnryd/callorch/pkg/redact"
)

var (
	ErrNoTarget = errors.New("handoff: no target configured")
	ErrDeclined = errors.New("handoff: agent declined")
	ErrTimeout  = errors.New("handoff: agent did not join in time")
)

// Bridge is the telephony side of a transfer. Dial rings the agent on a new leg tagged
// with the ticket ID, Bridge joins caller and agent, Cancel tears the leg down.
type Bridge interface {
	Dial(ctx context.Context, callSID, target, ticketID string) (legID string, err error)
	Bridge(ctx context.Context, callSID, legID string) error
	Cancel(ctx context.Context, legID string) error
}

type Config struct {
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func (c Config) WithDefaults() Config {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	return c
}

// LegEvent is what the telephony platform reports about the agent leg.
type LegEvent int

const (
	LegJoined LegEvent = iota + 1
	LegDeclined
)

// Coordinator runs transfer attempts. It is shared by every session.
type Coordinator struct {
	bridge   Bridge
	cfg      Config
	observer metrics.Observer
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]chan LegEvent
}

func NewCoordinator(bridge Bridge, cfg Config, observer metrics.Observer, logger *slog.Logger) *Coordinator {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Coordinator{
		bridge:   bridge,
		cfg:      cfg.WithDefaults(),
		observer: observer,
		logger:   logging.NewComponentLogger(logger, "handoff"),
		pending:  make(map[string]chan LegEvent),
	}
}

func (c *Coordinator) Config() Config { return c.cfg }

// Initiate dials target and waits for the agent. The returned ticket is always terminal:
// bridged when the agent joined and the caller was moved, reverted otherwise. The caller's
// AI stream is never touched by a failed attempt.
func (c *Coordinator) Initiate(ctx context.Context, callSID, target string, attempt int) *Ticket {
	t := newTicket(callSID, target, attempt)
	if target == "" {
		c.fail(t, ErrNoTarget)
		return t
	}
	events := make(chan LegEvent, 1)
	c.mu.Lock()
	c.pending[t.ID] = events
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, t.ID)
		c.mu.Unlock()
	}()

	c.logger.Info("handoff_requested", "call_id", callSID, "ticket_id", t.ID,
		"target", redact.Phone(target), "attempt", attempt)

	legID, err := c.bridge.Dial(ctx, callSID, target, t.ID)
	if err != nil {
		c.fail(t, err)
		return t
	}
	t.LegID = legID
	t.move(StatusBridging, "")

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case ev := <-events:
		if ev == LegDeclined {
			c.fail(t, ErrDeclined)
			return t
		}
	case <-timer.C:
		c.fail(t, errorsx.Wrap(ErrTimeout, errorsx.ReasonHandoffTimeout))
		return t
	case <-ctx.Done():
		c.fail(t, ctx.Err())
		return t
	}

	if err := c.bridge.Bridge(ctx, callSID, legID); err != nil {
		c.fail(t, err)
		return t
	}
	t.move(StatusBridged, "")
	c.record(t, "bridged")
	c.logger.Info("handoff_bridged", "call_id", callSID, "ticket_id", t.ID, "leg_id", legID)
	return t
}

// Notify delivers a leg status for a ticket. Unknown or finished tickets are ignored.
func (c *Coordinator) Notify(ticketID string, ev LegEvent) bool {
	c.mu.Lock()
	ch, ok := c.pending[ticketID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func (c *Coordinator) fail(t *Ticket, cause error) {
	t.move(StatusFailed, cause.Error())
	if t.LegID != "" {
		// the session context may already be gone; the cancel gets its own bounded one
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.GracePeriod)
		if err := c.bridge.Cancel(ctx, t.LegID); err != nil {
			c.logger.Warn("handoff_cancel_failed", "call_id", t.SessionID, "leg_id", t.LegID, "error", err.Error())
		}
		cancel()
	}
	t.move(StatusReverted, "")
	c.record(t, "reverted")
	c.logger.Warn("handoff_reverted", "call_id", t.SessionID, "ticket_id", t.ID,
		"reason_code", string(errorsx.Reason(cause)), "error", cause.Error())
}

func (c *Coordinator) record(t *Ticket, outcome string) {
	c.observer.RecordEvent(metrics.NewEvent(metrics.EventHandoff, float64(t.Duration().Milliseconds()), map[string]string{
		"call_sid": t.SessionID,
		"outcome":  outcome,
		"attempt":  strconv.Itoa(t.Attempt),
	}))
}
