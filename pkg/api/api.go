// Package api provides the operator HTTP surface: outbound dispatches, session views and
// health, served by echo next to the Twilio webhooks.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/transports"
)

// Sessions is the read side of the call registry.
type Sessions interface {
	Get(callSID string) (callsession.Snapshot, bool)
	List() []callsession.Snapshot
	Live() int64
	Draining() bool
}

type Handler struct {
	sessions    Sessions
	dialer      transports.OutboundDialer
	dialTimeout time.Duration
	logger      *slog.Logger
}

func NewHandler(sessions Sessions, dialer transports.OutboundDialer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:    sessions,
		dialer:      dialer,
		dialTimeout: 10 * time.Second,
		logger:      logger,
	}
}

// RegisterRoutes registers the operator routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/dispatches", h.CreateDispatch)
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:call_id", h.GetSession)
	e.GET("/health", h.Health)
}

// Mount serves handler on each of paths, so the Twilio webhooks share the echo listener.
func Mount(e *echo.Echo, handler http.Handler, paths []string) {
	wrapped := echo.WrapHandler(handler)
	for _, p := range paths {
		if p == "" {
			continue
		}
		e.Any(p, wrapped)
	}
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ValidPhone reports whether number is in E.164 form.
func ValidPhone(number string) bool {
	return e164.MatchString(number)
}

type DispatchRequest struct {
	To         string            `json:"to"`
	From       string            `json:"from,omitempty"`
	ChatbotID  string            `json:"chatbot_id"`
	CustomerID string            `json:"customer_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type DispatchResponse struct {
	DispatchID string `json:"dispatch_id"`
	CallSID    string `json:"call_sid"`
}

// BuildDispatch turns a dispatch request into the metadata carried by the outbound ring.
// Well-known metadata keys map onto the dispatch fields; the rest ride along as extras.
func BuildDispatch(dispatchID string, req DispatchRequest) metadata.Dispatch {
	d := metadata.Dispatch{
		ChatbotID:      req.ChatbotID,
		CustomerID:     req.CustomerID,
		ConversationID: dispatchID,
		Extra:          map[string]string{"dispatch_id": dispatchID},
	}
	for k, v := range req.Metadata {
		switch k {
		case "conversationId":
			d.ConversationID = v
		case "userSessionId":
			d.UserSessionID = v
		case "environment":
			d.Environment = v
		case "llmName":
			d.LLMName = v
		case "voice":
			d.Voice = v
		case "namespace":
			d.Namespace = v
		case "indexName":
			d.IndexName = v
		case "customPrompt":
			d.CustomPrompt = v
		case "handoffTarget":
			d.HandoffTarget = v
		default:
			d.Extra[k] = v
		}
	}
	return d
}

// CreateDispatch places an outbound call for a chatbot.
func (h *Handler) CreateDispatch(c echo.Context) error {
	if h.sessions.Draining() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "draining"})
	}
	var req DispatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.To = strings.TrimSpace(req.To)
	req.From = strings.TrimSpace(req.From)
	if !ValidPhone(req.To) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "to must be an E.164 number"})
	}
	if req.From != "" && !ValidPhone(req.From) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "from must be an E.164 number"})
	}
	if strings.TrimSpace(req.ChatbotID) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "chatbot_id is required"})
	}

	dispatchID := uuid.NewString()
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.dialTimeout)
	defer cancel()
	callSID, err := h.dialer.Dial(ctx, req.To, req.From, BuildDispatch(dispatchID, req))
	if err != nil {
		h.logger.Error("dispatch_dial_failed", "dispatch_id", dispatchID, "chatbot_id", req.ChatbotID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "dial failed"})
	}
	h.logger.Info("dispatch_created", "dispatch_id", dispatchID, "call_sid", callSID, "chatbot_id", req.ChatbotID)
	return c.JSON(http.StatusCreated, DispatchResponse{DispatchID: dispatchID, CallSID: callSID})
}

func (h *Handler) GetSession(c echo.Context) error {
	snap, ok := h.sessions.Get(c.Param("call_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, snap)
}

// ListSessions returns the sessions that have not reached a terminal state.
func (h *Handler) ListSessions(c echo.Context) error {
	live := h.sessions.List()
	if live == nil {
		live = []callsession.Snapshot{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": live, "live": h.sessions.Live()})
}

func (h *Handler) Health(c echo.Context) error {
	if h.sessions.Draining() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "draining", "live": h.sessions.Live()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "live": h.sessions.Live()})
}
