package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/metadata"
)

type fakeSessions struct {
	snaps    map[string]callsession.Snapshot
	draining bool
}

func (f *fakeSessions) Get(id string) (callsession.Snapshot, bool) {
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeSessions) List() []callsession.Snapshot {
	var out []callsession.Snapshot
	for _, s := range f.snaps {
		if !s.State.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSessions) Live() int64    { return int64(len(f.List())) }
func (f *fakeSessions) Draining() bool { return f.draining }

type fakeDialer struct {
	to, from string
	dispatch metadata.Dispatch
	err      error
	calls    int
}

func (f *fakeDialer) Dial(_ context.Context, to, from string, d metadata.Dispatch) (string, error) {
	f.calls++
	f.to, f.from, f.dispatch = to, from, d
	if f.err != nil {
		return "", f.err
	}
	return "CA-out", nil
}

func newTestHandler(sessions *fakeSessions, dialer *fakeDialer) *Handler {
	return NewHandler(sessions, dialer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func postDispatch(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/dispatches", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.CreateDispatch(e.NewContext(req, rec)))
	return rec
}

func TestCreateDispatchDialsWithMetadata(t *testing.T) {
	dialer := &fakeDialer{}
	h := newTestHandler(&fakeSessions{}, dialer)

	rec := postDispatch(t, h, `{"to":"+15551234567","chatbot_id":"4207","customer_id":"1492",
		"metadata":{"voice":"alloy","userSessionId":"us-1","campaign":"spring"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp DispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CA-out", resp.CallSID)
	assert.NotEmpty(t, resp.DispatchID)

	assert.Equal(t, "+15551234567", dialer.to)
	assert.Empty(t, dialer.from)
	assert.Equal(t, "4207", dialer.dispatch.ChatbotID)
	assert.Equal(t, "1492", dialer.dispatch.CustomerID)
	assert.Equal(t, "alloy", dialer.dispatch.Voice)
	assert.Equal(t, "us-1", dialer.dispatch.UserSessionID)
	assert.Equal(t, resp.DispatchID, dialer.dispatch.ConversationID)
	assert.Equal(t, "spring", dialer.dispatch.Extra["campaign"])
	assert.Equal(t, resp.DispatchID, dialer.dispatch.Extra["dispatch_id"])
}

func TestCreateDispatchValidation(t *testing.T) {
	cases := map[string]string{
		"bad json":      `{"to":`,
		"missing to":    `{"chatbot_id":"4207"}`,
		"local number":  `{"to":"5551234567","chatbot_id":"4207"}`,
		"bad from":      `{"to":"+15551234567","from":"abc","chatbot_id":"4207"}`,
		"missing agent": `{"to":"+15551234567"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dialer := &fakeDialer{}
			rec := postDispatch(t, newTestHandler(&fakeSessions{}, dialer), body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, dialer.calls)
		})
	}
}

func TestCreateDispatchDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("twilio down")}
	rec := postDispatch(t, newTestHandler(&fakeSessions{}, dialer), `{"to":"+15551234567","chatbot_id":"4207"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "twilio down")
}

func TestCreateDispatchRefusedWhileDraining(t *testing.T) {
	dialer := &fakeDialer{}
	rec := postDispatch(t, newTestHandler(&fakeSessions{draining: true}, dialer), `{"to":"+15551234567","chatbot_id":"4207"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, dialer.calls)
}

func TestSessionRoutes(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sessions := &fakeSessions{snaps: map[string]callsession.Snapshot{
		"CA1": {ID: "CA1", State: callsession.StateActive, Direction: callsession.DirectionInbound, StartedAt: started},
		"CA2": {ID: "CA2", State: callsession.StateEnded, Direction: callsession.DirectionOutbound, StartedAt: started},
	}}
	e := echo.New()
	newTestHandler(sessions, &fakeDialer{}).RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/CA1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "ACTIVE", snap["state"])
	assert.Equal(t, "inbound", snap["direction"])

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []map[string]any `json:"sessions"`
		Live     int64            `json:"live"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "CA1", list.Sessions[0]["id"])
	assert.Equal(t, int64(1), list.Live)
}

func TestHealthReportsDraining(t *testing.T) {
	sessions := &fakeSessions{}
	e := echo.New()
	newTestHandler(sessions, &fakeDialer{}).RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	sessions.draining = true
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMountServesWebhookPaths(t *testing.T) {
	e := echo.New()
	hits := 0
	Mount(e, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	}), []string{"/voice", "", "/status"})

	for _, path := range []string{"/voice", "/status"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
	}
	assert.Equal(t, 2, hits)
}

func TestValidPhone(t *testing.T) {
	assert.True(t, ValidPhone("+15551234567"))
	assert.True(t, ValidPhone("+6281234567"))
	assert.False(t, ValidPhone("15551234567"))
	assert.False(t, ValidPhone("+0551234567"))
	assert.False(t, ValidPhone("+1555"))
}
