package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mcpServer is an in-memory MCP server over the streamable HTTP transport.
type mcpServer struct {
	t       *testing.T
	tools   []mcpToolInfo
	sse     bool
	session string
	// pageSize splits tools/list across cursors when set.
	pageSize int

	mu       sync.Mutex
	calls    []map[string]any
	methods  []string
	sessions []string
	closed   bool
}

func (m *mcpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Method == http.MethodDelete {
		m.closed = r.Header.Get(mcpSessionHeader) == m.session
		w.WriteHeader(http.StatusOK)
		return
	}
	var req struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if !assert.NoError(m.t, json.NewDecoder(r.Body).Decode(&req)) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	assert.Contains(m.t, r.Header.Get("Accept"), "text/event-stream")
	m.methods = append(m.methods, req.Method)
	if req.Method != "initialize" {
		m.sessions = append(m.sessions, r.Header.Get(mcpSessionHeader))
	}
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		if m.session != "" {
			w.Header().Set(mcpSessionHeader, m.session)
		}
		result = map[string]any{"protocolVersion": mcpProtocolVersion, "capabilities": map[string]any{"tools": map[string]any{}}}
	case "tools/list":
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(req.Params, &p)
		start := 0
		if p.Cursor != "" {
			_, _ = fmt.Sscanf(p.Cursor, "%d", &start)
		}
		end := len(m.tools)
		next := ""
		if m.pageSize > 0 && start+m.pageSize < end {
			end = start + m.pageSize
			next = fmt.Sprint(end)
		}
		result = map[string]any{"tools": m.tools[start:end], "nextCursor": next}
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		assert.NoError(m.t, json.Unmarshal(req.Params, &p))
		m.calls = append(m.calls, map[string]any{"name": p.Name, "arguments": p.Arguments})
		if p.Name == "broken_lookup" {
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": "backend offline"}}, "isError": true}
		} else {
			result = map[string]any{"content": []map[string]any{
				{"type": "text", "text": fmt.Sprintf("order %v is out for delivery", p.Arguments["order_id"])},
				{"type": "image", "data": "aGk="},
			}}
		}
	default:
		writeRPC(w, m.sse, map[string]any{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
		return
	}
	writeRPC(w, m.sse, map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
}

func writeRPC(w http.ResponseWriter, sse bool, msg map[string]any) {
	b, _ := json.Marshal(msg)
	if !sse {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
	_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
}

func orderTools() []mcpToolInfo {
	return []mcpToolInfo{
		{Name: "lookup_order", Description: "Find an order by id.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"order_id": map[string]any{"type": "string"}},
		}},
		{Name: "broken_lookup", Description: "Always fails."},
	}
}

func newMCP(t *testing.T, srv *mcpServer) string {
	t.Helper()
	srv.t = t
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestMCPToolsListedAndCalled(t *testing.T) {
	srv := &mcpServer{tools: orderTools(), session: "sess-1"}
	url := newMCP(t, srv)

	conn := NewMCPConnector(MCPConfig{Timeout: time.Second}, nil, nil)
	remote := conn.Connect(context.Background(), "CA1", []string{url})
	s := New(Deps{Web: stubWeb{}}, Call{
		Config:   callCfg(),
		Transfer: func(context.Context, string) string { return "ok" },
		MCP:      remote,
	})
	assert.Equal(t, []string{NameSearchWeb, NameTransferToHuman, "lookup_order", "broken_lookup"}, names(s))
	for _, tool := range s.Tools() {
		if tool.Name == "broken_lookup" {
			assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, tool.Schema)
		}
	}

	out, err := s.HandleTool(context.Background(), "lookup_order", map[string]any{"order_id": "A-7"})
	require.NoError(t, err)
	assert.Equal(t, "order A-7 is out for delivery", out)

	out, err = s.HandleTool(context.Background(), "broken_lookup", nil)
	require.NoError(t, err)
	assert.Equal(t, "That tool did not respond. Continue without it.", out)

	remote.Close(context.Background())
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list", "tools/call", "tools/call"}, srv.methods)
	for _, got := range srv.sessions {
		assert.Equal(t, "sess-1", got)
	}
	assert.True(t, srv.closed)
}

func TestMCPEventStreamResponses(t *testing.T) {
	srv := &mcpServer{tools: orderTools(), sse: true, pageSize: 1}
	url := newMCP(t, srv)

	remote := NewMCPConnector(MCPConfig{}, nil, nil).Connect(context.Background(), "CA2", []string{url})
	require.True(t, remote.Has("lookup_order"))
	require.True(t, remote.Has("broken_lookup"))

	out, err := remote.Call(context.Background(), "lookup_order", map[string]any{"order_id": "B-2"})
	require.NoError(t, err)
	assert.Equal(t, "order B-2 is out for delivery", out)
}

func TestMCPSkipsShadowedAndUnreachable(t *testing.T) {
	first := &mcpServer{tools: []mcpToolInfo{{Name: NameTransferToHuman}, {Name: "lookup_order"}}}
	second := &mcpServer{tools: []mcpToolInfo{{Name: "lookup_order"}, {Name: "book_table"}}}
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	firstURL, secondURL := newMCP(t, first), newMCP(t, second)
	remote := NewMCPConnector(MCPConfig{Timeout: time.Second}, nil, nil).
		Connect(context.Background(), "CA3", []string{firstURL, down.URL, secondURL, firstURL})

	var got []string
	for _, tool := range remote.Tools() {
		got = append(got, tool.Name)
	}
	assert.Equal(t, []string{"lookup_order", "book_table"}, got)

	_, err := remote.Call(context.Background(), "lookup_order", map[string]any{"order_id": "C-1"})
	require.NoError(t, err)
	first.mu.Lock()
	assert.Len(t, first.calls, 1)
	first.mu.Unlock()
	second.mu.Lock()
	assert.Empty(t, second.calls)
	second.mu.Unlock()
}

func TestMCPNoServers(t *testing.T) {
	remote := NewMCPConnector(MCPConfig{}, nil, nil).Connect(context.Background(), "CA4", nil)
	assert.Nil(t, remote)
	assert.Empty(t, remote.Tools())
	assert.False(t, remote.Has("lookup_order"))

	_, err := New(Deps{}, Call{MCP: remote}).HandleTool(context.Background(), "lookup_order", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}
