package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/logging"
)

const (
	mcpProtocolVersion = "2025-03-26"
	mcpSessionHeader   = "Mcp-Session-Id"
	mcpMaxPages        = 10
)

// MCPConfig controls the per-customer MCP tool servers.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Timeout bounds the handshake with each server and every tool call.
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c MCPConfig) withDefaults() MCPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

type mcpRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *MCPError       `json:"error"`
}

// MCPError is a JSON-RPC error returned by an MCP server.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

type mcpToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type mcpToolResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError"`
}

// MCPServer speaks JSON-RPC to one MCP server over the streamable HTTP transport.
// Replies may come back as plain JSON or as a server-sent event stream.
type MCPServer struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	session string
	nextID  atomic.Int64
}

func NewMCPServer(url string, client *http.Client) *MCPServer {
	if client == nil {
		client = http.DefaultClient
	}
	return &MCPServer{url: url, client: client}
}

func (s *MCPServer) URL() string { return s.url }

// Initialize runs the MCP handshake. The server may assign a session that every later
// request carries.
func (s *MCPServer) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "callorch", "version": "1.0"},
	}
	if err := s.call(ctx, "initialize", params, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if _, err := s.post(ctx, mcpRequest{JSONRPC: "2.0", Method: "notifications/initialized"}, 0); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (s *MCPServer) ListTools(ctx context.Context) ([]mcpToolInfo, error) {
	var out []mcpToolInfo
	cursor := ""
	for page := 0; page < mcpMaxPages; page++ {
		var params map[string]any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var res struct {
			Tools      []mcpToolInfo `json:"tools"`
			NextCursor string        `json:"nextCursor"`
		}
		if err := s.call(ctx, "tools/list", params, &res); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return out, nil
}

// CallTool returns the text content of the result. A result flagged isError comes back
// as an error carrying that text.
func (s *MCPServer) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res mcpToolResult
	if err := s.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &res); err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}
	var b strings.Builder
	for _, c := range res.Content {
		if c.Type != "text" || strings.TrimSpace(c.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.TrimSpace(c.Text))
	}
	if res.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, b.String())
	}
	return b.String(), nil
}

// Close ends the server session. Servers without sessions need nothing.
func (s *MCPServer) Close(ctx context.Context) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(mcpSessionHeader, session)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (s *MCPServer) call(ctx context.Context, method string, params any, out any) error {
	id := s.nextID.Add(1)
	raw, err := s.post(ctx, mcpRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}, id)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// post sends one message. For requests (id > 0) it returns the matching result.
func (s *MCPServer) post(ctx context.Context, msg mcpRequest, id int64) (json.RawMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	s.mu.Lock()
	if s.session != "" {
		req.Header.Set(mcpSessionHeader, s.session)
	}
	s.mu.Unlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if session := resp.Header.Get(mcpSessionHeader); session != "" {
		s.mu.Lock()
		s.session = session
		s.mu.Unlock()
	}
	if id == 0 {
		return nil, nil
	}

	var res *mcpResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		res, err = readEventStream(resp.Body, id)
	} else {
		res = &mcpResponse{}
		err = json.NewDecoder(resp.Body).Decode(res)
	}
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Result, nil
}

// readEventStream scans server-sent events until the response for id arrives. Server
// notifications on the same stream are skipped.
func readEventStream(r io.Reader, id int64) (*mcpResponse, error) {
	want := strconv.FormatInt(id, 10)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data strings.Builder
	flush := func() *mcpResponse {
		defer data.Reset()
		if data.Len() == 0 {
			return nil
		}
		var res mcpResponse
		if json.Unmarshal([]byte(data.String()), &res) != nil {
			return nil
		}
		if strings.TrimSpace(string(res.ID)) != want {
			return nil
		}
		return &res
	}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if res := flush(); res != nil {
				return res, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if res := flush(); res != nil {
		return res, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("event stream ended without a response")
}

// MCPTools are the remote tools one call can use, each owned by the server that listed it.
// A nil *MCPTools has no tools.
type MCPTools struct {
	timeout time.Duration
	servers []*MCPServer
	tools   []llm.Tool
	owner   map[string]*MCPServer
}

func (m *MCPTools) Tools() []llm.Tool {
	if m == nil {
		return nil
	}
	return m.tools
}

func (m *MCPTools) Has(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.owner[name]
	return ok
}

func (m *MCPTools) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	if m == nil || m.owner[name] == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.owner[name].CallTool(ctx, name, args)
}

// Close ends every server session.
func (m *MCPTools) Close(ctx context.Context) {
	if m == nil {
		return
	}
	for _, s := range m.servers {
		_ = s.Close(ctx)
	}
}

// MCPConnector opens a customer's MCP servers at the start of a call.
type MCPConnector struct {
	cfg    MCPConfig
	client *http.Client
	logger *slog.Logger
}

func NewMCPConnector(cfg MCPConfig, client *http.Client, logger *slog.Logger) *MCPConnector {
	if client == nil {
		client = &http.Client{}
	}
	return &MCPConnector{cfg: cfg.withDefaults(), client: client, logger: logging.NewComponentLogger(logger, "mcp")}
}

// Connect handshakes with every server in parallel and lists its tools. A server that
// fails is skipped, as is a tool whose name is already taken by a built-in tool or by
// an earlier server.
func (c *MCPConnector) Connect(ctx context.Context, callSID string, urls []string) *MCPTools {
	var servers []*MCPServer
	seen := map[string]bool{}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		servers = append(servers, NewMCPServer(u, c.client))
	}
	if len(servers) == 0 {
		return nil
	}

	listed := make([][]mcpToolInfo, len(servers))
	var g errgroup.Group
	for i, s := range servers {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
			if err := s.Initialize(sctx); err != nil {
				c.logger.Warn("mcp_server_unavailable", "call_sid", callSID, "server", s.URL(), "error", err.Error())
				return nil
			}
			tools, err := s.ListTools(sctx)
			if err != nil {
				c.logger.Warn("mcp_server_unavailable", "call_sid", callSID, "server", s.URL(), "error", err.Error())
				return nil
			}
			listed[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	out := &MCPTools{timeout: c.cfg.Timeout, owner: map[string]*MCPServer{}}
	for i, s := range servers {
		if listed[i] == nil {
			continue
		}
		out.servers = append(out.servers, s)
		for _, t := range listed[i] {
			if t.Name == "" || builtin[t.Name] || out.owner[t.Name] != nil {
				c.logger.Warn("mcp_tool_skipped", "call_sid", callSID, "server", s.URL(), "tool", t.Name)
				continue
			}
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			out.owner[t.Name] = s
			out.tools = append(out.tools, llm.Tool{Name: t.Name, Description: t.Description, Schema: schema})
		}
	}
	c.logger.Info("mcp_tools_loaded", "call_sid", callSID, "servers", len(out.servers), "tools", len(out.tools))
	return out
}

var builtin = map[string]bool{
	NameSearchKnowledgeBase: true,
	NameSearchWeb:           true,
	NameStoreMemory:         true,
	NameTransferToHuman:     true,
}
