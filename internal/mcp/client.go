// Package mcp speaks JSON-RPC over HTTP to MCP tool servers. Servers may
// answer with a plain JSON document or an SSE stream, and may assign a
// session id that must be echoed on subsequent calls.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

const protocolVersion = "2024-11-05"

// sessionHeader is where streamable-HTTP servers place the session id.
const sessionHeader = "Mcp-Session-Id"

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RemoteTool is one tool advertised by a server's tools/list.
type RemoteTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client is a stateless HTTP JSON-RPC caller. Session state lives with the
// caller, not the client, so one client can serve many servers.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	nextID     int64
}

func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{httpClient: httpClient, logger: logger.With("component", "mcp")}
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, credential, sessionID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	return c.httpClient.Do(req)
}

// call sends one JSON-RPC request and returns the parsed response plus any
// session id the payload carried.
func (c *Client) call(ctx context.Context, endpoint, method string, params any, credential, sessionID string) (*jsonRPCResponse, string, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, "", fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: id})
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, endpoint, body, credential, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, "", fmt.Errorf("%s read body: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, truncate(string(raw), 200))
	}

	parsed, streamSession, err := parseRPCBody(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", method, err)
	}
	return parsed, streamSession, nil
}

// notify sends a fire-and-forget JSON-RPC notification. Errors are logged,
// not returned.
func (c *Client) notify(ctx context.Context, endpoint, method, credential, sessionID string) {
	body, _ := json.Marshal(jsonRPCNotification{JSONRPC: "2.0", Method: method})
	resp, err := c.post(ctx, endpoint, body, credential, sessionID)
	if err != nil {
		c.logger.Debug("notification failed", "method", method, "error", err.Error())
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// Initialize performs the handshake and returns the server's session id, if
// it assigned one, plus the name the server advertises in serverInfo.
// Session extraction order: HTTP header, then body metadata, then a streamed
// endpoint event. Callers on the dispatch path treat a returned error as "no
// session" and proceed; the discovery probe treats it as a handshake failure.
func (c *Client) Initialize(ctx context.Context, endpoint, credential string) (string, string, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "relay",
			"version": "0.1.0",
		},
	}
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0", Method: "initialize",
		Params: mustJSON(params), ID: atomic.AddInt64(&c.nextID, 1),
	})
	if err != nil {
		return "", "", fmt.Errorf("initialize: marshal request: %w", err)
	}

	resp, err := c.post(ctx, endpoint, body, credential, "")
	if err != nil {
		return "", "", fmt.Errorf("initialize: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", "", fmt.Errorf("initialize read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("initialize: http %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	sessionID := resp.Header.Get(sessionHeader)
	serverName := ""
	parsed, streamSession, parseErr := parseRPCBody(raw)
	if parseErr == nil && parsed.Error != nil {
		return "", "", fmt.Errorf("initialize: rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parseErr == nil {
		serverName = serverNameFromResult(parsed)
		if sessionID == "" {
			sessionID = sessionFromResult(parsed)
		}
	}
	if sessionID == "" {
		sessionID = streamSession
	}

	c.notify(ctx, endpoint, "notifications/initialized", credential, sessionID)
	return sessionID, serverName, nil
}

// InitializeSession is the dispatch-path handshake: failures degrade to an
// empty session instead of an error.
func (c *Client) InitializeSession(ctx context.Context, endpoint, credential string) string {
	sessionID, _, err := c.Initialize(ctx, endpoint, credential)
	if err != nil {
		c.logger.Warn("initialize failed, proceeding without session",
			"endpoint", endpoint, "error", err.Error())
		return ""
	}
	return sessionID
}

// sessionFromResult digs the session id out of the initialize result's
// metadata field.
func sessionFromResult(resp *jsonRPCResponse) string {
	if resp == nil || len(resp.Result) == 0 {
		return ""
	}
	var result struct {
		Meta struct {
			SessionID string `json:"sessionId"`
		} `json:"_meta"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ""
	}
	if result.Meta.SessionID != "" {
		return result.Meta.SessionID
	}
	return result.SessionID
}

func serverNameFromResult(resp *jsonRPCResponse) string {
	if resp == nil || len(resp.Result) == 0 {
		return ""
	}
	var result struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ""
	}
	return result.ServerInfo.Name
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context, endpoint, credential, sessionID string) ([]RemoteTool, error) {
	resp, _, err := c.call(ctx, endpoint, "tools/list", nil, credential, sessionID)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result struct {
		Tools []RemoteTool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/list: unmarshal result: %w", err)
	}
	return result.Tools, nil
}

// CallTool calls tools/call and flattens the result to text. A content array
// becomes newline-joined text; anything else is JSON-stringified.
func (c *Client) CallTool(ctx context.Context, endpoint, name string, args map[string]any, credential, sessionID string) (string, error) {
	params := map[string]any{"name": name, "arguments": args}
	resp, _, err := c.call(ctx, endpoint, "tools/call", params, credential, sessionID)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		b, _ := json.Marshal(resp.Error)
		return string(b), nil
	}
	return flattenResult(resp.Result), nil
}

// flattenResult renders a tools/call result as text, honoring the protocol's
// multi-part content convention.
func flattenResult(result json.RawMessage) string {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err == nil && len(parsed.Content) > 0 {
		parts := make([]string, 0, len(parsed.Content))
		for _, part := range parsed.Content {
			if part.Text != "" {
				parts = append(parts, part.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(result)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
