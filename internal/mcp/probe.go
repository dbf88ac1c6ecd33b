package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/accord-labs/relay/internal/persistence"
)

// Probe error codes, stable across callers.
const (
	ProbeCodeMissingURL = "MISSING_URL"
	ProbeCodeInvalidURL = "INVALID_URL"
	ProbeCodeInitFailed = "INIT_FAILED"
	ProbeCodeMCPError   = "MCP_ERROR"
	ProbeCodeListFailed = "LIST_FAILED"
	ProbeCodeTimeout    = "TIMEOUT"
	ProbeCodeUnknown    = "UNKNOWN"
)

// ProbeError carries a coded failure so callers can report discovery
// problems without string matching.
type ProbeError struct {
	Code    string
	Message string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func probeErr(code, format string, args ...any) *ProbeError {
	return &ProbeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ProbeRequest describes one discovery attempt. ToolID is optional; when set
// the discovered sub-tools are persisted into that tool's config.
type ProbeRequest struct {
	URL        string
	Credential string
	Timeout    time.Duration
	ToolID     string
}

// ProbeResult reports what discovery found.
type ProbeResult struct {
	ToolCount  int
	Latency    time.Duration
	SessionID  string
	SubTools   []persistence.MCPSubTool
	ServerName string
}

// Prober runs the initialize/list handshake against a server and caches what
// it finds.
type Prober struct {
	client *Client
	store  *persistence.Store
	logger *slog.Logger
}

func NewProber(client *Client, store *persistence.Store, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{client: client, store: store, logger: logger.With("component", "mcp_probe")}
}

// Probe performs initialize then tools/list within the request's timeout and,
// when a tool id is given, persists the sub-tool cache.
func (p *Prober) Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, *ProbeError) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, probeErr(ProbeCodeMissingURL, "no endpoint url given")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, probeErr(ProbeCodeInvalidURL, "not an absolute http url: %q", req.URL)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	sessionID, serverName, initErr := p.client.Initialize(ctx, req.URL, req.Credential)
	if initErr != nil {
		if timedOut(ctx, initErr) {
			return nil, probeErr(ProbeCodeTimeout, "initialize exceeded %s", timeout)
		}
		if strings.Contains(initErr.Error(), "rpc error") {
			return nil, probeErr(ProbeCodeMCPError, "%v", initErr)
		}
		return nil, probeErr(ProbeCodeInitFailed, "%v", initErr)
	}

	tools, listErr := p.client.ListTools(ctx, req.URL, req.Credential, sessionID)
	if listErr != nil {
		if timedOut(ctx, listErr) {
			return nil, probeErr(ProbeCodeTimeout, "tools/list exceeded %s", timeout)
		}
		if strings.Contains(listErr.Error(), "rpc error") {
			return nil, probeErr(ProbeCodeMCPError, "%v", listErr)
		}
		return nil, probeErr(ProbeCodeListFailed, "%v", listErr)
	}

	result := &ProbeResult{
		ToolCount:  len(tools),
		Latency:    time.Since(start),
		SessionID:  sessionID,
		ServerName: serverName,
		SubTools:   make([]persistence.MCPSubTool, 0, len(tools)),
	}
	for _, tool := range tools {
		result.SubTools = append(result.SubTools, persistence.MCPSubTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	if req.ToolID != "" {
		if perr := p.persist(ctx, req, result); perr != nil {
			return nil, perr
		}
	}

	p.logger.Info("probe completed",
		"url", req.URL,
		"tool_count", result.ToolCount,
		"latency_ms", result.Latency.Milliseconds())
	return result, nil
}

// persist writes the discovered sub-tools into the tool's config, keeping
// the existing endpoint/header settings.
func (p *Prober) persist(ctx context.Context, req ProbeRequest, result *ProbeResult) *ProbeError {
	tool, err := p.store.GetTool(ctx, req.ToolID)
	if err != nil {
		return probeErr(ProbeCodeUnknown, "load tool %s: %v", req.ToolID, err)
	}
	if tool == nil {
		return probeErr(ProbeCodeUnknown, "tool %s not found", req.ToolID)
	}
	cfg, err := tool.MCPServerConfig()
	if err != nil {
		return probeErr(ProbeCodeUnknown, "%v", err)
	}
	cfg.SubTools = result.SubTools
	cfg.ServerName = result.ServerName
	cfg.ProbedAt = time.Now().UTC().Format(time.RFC3339)
	cfg.ProbeLatMs = result.Latency.Milliseconds()
	if err := p.store.UpdateToolConfig(ctx, tool.ID, cfg); err != nil {
		return probeErr(ProbeCodeUnknown, "persist discovery: %v", err)
	}
	return nil
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}
