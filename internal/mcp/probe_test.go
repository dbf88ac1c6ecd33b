package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/accord-labs/relay/internal/persistence"
)

func TestProbeMissingAndInvalidURL(t *testing.T) {
	prober := NewProber(NewClient(nil, nil), nil, nil)

	if _, perr := prober.Probe(context.Background(), ProbeRequest{}); perr == nil || perr.Code != ProbeCodeMissingURL {
		t.Fatalf("expected MISSING_URL, got %v", perr)
	}
	if _, perr := prober.Probe(context.Background(), ProbeRequest{URL: "not a url"}); perr == nil || perr.Code != ProbeCodeInvalidURL {
		t.Fatalf("expected INVALID_URL, got %v", perr)
	}
	if _, perr := prober.Probe(context.Background(), ProbeRequest{URL: "/relative/path"}); perr == nil || perr.Code != ProbeCodeInvalidURL {
		t.Fatalf("expected INVALID_URL for relative path, got %v", perr)
	}
}

func TestProbeInitFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	prober := NewProber(NewClient(server.Client(), nil), nil, nil)
	_, perr := prober.Probe(context.Background(), ProbeRequest{URL: server.URL})
	if perr == nil || perr.Code != ProbeCodeInitFailed {
		t.Fatalf("expected INIT_FAILED, got %v", perr)
	}
}

func TestProbeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	prober := NewProber(NewClient(server.Client(), nil), nil, nil)
	_, perr := prober.Probe(context.Background(), ProbeRequest{
		URL:     server.URL,
		Timeout: 50 * time.Millisecond,
	})
	if perr == nil || perr.Code != ProbeCodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", perr)
	}
}

func TestProbeListsAndPersistsSubTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		switch req.Method {
		case "initialize":
			w.Header().Set(sessionHeader, "probe-session")
			rpcReply(t, w, map[string]any{"protocolVersion": protocolVersion})
		case "tools/list":
			if r.Header.Get(sessionHeader) != "probe-session" {
				t.Errorf("tools/list missing session header")
			}
			rpcReply(t, w, map[string]any{
				"tools": []map[string]any{
					{"name": "lookup", "description": "Look things up"},
					{"name": "store"},
				},
			})
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer server.Close()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	toolID, err := store.CreateTool(context.Background(), &persistence.Tool{
		Slug: "remote", Type: persistence.ToolMCPServer, Active: true,
		Config: json.RawMessage(`{"url":"` + server.URL + `"}`),
	})
	if err != nil {
		t.Fatalf("create tool: %v", err)
	}

	prober := NewProber(NewClient(server.Client(), nil), store, nil)
	result, perr := prober.Probe(context.Background(), ProbeRequest{
		URL:    server.URL,
		ToolID: toolID,
	})
	if perr != nil {
		t.Fatalf("probe: %v", perr)
	}
	if result.ToolCount != 2 || result.SessionID != "probe-session" {
		t.Fatalf("unexpected result: %#v", result)
	}

	tool, _ := store.GetTool(context.Background(), toolID)
	cfg, err := tool.MCPServerConfig()
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if len(cfg.SubTools) != 2 || cfg.SubTools[0].Name != "lookup" {
		t.Fatalf("sub-tools not cached: %#v", cfg.SubTools)
	}
	if cfg.URL != server.URL {
		t.Fatalf("existing config url lost: %q", cfg.URL)
	}
	if cfg.ProbedAt == "" {
		t.Fatalf("probe timestamp not recorded")
	}
}
