package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ToolType string

const (
	ToolInternal    ToolType = "internal"
	ToolMCPServer   ToolType = "mcp_server"
	ToolHTTPAPI     ToolType = "http_api"
	ToolSupabaseRPC ToolType = "supabase_rpc"
	ToolHandoff     ToolType = "handoff"
)

// Tool is a capability an agent may call. Its config column holds one shape
// per tool type; the typed accessors below decode the variant that matches
// the type tag.
type Tool struct {
	ID            string          `json:"id"`
	Slug          string          `json:"slug"`
	Name          string          `json:"name"`
	Type          ToolType        `json:"type"`
	Config        json.RawMessage `json:"config"`
	CredentialRef string          `json:"credential_ref,omitempty"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MCPSubTool is one remote function discovered on a protocol server.
type MCPSubTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// MCPServerConfig is the config shape for mcp_server tools. SubTools is the
// discovery cache; an empty cache means the tool contributes no callables.
type MCPServerConfig struct {
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	SubTools   []MCPSubTool      `json:"sub_tools,omitempty"`
	ServerName string            `json:"server_name,omitempty"`
	ServerInfo map[string]any    `json:"server_info,omitempty"`
	ProbedAt   string            `json:"probed_at,omitempty"`
	ProbeLatMs int64             `json:"probe_latency_ms,omitempty"`
}

// HTTPAPIConfig is the config shape for http_api tools.
type HTTPAPIConfig struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Description string            `json:"description,omitempty"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
}

// SupabaseRPCConfig is the config shape for supabase_rpc tools.
type SupabaseRPCConfig struct {
	ProjectURL   string         `json:"project_url"`
	FunctionName string         `json:"function_name"`
	Description  string         `json:"description,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// ContextVariable is one typed variable a handoff target expects.
type ContextVariable struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// HandoffConfig is the config shape for handoff tools.
type HandoffConfig struct {
	TargetAgentSlug  string            `json:"target_agent_slug"`
	Instructions     string            `json:"instructions,omitempty"`
	Description      string            `json:"description,omitempty"`
	ContextVariables []ContextVariable `json:"context_variables,omitempty"`
}

func (t *Tool) MCPServerConfig() (*MCPServerConfig, error) {
	if t.Type != ToolMCPServer {
		return nil, fmt.Errorf("tool %s is %s, not mcp_server", t.Slug, t.Type)
	}
	var cfg MCPServerConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode mcp_server config for %s: %w", t.Slug, err)
	}
	return &cfg, nil
}

func (t *Tool) HTTPAPIConfig() (*HTTPAPIConfig, error) {
	if t.Type != ToolHTTPAPI {
		return nil, fmt.Errorf("tool %s is %s, not http_api", t.Slug, t.Type)
	}
	var cfg HTTPAPIConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode http_api config for %s: %w", t.Slug, err)
	}
	return &cfg, nil
}

func (t *Tool) SupabaseRPCConfig() (*SupabaseRPCConfig, error) {
	if t.Type != ToolSupabaseRPC {
		return nil, fmt.Errorf("tool %s is %s, not supabase_rpc", t.Slug, t.Type)
	}
	var cfg SupabaseRPCConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode supabase_rpc config for %s: %w", t.Slug, err)
	}
	return &cfg, nil
}

func (t *Tool) HandoffConfig() (*HandoffConfig, error) {
	if t.Type != ToolHandoff {
		return nil, fmt.Errorf("tool %s is %s, not handoff", t.Slug, t.Type)
	}
	var cfg HandoffConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode handoff config for %s: %w", t.Slug, err)
	}
	return &cfg, nil
}

func (s *Store) CreateTool(ctx context.Context, t *Tool) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	config := t.Config
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tools (id, slug, name, type, config, credential_ref, active)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Slug, t.Name, t.Type, string(config), t.CredentialRef, boolToInt(t.Active))
		if err != nil {
			return fmt.Errorf("insert tool: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

const toolColumns = `id, slug, name, type, config, credential_ref, active, created_at`

func scanTool(scanFn func(dest ...any) error) (*Tool, error) {
	var (
		t      Tool
		config string
		active int
	)
	if err := scanFn(&t.ID, &t.Slug, &t.Name, &t.Type, &config,
		&t.CredentialRef, &active, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Config = json.RawMessage(config)
	t.Active = active != 0
	return &t, nil
}

// GetTool loads one tool by id. Returns (nil, nil) when absent.
func (s *Store) GetTool(ctx context.Context, id string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?;`, id)
	t, err := scanTool(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select tool: %w", err)
	}
	return t, nil
}

// GetToolBySlug loads one active tool by slug. Returns (nil, nil) when
// absent.
func (s *Store) GetToolBySlug(ctx context.Context, slug string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+` FROM tools WHERE slug = ? AND active = 1;
	`, slug)
	t, err := scanTool(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select tool by slug: %w", err)
	}
	return t, nil
}

// ListAgentTools returns the active tools assigned to an agent.
func (s *Store) ListAgentTools(ctx context.Context, agentID string) ([]Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.slug, t.name, t.type, t.config, t.credential_ref, t.active, t.created_at
		FROM tools t
		JOIN agent_tools at ON at.tool_id = t.id
		WHERE at.agent_id = ? AND t.active = 1
		ORDER BY t.created_at ASC, t.slug ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent tools: %w", err)
	}
	defer rows.Close()

	var out []Tool
	for rows.Next() {
		t, err := scanTool(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent tool: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent tool rows: %w", err)
	}
	return out, nil
}

// UpdateToolConfig replaces a tool's config document. The discovery probe
// uses this to persist the sub-tool cache.
func (s *Store) UpdateToolConfig(ctx context.Context, id string, config any) error {
	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal tool config: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tools SET config = ? WHERE id = ?;`, string(b), id)
		if err != nil {
			return fmt.Errorf("update tool config: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("tool config rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("tool %s not found", id)
		}
		return nil
	})
}
