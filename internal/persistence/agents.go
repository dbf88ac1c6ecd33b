package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGoogle    ProviderType = "google"
)

// Provider is a configured LLM backend.
type Provider struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      ProviderType `json:"type"`
	Model     string       `json:"model"`
	BaseURL   string       `json:"base_url"`
	Active    bool         `json:"active"`
	CreatedAt time.Time    `json:"created_at"`
}

// Agent is a named model persona with its own prompt, tools and skills.
type Agent struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	IsDefault    bool      `json:"is_default"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) CreateProvider(ctx context.Context, p *Provider) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO llm_providers (id, name, type, model, base_url, active)
			VALUES (?, ?, ?, ?, ?, ?);
		`, p.ID, p.Name, p.Type, p.Model, p.BaseURL, boolToInt(p.Active))
		if err != nil {
			return fmt.Errorf("insert provider: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

const providerColumns = `id, name, type, model, base_url, active, created_at`

func scanProvider(scanFn func(dest ...any) error) (*Provider, error) {
	var (
		p      Provider
		active int
	)
	if err := scanFn(&p.ID, &p.Name, &p.Type, &p.Model, &p.BaseURL, &active, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Active = active != 0
	return &p, nil
}

// GetProvider loads one provider. Returns (nil, nil) when absent.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM llm_providers WHERE id = ?;`, id)
	p, err := scanProvider(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select provider: %w", err)
	}
	return p, nil
}

// FirstActiveProvider returns the oldest active provider, or nil when none
// is configured.
func (s *Store) FirstActiveProvider(ctx context.Context) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+` FROM llm_providers
		WHERE active = 1
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`)
	p, err := scanProvider(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select first active provider: %w", err)
	}
	return p, nil
}

func (s *Store) ListActiveProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+providerColumns+` FROM llm_providers
		WHERE active = 1
		ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active providers: %w", err)
	}
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list active providers: %w", err)
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

func (s *Store) CreateAgent(ctx context.Context, a *Agent) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, slug, name, system_prompt, provider_id, model, is_default, active)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?);
		`, a.ID, a.Slug, a.Name, a.SystemPrompt, a.ProviderID, a.Model,
			boolToInt(a.IsDefault), boolToInt(a.Active))
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

const agentColumns = `id, slug, name, system_prompt, provider_id, model, is_default, active, created_at`

func scanAgent(scanFn func(dest ...any) error) (*Agent, error) {
	var (
		a                 Agent
		providerID        sql.NullString
		isDefault, active int
	)
	if err := scanFn(&a.ID, &a.Slug, &a.Name, &a.SystemPrompt, &providerID,
		&a.Model, &isDefault, &active, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.ProviderID = providerID.String
	a.IsDefault = isDefault != 0
	a.Active = active != 0
	return &a, nil
}

// GetAgent loads one agent by id. Returns (nil, nil) when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return a, nil
}

// GetAgentBySlug loads one active agent by slug. Returns (nil, nil) when
// absent.
func (s *Store) GetAgentBySlug(ctx context.Context, slug string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE slug = ? AND active = 1;
	`, slug)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select agent by slug: %w", err)
	}
	return a, nil
}

// DefaultAgent returns the active agent marked default, or nil when none is.
func (s *Store) DefaultAgent(ctx context.Context) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE is_default = 1 AND active = 1
		ORDER BY created_at ASC
		LIMIT 1;
	`)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select default agent: %w", err)
	}
	return a, nil
}

// AssignTool links a tool to an agent.
func (s *Store) AssignTool(ctx context.Context, agentID, toolID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_tools (agent_id, tool_id) VALUES (?, ?);
		`, agentID, toolID); err != nil {
			return fmt.Errorf("assign tool: %w", err)
		}
		return nil
	})
}

// AssignSkill links a skill to an agent.
func (s *Store) AssignSkill(ctx context.Context, agentID, skillID string, priority int) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_skills (agent_id, skill_id, priority) VALUES (?, ?, ?);
		`, agentID, skillID, priority); err != nil {
			return fmt.Errorf("assign skill: %w", err)
		}
		return nil
	})
}
