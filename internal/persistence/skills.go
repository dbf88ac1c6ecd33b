package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Skill is a lazily loaded instruction pack. SkillID is the external key the
// model uses when calling load_skill.
type Skill struct {
	ID           string    `json:"id"`
	SkillID      string    `json:"skill_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Instructions string    `json:"instructions"`
	Version      string    `json:"version"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) CreateSkill(ctx context.Context, sk *Skill) (string, error) {
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skills (id, skill_id, name, description, instructions, version, active)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, sk.ID, sk.SkillID, sk.Name, sk.Description, sk.Instructions, sk.Version, boolToInt(sk.Active))
		if err != nil {
			return fmt.Errorf("insert skill: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return sk.ID, nil
}

const skillColumns = `id, skill_id, name, description, instructions, version, active, created_at`

func scanSkill(scanFn func(dest ...any) error) (*Skill, error) {
	var (
		sk     Skill
		active int
	)
	if err := scanFn(&sk.ID, &sk.SkillID, &sk.Name, &sk.Description,
		&sk.Instructions, &sk.Version, &active, &sk.CreatedAt); err != nil {
		return nil, err
	}
	sk.Active = active != 0
	return &sk, nil
}

// GetSkillByKey loads one active skill by its external key. Returns
// (nil, nil) when absent.
func (s *Store) GetSkillByKey(ctx context.Context, skillID string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+skillColumns+` FROM skills WHERE skill_id = ? AND active = 1;
	`, skillID)
	sk, err := scanSkill(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select skill by key: %w", err)
	}
	return sk, nil
}

// ListAgentSkills returns the active skills assigned to an agent, highest
// priority first.
func (s *Store) ListAgentSkills(ctx context.Context, agentID string) ([]Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.skill_id, s.name, s.description, s.instructions, s.version, s.active, s.created_at
		FROM skills s
		JOIN agent_skills ag ON ag.skill_id = s.id
		WHERE ag.agent_id = ? AND s.active = 1
		ORDER BY ag.priority DESC, s.name ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent skills: %w", err)
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		sk, err := scanSkill(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent skill: %w", err)
		}
		out = append(out, *sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent skill rows: %w", err)
	}
	return out, nil
}
