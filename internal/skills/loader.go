// Package skills resolves lazily loaded instruction packs. Skills are
// advertised to the model as a short index; the full instructions are only
// fetched when the model asks for them.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/accord-labs/relay/internal/persistence"
)

// LoadToolName is the pseudo-tool the model calls to pull in a skill's full
// instructions.
const LoadToolName = "load_skill"

type Loader struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewLoader(store *persistence.Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, logger: logger.With("component", "skills")}
}

// ListSummaries renders the skill index for an agent: one line per active
// assigned skill plus the instruction to call the load tool. Returns "" when
// the agent has no skills.
func (l *Loader) ListSummaries(ctx context.Context, agentID string) (string, error) {
	assigned, err := l.store.ListAgentSkills(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("list agent skills: %w", err)
	}
	if len(assigned) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, skill := range assigned {
		b.WriteString("- ")
		b.WriteString(skill.SkillID)
		if skill.Version != "" {
			b.WriteString(" (v")
			b.WriteString(skill.Version)
			b.WriteString(")")
		}
		if skill.Description != "" {
			b.WriteString(": ")
			b.WriteString(firstLine(skill.Description))
		}
		b.WriteString("\n")
	}
	b.WriteString("Call " + LoadToolName + " with a skill_id to load a skill's full instructions before using it.")
	return b.String(), nil
}

// Load fetches one active skill by its external key. Absence and lookup
// failures are both normal outcomes reported as nil; the caller turns them
// into a textual tool result.
func (l *Loader) Load(ctx context.Context, skillKey string) *persistence.Skill {
	skill, err := l.store.GetSkillByKey(ctx, skillKey)
	if err != nil {
		l.logger.Warn("skill lookup failed", "skill_id", skillKey, "error", err.Error())
		return nil
	}
	return skill
}

// Instructions returns the text to feed back to the model for a loaded
// skill, substituting a placeholder when a skill carries none.
func Instructions(skill *persistence.Skill) string {
	if skill.Instructions == "" {
		return fmt.Sprintf("Skill %s has no detailed instructions. Use its description: %s",
			skill.SkillID, skill.Description)
	}
	return skill.Instructions
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
