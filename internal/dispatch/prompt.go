package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/accord-labs/relay/internal/persistence"
)

// Reserved context keys. Underscore-prefixed entries carry orchestration
// metadata and are never rendered as ordinary context variables.
const (
	ctxHandoffFrom         = "_handoff_from"
	ctxHandoffTool         = "_handoff_tool"
	ctxHandoffInstructions = "_handoff_instructions"
	ctxAgentChain          = "_agent_chain"
	ctxAggregation         = "_aggregation_instructions"
)

// composeSystemPrompt layers handoff provenance, caller context, the skill
// index and aggregated dependency outputs onto the agent's base prompt.
func (d *Dispatcher) composeSystemPrompt(ctx context.Context, task *persistence.Task, agent *persistence.Agent, skillIndex string) (string, error) {
	sections := []string{agent.SystemPrompt}

	if from, ok := task.Context[ctxHandoffFrom].(string); ok && from != "" {
		lines := []string{fmt.Sprintf("This conversation was handed to you by agent %q.", from)}
		if instructions, ok := task.Context[ctxHandoffInstructions].(string); ok && instructions != "" {
			lines = append(lines, "Handoff instructions: "+instructions)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if vars := renderContextVariables(task.Context); vars != "" {
		sections = append(sections, vars)
	}

	if skillIndex != "" {
		sections = append(sections, skillIndex)
	}

	if len(task.DependentTaskIDs) > 0 {
		block, err := d.renderDependencyOutputs(ctx, task)
		if err != nil {
			return "", err
		}
		if block != "" {
			sections = append(sections, block)
		}
		if instructions, ok := task.Context[ctxAggregation].(string); ok && instructions != "" {
			sections = append(sections, "Aggregation instructions: "+instructions)
		}
	}

	var nonEmpty []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n\n"), nil
}

// renderContextVariables lists the caller-supplied context, skipping the
// reserved underscore-prefixed keys.
func renderContextVariables(taskContext map[string]any) string {
	keys := make([]string, 0, len(taskContext))
	for key := range taskContext {
		if strings.HasPrefix(key, "_") {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Context:")
	for _, key := range keys {
		b.WriteString("\n- ")
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(stringifyValue(taskContext[key]))
	}
	return b.String()
}

// renderDependencyOutputs injects the outputs of an aggregator's completed
// dependencies. Dependencies in any other state contribute nothing.
func (d *Dispatcher) renderDependencyOutputs(ctx context.Context, task *persistence.Task) (string, error) {
	deps, err := d.store.GetTasksByIDs(ctx, task.DependentTaskIDs)
	if err != nil {
		return "", fmt.Errorf("load dependency tasks: %w", err)
	}
	var b strings.Builder
	for _, dep := range deps {
		if dep.Status != persistence.TaskStatusCompleted {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Results from dependent tasks:")
		}
		b.WriteString("\n- task ")
		b.WriteString(dep.ID)
		b.WriteString(": ")
		if response, ok := dep.Output["response"].(string); ok && response != "" {
			b.WriteString(response)
		} else {
			b.WriteString(stringifyValue(dep.Output))
		}
	}
	return b.String(), nil
}

func stringifyValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(b)
	}
}
