// Package review routes unrecoverable dispatch failures into the
// human-review queue.
package review

import (
	"context"
	"log/slog"

	"github.com/accord-labs/relay/internal/persistence"
)

// Category classifies why a task needs an operator.
type Category string

const (
	CategoryToolExecution Category = "tool_execution"
	CategoryLLMError      Category = "llm_error"
	CategoryValidation    Category = "validation"
	CategoryTimeout       Category = "timeout"
	CategoryParallelTask  Category = "parallel_task"
	CategorySkillLoad     Category = "skill_load"
	CategoryMCPError      Category = "mcp_error"
	CategoryUnknown       Category = "unknown"
)

type categoryDefaults struct {
	options  []string
	priority string
}

var defaultsByCategory = map[Category]categoryDefaults{
	CategoryToolExecution: {options: []string{"retry", "skip", "manual"}, priority: "medium"},
	CategoryLLMError:      {options: []string{"retry", "abort"}, priority: "high"},
	CategoryValidation:    {options: []string{"manual", "abort"}, priority: "medium"},
	CategoryTimeout:       {options: []string{"retry", "abort"}, priority: "medium"},
	CategoryParallelTask:  {options: []string{"retry", "abort", "manual"}, priority: "high"},
	CategorySkillLoad:     {options: []string{"retry", "skip"}, priority: "low"},
	CategoryMCPError:      {options: []string{"retry", "abort", "escalate"}, priority: "high"},
	CategoryUnknown:       {options: []string{"retry", "abort", "manual"}, priority: "medium"},
}

// Escalation describes one failure being routed for review. Options,
// SuggestedAction and Priority override the category defaults when set.
type Escalation struct {
	TaskID          string
	Category        Category
	Message         string
	Context         map[string]any
	Options         []string
	SuggestedAction string
	Priority        string
}

// Escalator persists review decisions. Both operations are best-effort: a
// failing store write is returned to the caller, never panicked, so the
// dispatcher can still answer its invoker.
type Escalator struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewEscalator(store *persistence.Store, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{store: store, logger: logger.With("component", "review")}
}

// Escalate parks the task in needs_human_review with a structured error
// output and inserts the review row. Returns the review id.
func (e *Escalator) Escalate(ctx context.Context, esc Escalation) (string, error) {
	category := esc.Category
	defaults, ok := defaultsByCategory[category]
	if !ok {
		category = CategoryUnknown
		defaults = defaultsByCategory[CategoryUnknown]
	}
	options := esc.Options
	if len(options) == 0 {
		options = defaults.options
	}
	priority := esc.Priority
	if priority == "" {
		priority = defaults.priority
	}

	output := map[string]any{
		"error":          esc.Message,
		"error_category": string(category),
	}
	if err := e.store.FinalizeTask(ctx, esc.TaskID, persistence.TaskStatusNeedsHumanReview, output); err != nil {
		return "", err
	}

	response := map[string]any{
		"category": string(category),
		"message":  esc.Message,
		"options":  options,
		"priority": priority,
	}
	if esc.SuggestedAction != "" {
		response["suggested_action"] = esc.SuggestedAction
	}
	if len(esc.Context) > 0 {
		response["context"] = esc.Context
	}
	reviewID, err := e.store.CreateHumanReview(ctx, &persistence.HumanReview{
		TaskID:   esc.TaskID,
		Response: response,
	})
	if err != nil {
		return "", err
	}
	e.logger.Warn("task escalated for human review",
		"task_id", esc.TaskID,
		"category", string(category),
		"priority", priority,
		"review_id", reviewID)
	return reviewID, nil
}

// MarkFailed terminally fails a task with no review row, for conditions an
// operator cannot act on.
func (e *Escalator) MarkFailed(ctx context.Context, taskID, message string, category Category) error {
	if category == "" {
		category = CategoryUnknown
	}
	output := map[string]any{
		"error":          message,
		"error_category": string(category),
	}
	if err := e.store.FinalizeTask(ctx, taskID, persistence.TaskStatusFailed, output); err != nil {
		return err
	}
	e.logger.Warn("task failed", "task_id", taskID, "category", string(category), "error", message)
	return nil
}
