package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusPendingSubtask   TaskStatus = "pending_subtask"
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusNeedsHumanReview TaskStatus = "needs_human_review"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusCancelled        TaskStatus = "cancelled"
)

// Terminal reports whether the status is final and the task must never be
// reprocessed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Dispatchable reports whether a dispatch attempt may claim a task in this
// status.
func (s TaskStatus) Dispatchable() bool {
	return s == TaskStatusPending || s == TaskStatusPendingSubtask
}

// Task is the unit of orchestrated work.
type Task struct {
	ID               string         `json:"id"`
	MasterTaskID     string         `json:"master_task_id,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	IsParallelTask   bool           `json:"is_parallel_task"`
	DependentTaskIDs []string       `json:"dependent_task_ids,omitempty"`
	Status           TaskStatus     `json:"status"`
	Input            map[string]any `json:"input"`
	Output           map[string]any `json:"output,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// InputMessage returns input.message, the user-facing prompt for the task.
func (t *Task) InputMessage() string {
	if t.Input == nil {
		return ""
	}
	if msg, ok := t.Input["message"].(string); ok {
		return msg
	}
	return ""
}

// ConversationRoot returns the master task id, falling back to the task's own
// id when the task is itself the root.
func (t *Task) ConversationRoot() string {
	if t.MasterTaskID != "" {
		return t.MasterTaskID
	}
	return t.ID
}

func marshalJSONColumn(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func unmarshalMapColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return out, nil
}

// CreateTask inserts a new task. A missing ID is generated; a missing status
// defaults to pending.
func (s *Store) CreateTask(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	input, err := marshalJSONColumn(task.Input)
	if err != nil {
		return "", err
	}
	contextJSON, err := marshalJSONColumn(task.Context)
	if err != nil {
		return "", err
	}
	var deps sql.NullString
	if task.DependentTaskIDs != nil {
		b, err := json.Marshal(task.DependentTaskIDs)
		if err != nil {
			return "", fmt.Errorf("marshal dependent_task_ids: %w", err)
		}
		deps = sql.NullString{Valid: true, String: string(b)}
	}

	// created_at carries sub-second precision so conversation ordering stays
	// stable for tasks created within the same wall-clock second.
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, master_task_id, parent_id, agent_id, is_parallel_task,
				dependent_task_ids, status, input, context, created_at, updated_at
			)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.MasterTaskID, task.ParentID, task.AgentID,
			boolToInt(task.IsParallelTask), deps, task.Status, input, contextJSON, now, now)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var (
		task                        Task
		master, parent, agentID     sql.NullString
		deps, input, output, taskCx sql.NullString
		isParallel                  int
	)
	if err := scanFn(
		&task.ID, &master, &parent, &agentID, &isParallel,
		&deps, &task.Status, &input, &output, &taskCx,
		&task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.MasterTaskID = master.String
	task.ParentID = parent.String
	task.AgentID = agentID.String
	task.IsParallelTask = isParallel != 0
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &task.DependentTaskIDs); err != nil {
			return nil, fmt.Errorf("unmarshal dependent_task_ids: %w", err)
		}
	}
	var err error
	if task.Input, err = unmarshalMapColumn(input); err != nil {
		return nil, err
	}
	if task.Output, err = unmarshalMapColumn(output); err != nil {
		return nil, err
	}
	if task.Context, err = unmarshalMapColumn(taskCx); err != nil {
		return nil, err
	}
	return &task, nil
}

const taskColumns = `id, master_task_id, parent_id, agent_id, is_parallel_task,
	dependent_task_ids, status, input, output, context, created_at, updated_at`

// GetTask loads one task. Returns (nil, nil) when the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ClaimTask performs the atomic running-state claim: the status moves to
// running only if it still equals the status the caller observed. Exactly one
// concurrent caller wins; everyone else sees false.
func (s *Store) ClaimTask(ctx context.Context, id string, observed TaskStatus) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusRunning, id, observed)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = affected == 1
		return nil
	})
	return claimed, err
}

// SetTaskStatus unconditionally moves a task to the given status.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, id); err != nil {
			return fmt.Errorf("set task status: %w", err)
		}
		return nil
	})
}

// RecoverOrphanedTasks fails every task still marked running. An attempt
// cannot survive a daemon restart, so anything running at startup is a
// leftover from a crash.
func (s *Store) RecoverOrphanedTasks(ctx context.Context) (int64, error) {
	outputJSON, err := marshalJSONColumn(map[string]any{
		"error": "attempt interrupted by daemon restart",
	})
	if err != nil {
		return 0, err
	}
	var recovered int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, output = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status = ?;
		`, TaskStatusFailed, outputJSON, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("recover orphaned tasks: %w", err)
		}
		recovered, _ = res.RowsAffected()
		return nil
	})
	return recovered, err
}

// FinalizeTask writes the task's output document and status in one update.
func (s *Store) FinalizeTask(ctx context.Context, id string, status TaskStatus, output map[string]any) error {
	outputJSON, err := marshalJSONColumn(output)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, output = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, outputJSON, id); err != nil {
			return fmt.Errorf("finalize task: %w", err)
		}
		return nil
	})
}

// UpdateTaskContext replaces the task's context document.
func (s *Store) UpdateTaskContext(ctx context.Context, id string, contextMap map[string]any) error {
	contextJSON, err := marshalJSONColumn(contextMap)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET context = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, contextJSON, id); err != nil {
			return fmt.Errorf("update task context: %w", err)
		}
		return nil
	})
}

// ListConversationTasks returns the master task plus every task sharing that
// master, ordered by creation. This is the raw material for multi-turn
// history reconstruction.
func (s *Store) ListConversationTasks(ctx context.Context, masterID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ? OR master_task_id = ?
		ORDER BY created_at ASC, id ASC;
	`, masterID, masterID)
	if err != nil {
		return nil, fmt.Errorf("query conversation tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation task rows: %w", err)
	}
	return out, nil
}

// GetTasksByIDs loads the given tasks, preserving the order of ids. Missing
// ids are skipped.
func (s *Store) GetTasksByIDs(ctx context.Context, ids []string) ([]Task, error) {
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task != nil {
			out = append(out, *task)
		}
	}
	return out, nil
}

// ListQueuedAggregators returns every queued task carrying a dependency list.
func (s *Store) ListQueuedAggregators(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND dependent_task_ids IS NOT NULL
		ORDER BY created_at ASC;
	`, TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("query queued aggregators: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan queued aggregator: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queued aggregator rows: %w", err)
	}
	return out, nil
}

// FindAggregatorForDependency returns the queued aggregator whose dependency
// list names the given task, or nil if none does.
func (s *Store) FindAggregatorForDependency(ctx context.Context, taskID string) (*Task, error) {
	aggs, err := s.ListQueuedAggregators(ctx)
	if err != nil {
		return nil, err
	}
	for i := range aggs {
		if slices.Contains(aggs[i].DependentTaskIDs, taskID) {
			return &aggs[i], nil
		}
	}
	return nil, nil
}

// PromoteAggregator CAS-flips a queued aggregator to pending_subtask so a
// dispatch attempt may claim it. Returns false when the task was not queued.
func (s *Store) PromoteAggregator(ctx context.Context, id string) (bool, error) {
	var promoted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusPendingSubtask, id, TaskStatusQueued)
		if err != nil {
			return fmt.Errorf("promote aggregator: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("promote rows affected: %w", err)
		}
		promoted = affected == 1
		return nil
	})
	return promoted, err
}
