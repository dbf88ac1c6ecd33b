// Package tracelog records the per-task execution trace. Every dispatch
// attempt opens one Logger; each entry is enriched with a wall-clock
// timestamp, elapsed milliseconds since the attempt started, and a
// monotonically increasing per-task sequence number.
package tracelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/accord-labs/relay/internal/persistence"
)

// Logger is bound to one task for the duration of one dispatch attempt. The
// sequence counter is attempt-local; the claim guarantees no concurrent
// attempt shares the task.
type Logger struct {
	store   *persistence.Store
	slogger *slog.Logger
	taskID  string
	start   time.Time
	seq     int
}

// Open binds a logger to a task. The sequence counter resumes after any
// rows an earlier attempt left behind.
func Open(ctx context.Context, store *persistence.Store, taskID string, slogger *slog.Logger) (*Logger, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	last, err := store.MaxSequenceNumber(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &Logger{
		store:   store,
		slogger: slogger.With("component", "tracelog", "task_id", taskID),
		taskID:  taskID,
		start:   time.Now(),
		seq:     last,
	}, nil
}

// Elapsed returns how long this attempt has been running.
func (l *Logger) Elapsed() time.Duration {
	return time.Since(l.start)
}

// Log appends one trace entry. Persistence failures are reported to the
// system log and swallowed so a trace write never kills a dispatch attempt.
func (l *Logger) Log(ctx context.Context, msgType persistence.MessageType, content, metadata map[string]any) {
	l.seq++
	enriched := map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"elapsed_ms": l.Elapsed().Milliseconds(),
		"sequence":   l.seq,
	}
	for k, v := range metadata {
		enriched[k] = v
	}
	msg := &persistence.TaskMessage{
		TaskID:         l.taskID,
		Type:           msgType,
		Content:        content,
		Metadata:       enriched,
		SequenceNumber: l.seq,
	}
	if err := l.store.AppendTaskMessage(ctx, msg); err != nil {
		l.slogger.Warn("trace write failed", "type", string(msgType), "error", err.Error())
	}
}

func (l *Logger) UserMessage(ctx context.Context, text string) {
	l.Log(ctx, persistence.MessageUserMessage, map[string]any{"text": text}, nil)
}

func (l *Logger) AssistantMessage(ctx context.Context, text string) {
	l.Log(ctx, persistence.MessageAssistantMessage, map[string]any{"text": text}, nil)
}

func (l *Logger) ToolCall(ctx context.Context, name string, args map[string]any) {
	l.Log(ctx, persistence.MessageToolCall, map[string]any{"name": name, "arguments": args}, nil)
}

func (l *Logger) ToolResult(ctx context.Context, name, result string, success bool, duration time.Duration) {
	l.Log(ctx, persistence.MessageToolResult,
		map[string]any{"name": name, "result": result, "success": success},
		map[string]any{"duration_ms": duration.Milliseconds()})
}

func (l *Logger) SkillLoad(ctx context.Context, skillKey, result string, found bool) {
	l.Log(ctx, persistence.MessageSkillLoad,
		map[string]any{"skill_id": skillKey, "result": result, "found": found}, nil)
}

func (l *Logger) SubtaskCreated(ctx context.Context, subtaskID, kind string) {
	l.Log(ctx, persistence.MessageSubtaskCreated,
		map[string]any{"subtask_id": subtaskID, "kind": kind}, nil)
}

func (l *Logger) Handoff(ctx context.Context, targetAgent, newTaskID string) {
	l.Log(ctx, persistence.MessageHandoff,
		map[string]any{"target_agent": targetAgent, "new_task_id": newTaskID}, nil)
}

func (l *Logger) Error(ctx context.Context, message string) {
	l.Log(ctx, persistence.MessageError, map[string]any{"text": message}, nil)
}

func (l *Logger) StatusChange(ctx context.Context, from, to persistence.TaskStatus) {
	l.Log(ctx, persistence.MessageStatusChange,
		map[string]any{"from": string(from), "to": string(to)}, nil)
}

// Completion records the final status change and flips the task to
// completed in one place so finish-of-attempt always leaves a trace.
func (l *Logger) Completion(ctx context.Context, from persistence.TaskStatus, output map[string]any) error {
	if err := l.store.FinalizeTask(ctx, l.taskID, persistence.TaskStatusCompleted, output); err != nil {
		return err
	}
	l.StatusChange(ctx, from, persistence.TaskStatusCompleted)
	return nil
}
