package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageUserMessage      MessageType = "user_message"
	MessageAssistantMessage MessageType = "assistant_message"
	MessageThinking         MessageType = "thinking"
	MessageToolCall         MessageType = "tool_call"
	MessageToolResult       MessageType = "tool_result"
	MessageSkillLoad        MessageType = "skill_load"
	MessageSubtaskCreated   MessageType = "subtask_created"
	MessageStatusChange     MessageType = "status_change"
	MessageError            MessageType = "error"
	MessageHandoff          MessageType = "handoff"
)

// Role returns the conversation role a message type maps to when the trace is
// replayed as model history.
func (t MessageType) Role() string {
	switch t {
	case MessageUserMessage:
		return "user"
	case MessageAssistantMessage, MessageThinking:
		return "assistant"
	case MessageToolCall, MessageToolResult:
		return "tool"
	default:
		return "assistant"
	}
}

// TaskMessage is one entry in a task's execution trace.
type TaskMessage struct {
	ID             int64          `json:"id"`
	TaskID         string         `json:"task_id"`
	Type           MessageType    `json:"type"`
	Role           string         `json:"role"`
	Content        map[string]any `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	SequenceNumber int            `json:"sequence_number"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Text returns content.text when present.
func (m *TaskMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	if s, ok := m.Content["text"].(string); ok {
		return s
	}
	return ""
}

// AppendTaskMessage inserts a trace entry. Role falls back to the type's
// default when empty.
func (s *Store) AppendTaskMessage(ctx context.Context, msg *TaskMessage) error {
	if msg.Role == "" {
		msg.Role = msg.Type.Role()
	}
	content, err := marshalJSONColumn(msg.Content)
	if err != nil {
		return err
	}
	metadata, err := marshalJSONColumn(msg.Metadata)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_messages (task_id, type, role, content, metadata, sequence_number)
			VALUES (?, ?, ?, ?, ?, ?);
		`, msg.TaskID, msg.Type, msg.Role, content, metadata, msg.SequenceNumber)
		if err != nil {
			return fmt.Errorf("insert task message: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			msg.ID = id
		}
		return nil
	})
}

// ListTaskMessages returns a single task's trace in sequence order.
func (s *Store) ListTaskMessages(ctx context.Context, taskID string) ([]TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, role, content, metadata, sequence_number, created_at
		FROM task_messages
		WHERE task_id = ?
		ORDER BY sequence_number ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListConversationMessages returns the trace entries of every task in a
// conversation, ordered by task creation then sequence.
func (s *Store) ListConversationMessages(ctx context.Context, masterID string) ([]TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.task_id, m.type, m.role, m.content, m.metadata, m.sequence_number, m.created_at
		FROM task_messages m
		JOIN tasks t ON t.id = m.task_id
		WHERE t.id = ? OR t.master_task_id = ?
		ORDER BY t.created_at ASC, t.id ASC, m.sequence_number ASC;
	`, masterID, masterID)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MaxSequenceNumber returns the highest sequence number already recorded for
// a task, or zero when the trace is empty.
func (s *Store) MaxSequenceNumber(ctx context.Context, taskID string) (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence_number) FROM task_messages WHERE task_id = ?;
	`, taskID).Scan(&max); err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return int(max.Int64), nil
}

func scanMessages(rows *sql.Rows) ([]TaskMessage, error) {
	var out []TaskMessage
	for rows.Next() {
		var (
			msg               TaskMessage
			content, metadata sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Type, &msg.Role,
			&content, &metadata, &msg.SequenceNumber, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		var err error
		if msg.Content, err = unmarshalMapColumn(content); err != nil {
			return nil, err
		}
		if msg.Metadata, err = unmarshalMapColumn(metadata); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task message rows: %w", err)
	}
	return out, nil
}
