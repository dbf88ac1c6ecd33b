package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HumanReview is one escalated item waiting on an operator decision. The
// response column carries the escalation payload: category, message, options,
// priority and breadcrumb context.
type HumanReview struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Response  map[string]any `json:"response"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Store) CreateHumanReview(ctx context.Context, r *HumanReview) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	response, err := marshalJSONColumn(r.Response)
	if err != nil {
		return "", err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO human_reviews (id, task_id, response) VALUES (?, ?, ?);
		`, r.ID, r.TaskID, response)
		if err != nil {
			return fmt.Errorf("insert human review: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// ListHumanReviews returns a task's review rows, newest first.
func (s *Store) ListHumanReviews(ctx context.Context, taskID string) ([]HumanReview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, response, created_at
		FROM human_reviews
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query human reviews: %w", err)
	}
	defer rows.Close()

	var out []HumanReview
	for rows.Next() {
		var (
			r        HumanReview
			response sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &response, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan human review: %w", err)
		}
		if r.Response, err = unmarshalMapColumn(response); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("human review rows: %w", err)
	}
	return out, nil
}
