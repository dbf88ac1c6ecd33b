package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type masterTaskIDKey struct{}
type agentSlugKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches the task id of the current dispatch attempt.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the dispatch attempt's task id. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithMasterTaskID attaches the conversation root task id.
func WithMasterTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, masterTaskIDKey{}, id)
}

// MasterTaskID extracts the conversation root task id. Returns "" if absent.
func MasterTaskID(ctx context.Context) string {
	if v, ok := ctx.Value(masterTaskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentSlug attaches the resolved agent slug for log correlation.
func WithAgentSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, agentSlugKey{}, slug)
}

// AgentSlug extracts the resolved agent slug. Returns "" if absent.
func AgentSlug(ctx context.Context) string {
	if v, ok := ctx.Value(agentSlugKey{}).(string); ok {
		return v
	}
	return ""
}
