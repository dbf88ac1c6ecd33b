// Package dispatch runs single execution attempts against tasks: claim,
// context assembly, model invocation, tool execution, finalization. Each
// call is stateless; concurrency safety comes from the status claim.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/accord-labs/relay/internal/gateway"
	"github.com/accord-labs/relay/internal/mcp"
	"github.com/accord-labs/relay/internal/persistence"
	"github.com/accord-labs/relay/internal/review"
	"github.com/accord-labs/relay/internal/secrets"
	"github.com/accord-labs/relay/internal/shared"
	"github.com/accord-labs/relay/internal/skills"
	"github.com/accord-labs/relay/internal/tracelog"
)

// Result is the dispatch outcome reported to the invoker.
type Result struct {
	Status   string `json:"status"` // completed | handoff | skipped | failed | error
	Response string `json:"response,omitempty"`
	Message  string `json:"message,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Handoff  bool   `json:"handoff,omitempty"`
	ReviewID string `json:"review_id,omitempty"`
}

func skippedResult(reason string) Result {
	return Result{Status: "skipped", Skipped: true, Message: reason}
}

func errorResult(format string, args ...any) Result {
	return Result{Status: "error", Message: fmt.Sprintf(format, args...)}
}

// Dispatcher composes the model gateway, protocol client, skill loader and
// escalator into the single task entry point.
type Dispatcher struct {
	store       *persistence.Store
	vault       *secrets.Vault
	mcpClient   *mcp.Client
	skillLoader *skills.Loader
	escalator   *review.Escalator
	logger      *slog.Logger
	httpClient  *http.Client
	callTimeout time.Duration
	baseURLs    map[string]string

	// newCaller builds the gateway for a provider; swappable in tests.
	newCaller func(providerType persistence.ProviderType, apiKey, baseURL string) (gateway.Caller, error)

	// spawn runs fire-and-forget child dispatches; swappable in tests.
	spawn func(fn func())
}

type Options struct {
	Store       *persistence.Store
	Vault       *secrets.Vault
	MCPClient   *mcp.Client
	SkillLoader *skills.Loader
	Escalator   *review.Escalator
	Logger      *slog.Logger
	HTTPClient  *http.Client
	CallTimeout time.Duration

	// CallerFactory overrides gateway construction. Nil builds the real
	// backend callers; tests and proxies substitute their own.
	CallerFactory func(providerType persistence.ProviderType, apiKey, baseURL string) (gateway.Caller, error)

	// BaseURLOverrides maps a provider type to an endpoint override, applied
	// when the provider row carries no base URL of its own.
	BaseURLOverrides map[string]string
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	d := &Dispatcher{
		store:       opts.Store,
		vault:       opts.Vault,
		mcpClient:   opts.MCPClient,
		skillLoader: opts.SkillLoader,
		escalator:   opts.Escalator,
		logger:      logger.With("component", "dispatcher"),
		httpClient:  httpClient,
		callTimeout: callTimeout,
		baseURLs:    opts.BaseURLOverrides,
	}
	d.newCaller = opts.CallerFactory
	if d.newCaller == nil {
		d.newCaller = func(providerType persistence.ProviderType, apiKey, baseURL string) (gateway.Caller, error) {
			return gateway.New(providerType, apiKey, baseURL, httpClient, logger)
		}
	}
	d.spawn = func(fn func()) { go fn() }
	return d
}

// Dispatch runs one execution attempt. Safe under redundant and concurrent
// invocation: terminal and running tasks are skipped, and the status claim
// lets exactly one racing caller through.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) Result {
	ctx = shared.WithTaskID(ctx, taskID)
	log := d.logger.With("task_id", taskID, "trace_id", shared.TraceID(ctx))

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return errorResult("load task: %v", err)
	}
	if task == nil {
		return errorResult("task %s not found", taskID)
	}
	if task.Status.Terminal() || task.Status == persistence.TaskStatusRunning {
		log.Debug("dispatch skipped", "status", string(task.Status))
		return skippedResult(fmt.Sprintf("task is %s", task.Status))
	}
	if !task.Status.Dispatchable() {
		return errorResult("task %s is %s, not dispatchable", taskID, task.Status)
	}
	if root := task.ConversationRoot(); root != task.ID {
		ctx = shared.WithMasterTaskID(ctx, root)
		log = log.With("master_task_id", root)
	}

	claimed, err := d.store.ClaimTask(ctx, task.ID, task.Status)
	if err != nil {
		return errorResult("claim task: %v", err)
	}
	if !claimed {
		log.Debug("dispatch lost claim race")
		return skippedResult("another attempt claimed the task")
	}
	log.Info("task claimed", "status_was", string(task.Status))

	return d.run(ctx, task, log)
}

// run covers everything after the claim. Panics and returned hard errors
// are routed through the escalator rather than lost.
func (d *Dispatcher) run(ctx context.Context, task *persistence.Task, log *slog.Logger) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "panic", fmt.Sprint(r))
			result = d.escalateTopLevel(ctx, task, fmt.Sprintf("dispatch panic: %v", r))
		}
	}()

	tlog, err := tracelog.Open(ctx, d.store, task.ID, d.logger)
	if err != nil {
		return d.escalateTopLevel(ctx, task, fmt.Sprintf("open trace: %v", err))
	}
	tlog.UserMessage(ctx, task.InputMessage())

	history, err := d.conversationHistory(ctx, task)
	if err != nil {
		tlog.Error(ctx, err.Error())
		return d.escalateTopLevel(ctx, task, err.Error())
	}

	agent, provider, apiKey, hardErr := d.resolveExecution(ctx, task)
	if hardErr != nil {
		// Missing configuration gives an operator nothing to retry, so the
		// task fails directly instead of queueing for review.
		tlog.Error(ctx, hardErr.Error())
		if err := d.escalator.MarkFailed(ctx, task.ID, hardErr.Error(), review.CategoryValidation); err != nil {
			log.Error("mark failed errored", "error", err.Error())
		}
		return Result{Status: "failed", Message: hardErr.Error()}
	}
	log = log.With("agent_slug", agent.Slug, "provider", string(provider.Type))
	ctx = shared.WithAgentSlug(ctx, agent.Slug)

	callables, err := d.buildCallables(ctx, task, agent)
	if err != nil {
		tlog.Error(ctx, err.Error())
		return d.escalateTopLevel(ctx, task, err.Error())
	}

	systemPrompt, err := d.composeSystemPrompt(ctx, task, agent, callables.skillIndex)
	if err != nil {
		tlog.Error(ctx, err.Error())
		return d.escalateTopLevel(ctx, task, err.Error())
	}

	model := agent.Model
	if model == "" {
		model = provider.Model
	}
	baseURL := provider.BaseURL
	if baseURL == "" {
		baseURL = d.baseURLs[string(provider.Type)]
	}
	caller, err := d.newCaller(provider.Type, apiKey, baseURL)
	if err != nil {
		tlog.Error(ctx, err.Error())
		return d.escalateTopLevel(ctx, task, err.Error())
	}

	resp, err := caller.Call(ctx, gateway.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		UserMessage:  task.InputMessage(),
		History:      history,
		Tools:        callables.defs,
	})
	if err != nil {
		tlog.Error(ctx, fmt.Sprintf("model call failed: %v", err))
		reviewID, escErr := d.escalator.Escalate(ctx, review.Escalation{
			TaskID:   task.ID,
			Category: review.CategoryLLMError,
			Message:  fmt.Sprintf("model call failed: %v", err),
			Context:  d.breadcrumbs(task, agent.Slug),
		})
		if escErr != nil {
			log.Error("escalation failed", "error", escErr.Error())
			return errorResult("model call failed and escalation errored: %v", err)
		}
		return Result{Status: "error", Message: err.Error(), ReviewID: reviewID}
	}

	finalText := resp.Text
	if len(resp.ToolCalls) > 0 {
		batch := d.executeToolCalls(ctx, task, agent, callables, resp.ToolCalls, tlog)
		if batch.handoff != nil {
			return *batch.handoff
		}
		finalText = d.synthesize(ctx, caller, gateway.SynthesisRequest{
			Model:        model,
			SystemPrompt: systemPrompt,
			UserMessage:  task.InputMessage(),
			Calls:        resp.ToolCalls,
			Results:      batch.results,
		}, resp.Text, tlog)
	}

	tlog.AssistantMessage(ctx, finalText)
	output := map[string]any{
		"response":    finalText,
		"tool_calls":  len(resp.ToolCalls),
		"duration_ms": tlog.Elapsed().Milliseconds(),
	}
	if err := tlog.Completion(ctx, persistence.TaskStatusRunning, output); err != nil {
		return d.escalateTopLevel(ctx, task, fmt.Sprintf("finalize task: %v", err))
	}
	log.Info("task completed",
		"tool_calls", len(resp.ToolCalls),
		"duration_ms", tlog.Elapsed().Milliseconds())
	return Result{Status: "completed", Response: finalText}
}

// resolveExecution resolves agent, provider and credential. Any miss is a
// hard configuration failure.
func (d *Dispatcher) resolveExecution(ctx context.Context, task *persistence.Task) (*persistence.Agent, *persistence.Provider, string, error) {
	var (
		agent *persistence.Agent
		err   error
	)
	if task.AgentID != "" {
		agent, err = d.store.GetAgent(ctx, task.AgentID)
	} else {
		agent, err = d.store.DefaultAgent(ctx)
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("resolve agent: %w", err)
	}
	if agent == nil {
		return nil, nil, "", fmt.Errorf("no agent configured for task %s", task.ID)
	}

	var provider *persistence.Provider
	if agent.ProviderID != "" {
		provider, err = d.store.GetProvider(ctx, agent.ProviderID)
	} else {
		provider, err = d.store.FirstActiveProvider(ctx)
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("resolve provider: %w", err)
	}
	if provider == nil {
		return nil, nil, "", fmt.Errorf("no llm provider configured for agent %s", agent.Slug)
	}

	apiKey, err := d.vault.ResolveProvider(string(provider.Type))
	if err != nil {
		return nil, nil, "", fmt.Errorf("missing credential for provider %s: %w", provider.Name, err)
	}
	return agent, provider, apiKey, nil
}

// synthesize issues the follow-up call that turns an executed tool batch into
// a final answer. Failure degrades to a textual note.
func (d *Dispatcher) synthesize(ctx context.Context, caller gateway.Caller, req gateway.SynthesisRequest, firstText string, tlog *tracelog.Logger) string {
	text, err := caller.Synthesize(ctx, req)
	if err != nil {
		tlog.Error(ctx, fmt.Sprintf("synthesis failed: %v", err))
		note := fmt.Sprintf("Executed %d tool call(s) but could not synthesize a final answer: %v", len(req.Calls), err)
		if firstText != "" {
			return firstText + "\n\n" + note
		}
		return note
	}
	return text
}

// breadcrumbs builds the contextual linkage every escalation carries.
func (d *Dispatcher) breadcrumbs(task *persistence.Task, agentSlug string) map[string]any {
	crumbs := map[string]any{"agent_slug": agentSlug}
	if task.MasterTaskID != "" {
		crumbs["master_task_id"] = task.MasterTaskID
	}
	if task.ParentID != "" {
		crumbs["parent_task_id"] = task.ParentID
	}
	if task.IsParallelTask {
		crumbs["is_parallel_task"] = true
	}
	return crumbs
}

// escalateTopLevel is the outermost failure handler. Parallel tasks are
// enriched with the queued aggregator waiting on them so a resolver can act
// on the whole fan-out group.
func (d *Dispatcher) escalateTopLevel(ctx context.Context, task *persistence.Task, message string) Result {
	category := review.CategoryUnknown
	crumbs := d.breadcrumbs(task, "")
	if task.IsParallelTask {
		category = review.CategoryParallelTask
		agg, err := d.store.FindAggregatorForDependency(ctx, task.ID)
		if err != nil {
			d.logger.Warn("aggregator lookup failed during escalation",
				"task_id", task.ID, "error", err.Error())
		} else if agg != nil {
			crumbs["aggregator_task_id"] = agg.ID
		}
	}
	reviewID, err := d.escalator.Escalate(ctx, review.Escalation{
		TaskID:   task.ID,
		Category: category,
		Message:  message,
		Context:  crumbs,
	})
	if err != nil {
		d.logger.Error("escalation failed", "task_id", task.ID, "error", err.Error())
		return errorResult("%s (escalation also failed: %v)", message, err)
	}
	return Result{Status: "error", Message: message, ReviewID: reviewID}
}

// dispatchAsync fires a child task's dispatch without awaiting it. Child
// failures are logged, never surfaced to the parent attempt.
func (d *Dispatcher) dispatchAsync(taskID string) {
	d.spawn(func() {
		ctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
		result := d.Dispatch(ctx, taskID)
		if result.Status == "error" || result.Status == "failed" {
			d.logger.Warn("child dispatch did not complete",
				"task_id", taskID, "status", result.Status, "message", result.Message)
		}
	})
}
