package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/accord-labs/relay/internal/gateway"
	"github.com/accord-labs/relay/internal/persistence"
	"github.com/accord-labs/relay/internal/skills"
	"github.com/accord-labs/relay/internal/tracelog"
)

type batchResult struct {
	results []string
	// handoff is set when a handoff call short-circuited the batch; the
	// dispatcher returns it immediately.
	handoff *Result
}

// executeToolCalls runs the model's requested calls strictly in order. Every
// branch yields a textual result fed back to the model; failures are soft
// except handoff, which ends the attempt.
func (d *Dispatcher) executeToolCalls(ctx context.Context, task *persistence.Task, agent *persistence.Agent, set *callableSet, calls []gateway.ToolCall, tlog *tracelog.Logger) batchResult {
	var batch batchResult
	for _, call := range calls {
		tlog.ToolCall(ctx, call.Name, call.Arguments)
		start := time.Now()

		var result string
		if c, known := set.byName[call.Name]; known && c.kind == kindHandoff {
			handoffResult, completed := d.executeHandoff(ctx, task, agent, c, call, tlog)
			if completed {
				// Handoff is terminal for this attempt: the rest of the
				// batch is never executed. It still gets a tool_result
				// entry like every other call.
				tlog.ToolResult(ctx, call.Name, handoffResult.Response, true, time.Since(start))
				batch.handoff = &handoffResult
				return batch
			}
			result = handoffResult.Message
		} else {
			result = d.executeOne(ctx, task, set, call, tlog)
		}

		duration := time.Since(start)
		tlog.ToolResult(ctx, call.Name, result, resultLooksSuccessful(result), duration)
		batch.results = append(batch.results, result)
	}
	return batch
}

// resultLooksSuccessful is the heuristic the trace records: a result is a
// failure when its text mentions an error or a missing target.
func resultLooksSuccessful(result string) bool {
	lower := strings.ToLower(result)
	return !strings.Contains(lower, "error") && !strings.Contains(lower, "not found")
}

func (d *Dispatcher) executeOne(ctx context.Context, task *persistence.Task, set *callableSet, call gateway.ToolCall, tlog *tracelog.Logger) string {
	c, ok := set.byName[call.Name]
	if !ok {
		return fmt.Sprintf("Tool not found: %s", call.Name)
	}
	switch c.kind {
	case kindSkillLoad:
		return d.executeSkillLoad(ctx, call, tlog)
	case kindBuiltinParallel:
		return d.executeCreateParallel(ctx, task, call, tlog)
	case kindBuiltinAggregator:
		return d.executeCreateAggregator(ctx, task, call, tlog)
	case kindMCP:
		return d.executeMCPCall(ctx, c, call)
	case kindHTTPAPI:
		return d.executeHTTPCall(ctx, c, call)
	case kindSupabaseRPC:
		return d.executeSupabaseCall(ctx, c, call)
	default:
		return fmt.Sprintf("Unknown tool type for %s", call.Name)
	}
}

func (d *Dispatcher) executeSkillLoad(ctx context.Context, call gateway.ToolCall, tlog *tracelog.Logger) string {
	skillKey, _ := call.Arguments["skill_id"].(string)
	skill := d.skillLoader.Load(ctx, skillKey)
	if skill == nil {
		result := fmt.Sprintf("Skill not found: %s", skillKey)
		tlog.SkillLoad(ctx, skillKey, result, false)
		return result
	}
	result := skills.Instructions(skill)
	tlog.SkillLoad(ctx, skillKey, result, true)
	return result
}

func (d *Dispatcher) executeCreateParallel(ctx context.Context, task *persistence.Task, call gateway.ToolCall, tlog *tracelog.Logger) string {
	agentID, _ := call.Arguments["agent_id"].(string)
	message, _ := call.Arguments["message"].(string)
	if agentID == "" || message == "" {
		return "error: create_parallel_task requires agent_id and message"
	}
	target, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Sprintf("error resolving agent: %v", err)
	}
	if target == nil {
		return fmt.Sprintf("Agent not found: %s", agentID)
	}

	childContext, _ := call.Arguments["context"].(map[string]any)
	child := &persistence.Task{
		MasterTaskID:   task.ConversationRoot(),
		ParentID:       task.ID,
		AgentID:        target.ID,
		IsParallelTask: true,
		Status:         persistence.TaskStatusPending,
		Input:          map[string]any{"message": message},
		Context:        childContext,
	}
	childID, err := d.store.CreateTask(ctx, child)
	if err != nil {
		return fmt.Sprintf("error creating parallel task: %v", err)
	}
	tlog.SubtaskCreated(ctx, childID, "parallel")
	d.dispatchAsync(childID)
	return fmt.Sprintf("Created parallel task %s", childID)
}

func (d *Dispatcher) executeCreateAggregator(ctx context.Context, task *persistence.Task, call gateway.ToolCall, tlog *tracelog.Logger) string {
	agentID, _ := call.Arguments["agent_id"].(string)
	message, _ := call.Arguments["message"].(string)
	depIDs := stringSlice(call.Arguments["dependent_task_ids"])
	if agentID == "" || message == "" {
		return "error: create_aggregator_task requires agent_id and message"
	}
	if len(depIDs) == 0 {
		return "error: create_aggregator_task requires a non-empty dependent_task_ids list"
	}
	target, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Sprintf("error resolving agent: %v", err)
	}
	if target == nil {
		return fmt.Sprintf("Agent not found: %s", agentID)
	}

	aggContext := map[string]any{}
	if instructions, _ := call.Arguments["instructions"].(string); instructions != "" {
		aggContext[ctxAggregation] = instructions
	}
	agg := &persistence.Task{
		MasterTaskID:     task.ConversationRoot(),
		ParentID:         task.ID,
		AgentID:          target.ID,
		DependentTaskIDs: depIDs,
		Status:           persistence.TaskStatusQueued,
		Input:            map[string]any{"message": message},
		Context:          aggContext,
	}
	// The aggregator stays queued; the promoter flips it once every
	// dependency reaches a terminal state.
	aggID, err := d.store.CreateTask(ctx, agg)
	if err != nil {
		return fmt.Sprintf("error creating aggregator task: %v", err)
	}
	tlog.SubtaskCreated(ctx, aggID, "aggregator")
	return fmt.Sprintf("Created aggregator task %s waiting on %d task(s)", aggID, len(depIDs))
}

// executeHandoff transfers the conversation to another agent. On success the
// current task is already completed and the returned result is terminal for
// this attempt. completed=false means a soft failure.
func (d *Dispatcher) executeHandoff(ctx context.Context, task *persistence.Task, agent *persistence.Agent, c callable, call gateway.ToolCall, tlog *tracelog.Logger) (Result, bool) {
	cfg, err := c.tool.HandoffConfig()
	if err != nil {
		return errorResult("error: %v", err), false
	}
	if err := validateContextVariables(cfg.ContextVariables, call.Arguments); err != nil {
		return errorResult("error: invalid handoff arguments: %v", err), false
	}
	target, err := d.store.GetAgentBySlug(ctx, cfg.TargetAgentSlug)
	if err != nil {
		return errorResult("error resolving agent: %v", err), false
	}
	if target == nil {
		return errorResult("Agent not found: %s", cfg.TargetAgentSlug), false
	}

	newContext := map[string]any{}
	for k, v := range task.Context {
		newContext[k] = v
	}
	for k, v := range call.Arguments {
		newContext[k] = v
	}
	newContext[ctxHandoffFrom] = agent.Slug
	newContext[ctxHandoffTool] = c.tool.Slug
	if cfg.Instructions != "" {
		newContext[ctxHandoffInstructions] = cfg.Instructions
	}
	chain := stringSlice(task.Context[ctxAgentChain])
	newContext[ctxAgentChain] = append(chain, agent.Slug)

	successor := &persistence.Task{
		MasterTaskID: task.ConversationRoot(),
		ParentID:     task.ID,
		AgentID:      target.ID,
		Status:       persistence.TaskStatusPending,
		Input:        task.Input,
		Context:      newContext,
	}
	successorID, err := d.store.CreateTask(ctx, successor)
	if err != nil {
		return errorResult("error creating handoff task: %v", err), false
	}

	response := fmt.Sprintf("Handed off to agent %s (task %s)", target.Slug, successorID)
	output := map[string]any{
		"response":     response,
		"handoff":      true,
		"new_task_id":  successorID,
		"target_agent": target.Slug,
	}
	if err := d.store.FinalizeTask(ctx, task.ID, persistence.TaskStatusCompleted, output); err != nil {
		return errorResult("error finalizing handoff: %v", err), false
	}
	tlog.Handoff(ctx, target.Slug, successorID)
	tlog.StatusChange(ctx, persistence.TaskStatusRunning, persistence.TaskStatusCompleted)
	d.dispatchAsync(successorID)

	return Result{Status: "handoff", Handoff: true, Response: response}, true
}

// validateContextVariables checks the handoff arguments against the schema
// derived from the tool's declared typed variables.
func validateContextVariables(vars []persistence.ContextVariable, args map[string]any) error {
	if len(vars) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("handoff.json", contextVariableSchema(vars)); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	schema, err := compiler.Compile("handoff.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return schema.Validate(normalizeJSON(args))
}

// normalizeJSON round-trips a value through encoding/json so schema
// validation sees canonical JSON types.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func (d *Dispatcher) executeMCPCall(ctx context.Context, c callable, call gateway.ToolCall) string {
	cfg, err := c.tool.MCPServerConfig()
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	// The callable name is {slug}__{subtool}; the remote only knows the
	// sub-tool part.
	remoteName := c.subTool
	if remoteName == "" {
		if _, after, found := strings.Cut(call.Name, mcpNameSeparator); found {
			remoteName = after
		} else {
			remoteName = call.Name
		}
	}

	credential := ""
	if c.tool.CredentialRef != "" {
		credential, err = d.vault.Resolve(c.tool.CredentialRef)
		if err != nil {
			return fmt.Sprintf("error resolving credential %s: %v", c.tool.CredentialRef, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	sessionID := d.mcpClient.InitializeSession(callCtx, cfg.URL, credential)
	result, err := d.mcpClient.CallTool(callCtx, cfg.URL, remoteName, call.Arguments, credential, sessionID)
	if err != nil {
		return fmt.Sprintf("error calling %s: %v", remoteName, err)
	}
	return result
}

func (d *Dispatcher) executeHTTPCall(ctx context.Context, c callable, call gateway.ToolCall) string {
	cfg, err := c.tool.HTTPAPIConfig()
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(call.Arguments)
	if err != nil {
		return fmt.Sprintf("error encoding arguments: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("error building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.Headers {
		req.Header.Set(name, value)
	}
	if c.tool.CredentialRef != "" {
		credential, err := d.vault.Resolve(c.tool.CredentialRef)
		if err != nil {
			return fmt.Sprintf("error resolving credential %s: %v", c.tool.CredentialRef, err)
		}
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Sprintf("error calling %s: %v", c.tool.Slug, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("error: http %d: %s", resp.StatusCode, string(respBody))
	}
	return string(respBody)
}

func (d *Dispatcher) executeSupabaseCall(ctx context.Context, c callable, call gateway.ToolCall) string {
	cfg, err := c.tool.SupabaseRPCConfig()
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	body, err := json.Marshal(call.Arguments)
	if err != nil {
		return fmt.Sprintf("error encoding arguments: %v", err)
	}
	url := strings.TrimSuffix(cfg.ProjectURL, "/") + "/rest/v1/rpc/" + cfg.FunctionName

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("error building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tool.CredentialRef != "" {
		credential, err := d.vault.Resolve(c.tool.CredentialRef)
		if err != nil {
			return fmt.Sprintf("error resolving credential %s: %v", c.tool.CredentialRef, err)
		}
		req.Header.Set("apikey", credential)
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Sprintf("error calling %s: %v", cfg.FunctionName, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("error: rpc %s failed with http %d: %s", cfg.FunctionName, resp.StatusCode, string(respBody))
	}
	return string(respBody)
}

func stringSlice(v any) []string {
	switch value := v.(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
