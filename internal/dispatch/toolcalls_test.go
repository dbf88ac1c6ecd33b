package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/accord-labs/relay/internal/gateway"
	"github.com/accord-labs/relay/internal/persistence"
)

func (e *testEnv) createTool(t *testing.T, tool *persistence.Tool, config any) string {
	t.Helper()
	raw, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	tool.Config = raw
	tool.Active = true
	id, err := e.store.CreateTool(context.Background(), tool)
	if err != nil {
		t.Fatalf("create tool: %v", err)
	}
	if err := e.store.AssignTool(context.Background(), e.agentID, id); err != nil {
		t.Fatalf("assign tool: %v", err)
	}
	return id
}

func (e *testEnv) messagesOfType(t *testing.T, taskID string, msgType persistence.MessageType) []persistence.TaskMessage {
	t.Helper()
	messages, err := e.store.ListTaskMessages(context.Background(), taskID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var out []persistence.TaskMessage
	for _, msg := range messages {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func TestDispatchHandoffShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reviewerID, err := env.store.CreateAgent(ctx, &persistence.Agent{
		Slug: "reviewer", Name: "Reviewer", SystemPrompt: "Review things.",
		ProviderID: env.providerID, Active: true,
	})
	if err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	env.createTool(t, &persistence.Tool{Slug: "to_reviewer", Name: "Escalate to reviewer", Type: persistence.ToolHandoff},
		persistence.HandoffConfig{
			TargetAgentSlug: "reviewer",
			Instructions:    "Check the order carefully.",
			ContextVariables: []persistence.ContextVariable{
				{Name: "order_id", Type: "string", Required: true},
			},
		})

	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "to_reviewer", Arguments: map[string]any{"order_id": "42"}},
			{ID: "c2", Name: "create_parallel_task", Arguments: map[string]any{"agent_id": env.agentID, "message": "never runs"}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{Context: map[string]any{"customer": "acme"}})
	result := env.dispatcher.Dispatch(ctx, taskID)
	if result.Status != "handoff" || !result.Handoff {
		t.Fatalf("expected handoff result, got %#v", result)
	}

	task, _ := env.store.GetTask(ctx, taskID)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("origin task should be completed, got %s", task.Status)
	}
	if task.Output["handoff"] != true {
		t.Fatalf("output.handoff missing: %#v", task.Output)
	}
	successorID, _ := task.Output["new_task_id"].(string)
	if successorID == "" {
		t.Fatalf("output.new_task_id missing: %#v", task.Output)
	}

	successor, _ := env.store.GetTask(ctx, successorID)
	if successor == nil || successor.Status != persistence.TaskStatusPending {
		t.Fatalf("successor should be pending: %#v", successor)
	}
	if successor.AgentID != reviewerID {
		t.Fatalf("successor agent = %s, want %s", successor.AgentID, reviewerID)
	}
	if successor.InputMessage() != task.InputMessage() {
		t.Fatalf("successor must carry the same input message")
	}
	if successor.MasterTaskID != taskID || successor.ParentID != taskID {
		t.Fatalf("successor lineage wrong: master=%s parent=%s", successor.MasterTaskID, successor.ParentID)
	}
	for key, want := range map[string]any{
		"customer":              "acme",
		"order_id":              "42",
		"_handoff_from":         "default",
		"_handoff_tool":         "to_reviewer",
		"_handoff_instructions": "Check the order carefully.",
	} {
		if successor.Context[key] != want {
			t.Fatalf("successor context[%s] = %#v, want %#v", key, successor.Context[key], want)
		}
	}
	chain, _ := successor.Context["_agent_chain"].([]any)
	if len(chain) != 1 || chain[0] != "default" {
		t.Fatalf("agent chain wrong: %#v", successor.Context["_agent_chain"])
	}

	// The second call in the batch must never have been executed.
	if calls := env.messagesOfType(t, taskID, persistence.MessageToolCall); len(calls) != 1 {
		t.Fatalf("expected 1 logged tool call, got %d", len(calls))
	}
	if len(env.caller.synths) != 0 {
		t.Fatalf("handoff must skip synthesis")
	}
	if handoffs := env.messagesOfType(t, taskID, persistence.MessageHandoff); len(handoffs) != 1 {
		t.Fatalf("expected handoff trace entry")
	}
	results := env.messagesOfType(t, taskID, persistence.MessageToolResult)
	if len(results) != 1 {
		t.Fatalf("handoff call must log a tool_result, got %d", len(results))
	}
	if results[0].Content["success"] != true {
		t.Fatalf("handoff tool_result not marked successful: %#v", results[0].Content)
	}
}

func TestDispatchHandoffInvalidArgumentsSoftFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.store.CreateAgent(ctx, &persistence.Agent{
		Slug: "reviewer", Name: "Reviewer", SystemPrompt: "Review.",
		ProviderID: env.providerID, Active: true,
	}); err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	env.createTool(t, &persistence.Tool{Slug: "to_reviewer", Name: "Escalate", Type: persistence.ToolHandoff},
		persistence.HandoffConfig{
			TargetAgentSlug: "reviewer",
			ContextVariables: []persistence.ContextVariable{
				{Name: "order_id", Type: "string", Required: true},
			},
		})

	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "to_reviewer", Arguments: map[string]any{}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	result := env.dispatcher.Dispatch(ctx, taskID)
	if result.Status != "completed" {
		t.Fatalf("soft handoff failure should still complete, got %#v", result)
	}
	if len(env.caller.synths) != 1 {
		t.Fatalf("expected synthesis after failed handoff")
	}
	if !strings.Contains(env.caller.synths[0].Results[0], "invalid handoff arguments") {
		t.Fatalf("validation failure not surfaced: %q", env.caller.synths[0].Results[0])
	}

	// No successor, and the conversation still has a single task.
	all, _ := env.store.ListConversationTasks(ctx, taskID)
	if len(all) != 1 {
		t.Fatalf("no successor expected, conversation has %d tasks", len(all))
	}
}

func TestDispatchCreateParallelTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "create_parallel_task", Arguments: map[string]any{
				"agent_id": env.agentID,
				"message":  "research topic A",
			}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	result := env.dispatcher.Dispatch(ctx, taskID)
	if result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}

	conversation, _ := env.store.ListConversationTasks(ctx, taskID)
	if len(conversation) != 2 {
		t.Fatalf("expected root + child, got %d tasks", len(conversation))
	}
	var child *persistence.Task
	for i := range conversation {
		if conversation[i].ID != taskID {
			child = &conversation[i]
		}
	}
	if !child.IsParallelTask || child.Status != persistence.TaskStatusPending {
		t.Fatalf("child wrong: %#v", child)
	}
	if child.MasterTaskID != taskID || child.ParentID != taskID {
		t.Fatalf("child lineage wrong: master=%s parent=%s", child.MasterTaskID, child.ParentID)
	}
	if child.InputMessage() != "research topic A" {
		t.Fatalf("child input = %q", child.InputMessage())
	}

	if len(env.caller.synths) != 1 {
		t.Fatalf("expected synthesis")
	}
	if !strings.Contains(env.caller.synths[0].Results[0], child.ID) {
		t.Fatalf("tool result must name the child id: %q", env.caller.synths[0].Results[0])
	}
	if created := env.messagesOfType(t, taskID, persistence.MessageSubtaskCreated); len(created) != 1 {
		t.Fatalf("expected subtask_created trace entry")
	}
}

func TestDispatchCreateAggregatorTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	depID := env.createTask(t, &persistence.Task{Status: persistence.TaskStatusRunning})
	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "create_aggregator_task", Arguments: map[string]any{
				"agent_id":           env.agentID,
				"message":            "combine the findings",
				"dependent_task_ids": []any{depID},
				"instructions":       "Merge into one report.",
			}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(ctx, taskID); result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}

	agg, err := env.store.FindAggregatorForDependency(ctx, depID)
	if err != nil || agg == nil {
		t.Fatalf("aggregator not found: %v", err)
	}
	if agg.Status != persistence.TaskStatusQueued {
		t.Fatalf("aggregator must stay queued, got %s", agg.Status)
	}
	if agg.Context["_aggregation_instructions"] != "Merge into one report." {
		t.Fatalf("aggregation instructions missing: %#v", agg.Context)
	}
	if !strings.Contains(env.caller.synths[0].Results[0], "waiting on 1 task(s)") {
		t.Fatalf("tool result wrong: %q", env.caller.synths[0].Results[0])
	}
}

func TestDispatchAggregatorRequiresDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "create_aggregator_task", Arguments: map[string]any{
				"agent_id":           env.agentID,
				"message":            "combine",
				"dependent_task_ids": []any{},
			}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(context.Background(), taskID); result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}
	if !strings.Contains(env.caller.synths[0].Results[0], "non-empty dependent_task_ids") {
		t.Fatalf("expected validation error, got %q", env.caller.synths[0].Results[0])
	}
	all, _ := env.store.ListConversationTasks(context.Background(), taskID)
	if len(all) != 1 {
		t.Fatalf("no aggregator should be created")
	}
}

func TestDispatchSkillLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	skillID, err := env.store.CreateSkill(ctx, &persistence.Skill{
		SkillID: "invoice-audit", Name: "Invoice audit",
		Description:  "Audit invoices line by line.",
		Instructions: "1. Check totals.\n2. Flag anomalies.",
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create skill: %v", err)
	}
	if err := env.store.AssignSkill(ctx, env.agentID, skillID, 0); err != nil {
		t.Fatalf("assign skill: %v", err)
	}

	env.caller.callFn = func(req gateway.Request) (*gateway.Response, error) {
		if !strings.Contains(req.SystemPrompt, "invoice-audit") {
			t.Errorf("skill index missing from system prompt")
		}
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "load_skill", Arguments: map[string]any{"skill_id": "invoice-audit"}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(ctx, taskID); result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}
	if !strings.Contains(env.caller.synths[0].Results[0], "Check totals") {
		t.Fatalf("skill instructions not returned: %q", env.caller.synths[0].Results[0])
	}
	if loads := env.messagesOfType(t, taskID, persistence.MessageSkillLoad); len(loads) != 1 {
		t.Fatalf("expected skill_load trace entry")
	}
}

func TestDispatchMCPToolCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.Unmarshal(body, &req)
		switch req.Method {
		case "initialize":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"serverInfo":{"name":"docs"}}}`, req.ID)
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/call":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"found 3 documents"}]}}`, req.ID)
		default:
			http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
		}
	}))
	defer server.Close()

	env.createTool(t, &persistence.Tool{Slug: "docs", Name: "Docs server", Type: persistence.ToolMCPServer},
		persistence.MCPServerConfig{
			URL: server.URL,
			SubTools: []persistence.MCPSubTool{
				{Name: "search", Description: "Search the docs", InputSchema: map[string]any{"type": "object"}},
			},
		})

	env.caller.callFn = func(req gateway.Request) (*gateway.Response, error) {
		var names []string
		for _, def := range req.Tools {
			names = append(names, def.Name)
		}
		if !contains(names, "docs__search") {
			t.Errorf("expected docs__search in tools, got %v", names)
		}
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "docs__search", Arguments: map[string]any{"query": "billing"}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(ctx, taskID); result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}
	if env.caller.synths[0].Results[0] != "found 3 documents" {
		t.Fatalf("remote result wrong: %q", env.caller.synths[0].Results[0])
	}
}

func TestDispatchHTTPAPITool(t *testing.T) {
	env := newTestEnv(t)

	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	env.createTool(t, &persistence.Tool{Slug: "crm_lookup", Name: "CRM lookup", Type: persistence.ToolHTTPAPI},
		persistence.HTTPAPIConfig{URL: server.URL, Method: http.MethodPost, Description: "Look up a customer"})

	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "crm_lookup", Arguments: map[string]any{"customer": "acme"}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(context.Background(), taskID); result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}
	if gotBody["customer"] != "acme" {
		t.Fatalf("tool arguments not forwarded: %#v", gotBody)
	}
	if env.caller.synths[0].Results[0] != `{"ok":true}` {
		t.Fatalf("response body wrong: %q", env.caller.synths[0].Results[0])
	}
}

func TestDispatchSupabaseRPCTool(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("SUPABASE_SERVICE_KEY", "svc-key")

	var gotPath, gotAPIKey, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `[{"order_id":"O-1"}]`)
	}))
	defer server.Close()

	env.createTool(t, &persistence.Tool{
		Slug: "find_orders", Name: "Find orders",
		Type:          persistence.ToolSupabaseRPC,
		CredentialRef: "SUPABASE_SERVICE_KEY",
	}, persistence.SupabaseRPCConfig{
		ProjectURL:   server.URL + "/",
		FunctionName: "find_orders",
		Description:  "Look up open orders",
	})

	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "find_orders", Arguments: map[string]any{"customer": "acme"}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(context.Background(), taskID); result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}
	if gotPath != "/rest/v1/rpc/find_orders" {
		t.Fatalf("wrong rpc path: %q", gotPath)
	}
	if gotAPIKey != "svc-key" || gotAuth != "Bearer svc-key" {
		t.Fatalf("credential headers not set: apikey=%q auth=%q", gotAPIKey, gotAuth)
	}
	if gotBody["customer"] != "acme" {
		t.Fatalf("tool arguments not forwarded: %#v", gotBody)
	}
	if env.caller.synths[0].Results[0] != `[{"order_id":"O-1"}]` {
		t.Fatalf("response body wrong: %q", env.caller.synths[0].Results[0])
	}
}

func TestDispatchSupabaseRPCFailureIsSoft(t *testing.T) {
	env := newTestEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"function not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	env.createTool(t, &persistence.Tool{Slug: "find_orders", Name: "Find orders", Type: persistence.ToolSupabaseRPC},
		persistence.SupabaseRPCConfig{ProjectURL: server.URL, FunctionName: "find_orders"})

	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "find_orders", Arguments: map[string]any{}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(context.Background(), taskID); result.Status != "completed" {
		t.Fatalf("rpc failure must stay soft: %#v", result)
	}
	if !strings.Contains(env.caller.synths[0].Results[0], "rpc find_orders failed with http 404") {
		t.Fatalf("expected rpc failure text, got %q", env.caller.synths[0].Results[0])
	}
	results := env.messagesOfType(t, taskID, persistence.MessageToolResult)
	if len(results) != 1 || results[0].Content["success"] != false {
		t.Fatalf("expected one failed tool_result, got %#v", results)
	}
}

func TestDispatchUnknownToolName(t *testing.T) {
	env := newTestEnv(t)
	env.caller.callFn = func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{ToolCalls: []gateway.ToolCall{
			{ID: "c1", Name: "no_such_tool", Arguments: map[string]any{}},
		}}, nil
	}

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(context.Background(), taskID); result.Status != "completed" {
		t.Fatalf("unknown tool is a soft failure: %#v", result)
	}
	if env.caller.synths[0].Results[0] != "Tool not found: no_such_tool" {
		t.Fatalf("wrong result: %q", env.caller.synths[0].Results[0])
	}

	results := env.messagesOfType(t, taskID, persistence.MessageToolResult)
	if len(results) != 1 {
		t.Fatalf("expected one tool_result entry")
	}
	if success, _ := results[0].Content["success"].(bool); success {
		t.Fatalf("not-found result must be recorded as unsuccessful")
	}
}

func TestDispatchUndiscoveredMCPToolContributesNothing(t *testing.T) {
	env := newTestEnv(t)

	env.createTool(t, &persistence.Tool{Slug: "bare", Name: "Bare server", Type: persistence.ToolMCPServer},
		persistence.MCPServerConfig{URL: "http://127.0.0.1:1/mcp"})

	taskID := env.createTask(t, &persistence.Task{})
	if result := env.dispatcher.Dispatch(context.Background(), taskID); result.Status != "completed" {
		t.Fatalf("dispatch: %#v", result)
	}

	var names []string
	for _, def := range env.caller.requests[0].Tools {
		names = append(names, def.Name)
	}
	for _, name := range names {
		if strings.HasPrefix(name, "bare__") {
			t.Fatalf("undiscovered server leaked callable %s", name)
		}
	}
	// Built-ins are always offered.
	if !contains(names, "create_parallel_task") || !contains(names, "create_aggregator_task") {
		t.Fatalf("built-ins missing: %v", names)
	}
	// No skills assigned, so no loader callable.
	if contains(names, "load_skill") {
		t.Fatalf("load_skill offered without skills")
	}
}

func contains(names []string, want string) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}
