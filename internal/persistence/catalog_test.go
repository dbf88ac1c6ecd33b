package persistence

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDefaultAgentAndFirstProvider(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	providerID, err := store.CreateProvider(ctx, &Provider{
		Name: "main", Type: ProviderAnthropic, Model: "claude-sonnet-4", Active: true,
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if _, err := store.CreateProvider(ctx, &Provider{
		Name: "backup", Type: ProviderOpenAI, Model: "gpt-4o", Active: false,
	}); err != nil {
		t.Fatalf("create inactive provider: %v", err)
	}

	if _, err := store.CreateAgent(ctx, &Agent{
		Slug: "helper", Name: "Helper", SystemPrompt: "You help.",
		ProviderID: providerID, IsDefault: true, Active: true,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	agent, err := store.DefaultAgent(ctx)
	if err != nil {
		t.Fatalf("default agent: %v", err)
	}
	if agent == nil || agent.Slug != "helper" {
		t.Fatalf("expected default agent helper, got %#v", agent)
	}

	provider, err := store.FirstActiveProvider(ctx)
	if err != nil {
		t.Fatalf("first active provider: %v", err)
	}
	if provider == nil || provider.Name != "main" {
		t.Fatalf("expected active provider main, got %#v", provider)
	}
}

func TestAgentToolAndSkillAssignment(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	agentID, err := store.CreateAgent(ctx, &Agent{Slug: "ops", Active: true})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	toolID, err := store.CreateTool(ctx, &Tool{
		Slug: "weather", Type: ToolHTTPAPI, Active: true,
		Config: json.RawMessage(`{"url":"https://api.example.com/weather","method":"POST"}`),
	})
	if err != nil {
		t.Fatalf("create tool: %v", err)
	}
	inactiveID, err := store.CreateTool(ctx, &Tool{Slug: "old", Type: ToolInternal, Active: false})
	if err != nil {
		t.Fatalf("create inactive tool: %v", err)
	}
	if err := store.AssignTool(ctx, agentID, toolID); err != nil {
		t.Fatalf("assign tool: %v", err)
	}
	if err := store.AssignTool(ctx, agentID, inactiveID); err != nil {
		t.Fatalf("assign inactive tool: %v", err)
	}

	tools, err := store.ListAgentTools(ctx, agentID)
	if err != nil {
		t.Fatalf("list agent tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Slug != "weather" {
		t.Fatalf("expected only active tool weather, got %#v", tools)
	}

	skillID, err := store.CreateSkill(ctx, &Skill{
		SkillID: "onboarding", Name: "Onboarding", Version: "1.2",
		Description: "Walks a user through setup.", Instructions: "Step 1...", Active: true,
	})
	if err != nil {
		t.Fatalf("create skill: %v", err)
	}
	if err := store.AssignSkill(ctx, agentID, skillID, 5); err != nil {
		t.Fatalf("assign skill: %v", err)
	}

	skills, err := store.ListAgentSkills(ctx, agentID)
	if err != nil {
		t.Fatalf("list agent skills: %v", err)
	}
	if len(skills) != 1 || skills[0].SkillID != "onboarding" {
		t.Fatalf("expected skill onboarding, got %#v", skills)
	}

	loaded, err := store.GetSkillByKey(ctx, "onboarding")
	if err != nil {
		t.Fatalf("get skill by key: %v", err)
	}
	if loaded == nil || loaded.Instructions != "Step 1..." {
		t.Fatalf("skill instructions not round-tripped: %#v", loaded)
	}
	if missing, _ := store.GetSkillByKey(ctx, "nope"); missing != nil {
		t.Fatalf("expected nil for unknown skill key")
	}
}

func TestToolConfigVariants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mcpID, err := store.CreateTool(ctx, &Tool{
		Slug: "docs", Type: ToolMCPServer, Active: true,
		Config: json.RawMessage(`{"url":"https://mcp.example.com","sub_tools":[{"name":"search","description":"Search docs"}]}`),
	})
	if err != nil {
		t.Fatalf("create mcp tool: %v", err)
	}
	mcpTool, err := store.GetTool(ctx, mcpID)
	if err != nil {
		t.Fatalf("get mcp tool: %v", err)
	}
	mcpCfg, err := mcpTool.MCPServerConfig()
	if err != nil {
		t.Fatalf("decode mcp config: %v", err)
	}
	if mcpCfg.URL != "https://mcp.example.com" || len(mcpCfg.SubTools) != 1 {
		t.Fatalf("mcp config mismatch: %#v", mcpCfg)
	}
	if _, err := mcpTool.HandoffConfig(); err == nil {
		t.Fatalf("accessor for wrong variant should error")
	}

	handoffID, err := store.CreateTool(ctx, &Tool{
		Slug: "to_billing", Type: ToolHandoff, Active: true,
		Config: json.RawMessage(`{
			"target_agent_slug": "billing",
			"instructions": "Collect the invoice id first.",
			"context_variables": [
				{"name": "invoice_id", "type": "string", "required": true},
				{"name": "note", "type": "string", "required": false}
			]
		}`),
	})
	if err != nil {
		t.Fatalf("create handoff tool: %v", err)
	}
	handoffTool, err := store.GetToolBySlug(ctx, "to_billing")
	if err != nil {
		t.Fatalf("get handoff tool: %v", err)
	}
	if handoffTool == nil || handoffTool.ID != handoffID {
		t.Fatalf("slug lookup mismatch: %#v", handoffTool)
	}
	handoffCfg, err := handoffTool.HandoffConfig()
	if err != nil {
		t.Fatalf("decode handoff config: %v", err)
	}
	if handoffCfg.TargetAgentSlug != "billing" || len(handoffCfg.ContextVariables) != 2 {
		t.Fatalf("handoff config mismatch: %#v", handoffCfg)
	}
	if !handoffCfg.ContextVariables[0].Required || handoffCfg.ContextVariables[1].Required {
		t.Fatalf("required flags not round-tripped: %#v", handoffCfg.ContextVariables)
	}
}

func TestUpdateToolConfigPersistsDiscovery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTool(ctx, &Tool{
		Slug: "remote", Type: ToolMCPServer, Active: true,
		Config: json.RawMessage(`{"url":"https://mcp.example.com"}`),
	})
	if err != nil {
		t.Fatalf("create tool: %v", err)
	}

	err = store.UpdateToolConfig(ctx, id, MCPServerConfig{
		URL:        "https://mcp.example.com",
		SubTools:   []MCPSubTool{{Name: "lookup"}, {Name: "fetch"}},
		ServerName: "example-mcp",
	})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}

	tool, _ := store.GetTool(ctx, id)
	cfg, err := tool.MCPServerConfig()
	if err != nil {
		t.Fatalf("decode updated config: %v", err)
	}
	if len(cfg.SubTools) != 2 || cfg.ServerName != "example-mcp" {
		t.Fatalf("discovery cache not persisted: %#v", cfg)
	}

	if err := store.UpdateToolConfig(ctx, "missing", MCPServerConfig{}); err == nil {
		t.Fatalf("expected error updating unknown tool")
	}
}

func TestHumanReviewRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.CreateTask(ctx, &Task{Input: map[string]any{"message": "hi"}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	reviewID, err := store.CreateHumanReview(ctx, &HumanReview{
		TaskID: taskID,
		Response: map[string]any{
			"category": "llm_error",
			"options":  []any{"retry", "abort"},
			"priority": "high",
		},
	})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}

	reviews, err := store.ListHumanReviews(ctx, taskID)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 || reviews[0].ID != reviewID {
		t.Fatalf("expected one review %s, got %#v", reviewID, reviews)
	}
	if reviews[0].Response["category"] != "llm_error" {
		t.Fatalf("review payload mismatch: %#v", reviews[0].Response)
	}
}
