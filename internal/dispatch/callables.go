package dispatch

import (
	"context"
	"fmt"

	"github.com/accord-labs/relay/internal/gateway"
	"github.com/accord-labs/relay/internal/persistence"
	"github.com/accord-labs/relay/internal/skills"
)

// Built-in callables offered on every dispatch.
const (
	parallelToolName   = "create_parallel_task"
	aggregatorToolName = "create_aggregator_task"
)

// mcpNameSeparator joins a protocol tool's slug with a discovered sub-tool
// name into one callable name.
const mcpNameSeparator = "__"

type callableKind int

const (
	kindBuiltinParallel callableKind = iota
	kindBuiltinAggregator
	kindSkillLoad
	kindMCP
	kindHTTPAPI
	kindSupabaseRPC
	kindHandoff
	kindInternal
)

// callable binds one model-visible function name to the machinery that
// executes it.
type callable struct {
	def     gateway.ToolDef
	kind    callableKind
	tool    *persistence.Tool
	subTool string
}

type callableSet struct {
	defs       []gateway.ToolDef
	byName     map[string]callable
	skillIndex string
}

func (s *callableSet) add(c callable) {
	if _, exists := s.byName[c.def.Name]; exists {
		return
	}
	s.byName[c.def.Name] = c
	s.defs = append(s.defs, c.def)
}

// buildCallables assembles the model's function list from the agent's tools
// and skills plus the always-present built-ins.
func (d *Dispatcher) buildCallables(ctx context.Context, task *persistence.Task, agent *persistence.Agent) (*callableSet, error) {
	set := &callableSet{byName: map[string]callable{}}

	tools, err := d.store.ListAgentTools(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("list agent tools: %w", err)
	}
	for i := range tools {
		tool := &tools[i]
		switch tool.Type {
		case persistence.ToolMCPServer:
			cfg, err := tool.MCPServerConfig()
			if err != nil {
				d.logger.Warn("skipping tool with bad config", "tool", tool.Slug, "error", err.Error())
				continue
			}
			// No cached sub-tools means discovery has not run; the tool
			// contributes nothing.
			for _, subTool := range cfg.SubTools {
				set.add(callable{
					def: gateway.ToolDef{
						Name:        tool.Slug + mcpNameSeparator + subTool.Name,
						Description: subTool.Description,
						Parameters:  subTool.InputSchema,
					},
					kind:    kindMCP,
					tool:    tool,
					subTool: subTool.Name,
				})
			}
		case persistence.ToolHandoff:
			cfg, err := tool.HandoffConfig()
			if err != nil {
				d.logger.Warn("skipping tool with bad config", "tool", tool.Slug, "error", err.Error())
				continue
			}
			set.add(callable{
				def: gateway.ToolDef{
					Name:        tool.Slug,
					Description: handoffDescription(cfg),
					Parameters:  contextVariableSchema(cfg.ContextVariables),
				},
				kind: kindHandoff,
				tool: tool,
			})
		case persistence.ToolHTTPAPI:
			cfg, err := tool.HTTPAPIConfig()
			if err != nil {
				d.logger.Warn("skipping tool with bad config", "tool", tool.Slug, "error", err.Error())
				continue
			}
			set.add(callable{
				def: gateway.ToolDef{
					Name:        tool.Slug,
					Description: cfg.Description,
					Parameters:  cfg.Parameters,
				},
				kind: kindHTTPAPI,
				tool: tool,
			})
		case persistence.ToolSupabaseRPC:
			cfg, err := tool.SupabaseRPCConfig()
			if err != nil {
				d.logger.Warn("skipping tool with bad config", "tool", tool.Slug, "error", err.Error())
				continue
			}
			set.add(callable{
				def: gateway.ToolDef{
					Name:        tool.Slug,
					Description: cfg.Description,
					Parameters:  cfg.Parameters,
				},
				kind: kindSupabaseRPC,
				tool: tool,
			})
		default:
			set.add(callable{
				def:  gateway.ToolDef{Name: tool.Slug, Description: tool.Name},
				kind: kindInternal,
				tool: tool,
			})
		}
	}

	skillIndex, err := d.skillLoader.ListSummaries(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	set.skillIndex = skillIndex
	if skillIndex != "" {
		set.add(callable{
			def: gateway.ToolDef{
				Name:        skills.LoadToolName,
				Description: "Load the full instructions of an available skill before using it.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"skill_id": map[string]any{
							"type":        "string",
							"description": "External key of the skill to load.",
						},
					},
					"required": []any{"skill_id"},
				},
			},
			kind: kindSkillLoad,
		})
	}

	set.add(callable{
		def: gateway.ToolDef{
			Name:        parallelToolName,
			Description: "Create an independent task that runs in parallel. Returns the new task id immediately.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{
						"type":        "string",
						"description": "Id of the agent to run the task.",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "The task's instruction message.",
					},
					"context": map[string]any{
						"type":        "object",
						"description": "Optional context variables for the new task.",
					},
				},
				"required": []any{"agent_id", "message"},
			},
		},
		kind: kindBuiltinParallel,
	})
	set.add(callable{
		def: gateway.ToolDef{
			Name:        aggregatorToolName,
			Description: "Create a task that waits for named tasks to finish, then aggregates their outputs.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{
						"type":        "string",
						"description": "Id of the agent to run the aggregation.",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "The aggregation task's instruction message.",
					},
					"dependent_task_ids": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Ids of the tasks to wait for. At least one.",
					},
					"instructions": map[string]any{
						"type":        "string",
						"description": "How to combine the dependency outputs.",
					},
				},
				"required": []any{"agent_id", "message", "dependent_task_ids"},
			},
		},
		kind: kindBuiltinAggregator,
	})

	return set, nil
}

func handoffDescription(cfg *persistence.HandoffConfig) string {
	if cfg.Description != "" {
		return cfg.Description
	}
	return fmt.Sprintf("Hand the conversation over to agent %s.", cfg.TargetAgentSlug)
}

// contextVariableSchema derives a JSON schema from a handoff tool's declared
// typed context variables.
func contextVariableSchema(vars []persistence.ContextVariable) map[string]any {
	properties := map[string]any{}
	var required []any
	for _, v := range vars {
		prop := map[string]any{"type": schemaType(v.Type)}
		if v.Description != "" {
			prop["description"] = v.Description
		}
		properties[v.Name] = prop
		if v.Required {
			required = append(required, v.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func schemaType(t string) string {
	switch t {
	case "string", "number", "integer", "boolean", "array", "object":
		return t
	default:
		return "string"
	}
}
