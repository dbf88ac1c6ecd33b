package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// anthropicCaller speaks the messages protocol: tool invocations and tool
// results are typed content blocks inside user/assistant messages.
type anthropicCaller struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newAnthropicCaller(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *anthropicCaller {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicCaller{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient, logger: logger}
}

type anBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anMessage struct {
	Role    string    `json:"role"`
	Content []anBlock `json:"content"`
}

type anTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anRequest struct {
	Model     string      `json:"model"`
	MaxTokens int         `json:"max_tokens"`
	System    string      `json:"system,omitempty"`
	Messages  []anMessage `json:"messages"`
	Tools     []anTool    `json:"tools,omitempty"`
}

type anResponse struct {
	Content []anBlock `json:"content"`
}

func textBlock(text string) []anBlock {
	return []anBlock{{Type: "text", Text: text}}
}

func (c *anthropicCaller) post(ctx context.Context, payload anRequest) (*anResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("messages call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readBackendError(resp)
	}

	var parsed anResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

func historyMessages(history []Message) []anMessage {
	messages := make([]anMessage, 0, len(history))
	for _, turn := range history {
		messages = append(messages, anMessage{Role: turn.Role, Content: textBlock(turn.Content)})
	}
	return messages
}

func (c *anthropicCaller) Call(ctx context.Context, req Request) (*Response, error) {
	messages := historyMessages(req.History)
	messages = append(messages, anMessage{Role: "user", Content: textBlock(req.UserMessage)})

	payload := anRequest{
		Model:     req.Model,
		MaxTokens: anthropicMaxTokens,
		System:    req.SystemPrompt,
		Messages:  messages,
	}
	for _, tool := range req.Tools {
		schema := tool.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		payload.Tools = append(payload.Tools, anTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	parsed, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := &Response{}
	var texts []string
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out, nil
}

func (c *anthropicCaller) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	messages := []anMessage{{Role: "user", Content: textBlock(req.UserMessage)}}

	assistant := anMessage{Role: "assistant"}
	for _, call := range req.Calls {
		input := call.Arguments
		if input == nil {
			input = map[string]any{}
		}
		assistant.Content = append(assistant.Content, anBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: input,
		})
	}
	messages = append(messages, assistant)

	results := anMessage{Role: "user"}
	for i, call := range req.Calls {
		result := ""
		if i < len(req.Results) {
			result = req.Results[i]
		}
		results.Content = append(results.Content, anBlock{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   result,
		})
	}
	messages = append(messages, results)

	parsed, err := c.post(ctx, anRequest{
		Model:     req.Model,
		MaxTokens: anthropicMaxTokens,
		System:    req.SystemPrompt,
		Messages:  messages,
	})
	if err != nil {
		return "", err
	}
	var texts []string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}
