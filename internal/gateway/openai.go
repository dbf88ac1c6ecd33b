package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAICaller speaks the chat-completions protocol: a flat message list
// where tool results are messages with role "tool".
type openAICaller struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newOpenAICaller(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *openAICaller {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openAICaller{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient, logger: logger}
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function oaToolFunction `json:"function"`
}

type oaToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaRequest struct {
	Model    string      `json:"model"`
	Messages []oaMessage `json:"messages"`
	Tools    []oaTool    `json:"tools,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message oaMessage `json:"message"`
	} `json:"choices"`
}

func (c *openAICaller) post(ctx context.Context, payload oaRequest) (*oaResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readBackendError(resp)
	}

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("backend returned no choices")
	}
	return &parsed, nil
}

func (c *openAICaller) baseMessages(systemPrompt string, history []Message, userMessage string) []oaMessage {
	messages := make([]oaMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, oaMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, oaMessage{Role: turn.Role, Content: turn.Content})
	}
	return append(messages, oaMessage{Role: "user", Content: userMessage})
}

func (c *openAICaller) Call(ctx context.Context, req Request) (*Response, error) {
	payload := oaRequest{
		Model:    req.Model,
		Messages: c.baseMessages(req.SystemPrompt, req.History, req.UserMessage),
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, oaTool{
			Type: "function",
			Function: oaFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	parsed, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	message := parsed.Choices[0].Message
	out := &Response{Text: message.Content}
	for _, call := range message.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				c.logger.Warn("tool call arguments are not valid json",
					"tool", call.Function.Name, "error", err.Error())
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func (c *openAICaller) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	messages := c.baseMessages(req.SystemPrompt, nil, req.UserMessage)

	assistant := oaMessage{Role: "assistant"}
	for _, call := range req.Calls {
		args, _ := json.Marshal(call.Arguments)
		assistant.ToolCalls = append(assistant.ToolCalls, oaToolCall{
			ID:   call.ID,
			Type: "function",
			Function: oaToolFunction{
				Name:      call.Name,
				Arguments: string(args),
			},
		})
	}
	messages = append(messages, assistant)
	for i, call := range req.Calls {
		result := ""
		if i < len(req.Results) {
			result = req.Results[i]
		}
		messages = append(messages, oaMessage{
			Role:       "tool",
			Content:    result,
			ToolCallID: call.ID,
		})
	}

	parsed, err := c.post(ctx, oaRequest{Model: req.Model, Messages: messages})
	if err != nil {
		return "", err
	}
	return parsed.Choices[0].Message.Content, nil
}
