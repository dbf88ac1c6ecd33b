// Package gateway normalizes three LLM backend wire protocols behind one
// caller contract: an OpenAI-style chat-messages API, an Anthropic-style
// content-blocks API, and a Google-style contents-with-parts API.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/accord-labs/relay/internal/persistence"
)

// Message is one prior conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDef describes one callable function offered to the model. Parameters
// is a JSON-schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one function invocation the model requested.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is a single model invocation. History holds alternating prior
// turns; the user message is always presented last.
type Request struct {
	Model        string
	SystemPrompt string
	UserMessage  string
	History      []Message
	Tools        []ToolDef
}

// Response is the normalized model answer.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// SynthesisRequest re-presents an executed tool batch and asks for a final
// natural-language answer.
type SynthesisRequest struct {
	Model        string
	SystemPrompt string
	UserMessage  string
	Calls        []ToolCall
	Results      []string
}

// Caller is one backend protocol implementation.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// New selects the protocol implementation for a provider type. BaseURL
// overrides the backend's public endpoint when set.
func New(providerType persistence.ProviderType, apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) (Caller, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway", "provider_type", string(providerType))
	switch providerType {
	case persistence.ProviderOpenAI:
		return newOpenAICaller(apiKey, baseURL, httpClient, logger), nil
	case persistence.ProviderAnthropic:
		return newAnthropicCaller(apiKey, baseURL, httpClient, logger), nil
	case persistence.ProviderGoogle:
		return newGoogleCaller(apiKey, baseURL, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// readBackendError drains a non-2xx response into an error carrying the
// status and a truncated body.
func readBackendError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(string(body), 500))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// synthTurns renders an executed tool batch as plain alternating turns, the
// shared fallback framing for backends where re-sending native tool turns is
// unnecessary for a one-shot synthesis.
func synthTurns(req SynthesisRequest) []Message {
	turns := []Message{{Role: "user", Content: req.UserMessage}}
	for i, call := range req.Calls {
		turns = append(turns, Message{
			Role:    "assistant",
			Content: fmt.Sprintf("Calling tool %s", call.Name),
		})
		result := ""
		if i < len(req.Results) {
			result = req.Results[i]
		}
		turns = append(turns, Message{
			Role:    "user",
			Content: fmt.Sprintf("Tool %s returned: %s", call.Name, result),
		})
	}
	turns = append(turns, Message{
		Role:    "user",
		Content: "Using the tool results above, give the final answer to the original request.",
	})
	return turns
}
