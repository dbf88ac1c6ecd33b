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

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// googleCaller speaks the contents-with-parts protocol. The backend has no
// native tool-calling here; tool definitions are accepted and silently
// unused, so this caller never returns tool calls.
type googleCaller struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newGoogleCaller(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *googleCaller {
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	return &googleCaller{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient, logger: logger}
}

type ggPart struct {
	Text string `json:"text"`
}

type ggContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []ggPart `json:"parts"`
}

type ggRequest struct {
	SystemInstruction *ggContent  `json:"system_instruction,omitempty"`
	Contents          []ggContent `json:"contents"`
}

type ggResponse struct {
	Candidates []struct {
		Content ggContent `json:"content"`
	} `json:"candidates"`
}

// ggRole maps the shared role names onto this protocol's, which calls the
// assistant side "model".
func ggRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func (c *googleCaller) post(ctx context.Context, model string, payload ggRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", readBackendError(resp)
	}

	var parsed ggResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return "", fmt.Errorf("backend returned no candidates")
	}
	var texts []string
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

func (c *googleCaller) Call(ctx context.Context, req Request) (*Response, error) {
	if len(req.Tools) > 0 {
		c.logger.Debug("tool definitions ignored for this backend", "count", len(req.Tools))
	}
	payload := ggRequest{}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &ggContent{Parts: []ggPart{{Text: req.SystemPrompt}}}
	}
	for _, turn := range req.History {
		payload.Contents = append(payload.Contents, ggContent{
			Role:  ggRole(turn.Role),
			Parts: []ggPart{{Text: turn.Content}},
		})
	}
	payload.Contents = append(payload.Contents, ggContent{
		Role:  "user",
		Parts: []ggPart{{Text: req.UserMessage}},
	})

	text, err := c.post(ctx, req.Model, payload)
	if err != nil {
		return nil, err
	}
	return &Response{Text: text}, nil
}

// Synthesize is unreachable in practice since Call never returns tool calls
// for this backend, but the plain-turn framing keeps it functional anyway.
func (c *googleCaller) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	payload := ggRequest{}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &ggContent{Parts: []ggPart{{Text: req.SystemPrompt}}}
	}
	for _, turn := range synthTurns(req) {
		payload.Contents = append(payload.Contents, ggContent{
			Role:  ggRole(turn.Role),
			Parts: []ggPart{{Text: turn.Content}},
		})
	}
	return c.post(ctx, req.Model, payload)
}
