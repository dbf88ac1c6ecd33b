package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errNoRPCFrame = errors.New("no json-rpc frame in event stream")

// parseRPCBody handles both response framings a server may use: a single
// JSON document, or an SSE stream whose frames wrap the document. It returns
// the RPC response plus any session id carried by an "endpoint" event.
func parseRPCBody(raw []byte) (*jsonRPCResponse, string, error) {
	body := string(raw)
	if isEventStream(body) {
		return parseEventStream(body)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, "", fmt.Errorf("parse response body: %w", err)
	}
	return &resp, "", nil
}

// isEventStream reports whether the body uses SSE framing.
func isEventStream(body string) bool {
	trimmed := strings.TrimLeft(body, " \t\r\n")
	return strings.HasPrefix(trimmed, "event:") ||
		strings.HasPrefix(trimmed, "data:") ||
		strings.Contains(body, "\nevent:")
}

// parseEventStream walks SSE frames tracking the most recent event name. An
// "endpoint" event's data is a URI whose sessionId query parameter is the
// session id. The first data line parsing as JSON with a jsonrpc field is
// the RPC response.
func parseEventStream(body string) (*jsonRPCResponse, string, error) {
	var (
		sessionID    string
		currentEvent string
	)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			if currentEvent == "endpoint" {
				if id := sessionFromEndpointURI(data); id != "" {
					sessionID = id
				}
				continue
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				continue
			}
			if resp.JSONRPC == "" {
				continue
			}
			return &resp, sessionID, nil
		case line == "":
			currentEvent = ""
		}
	}
	return nil, sessionID, errNoRPCFrame
}

// sessionFromEndpointURI extracts the sessionId query parameter from an
// endpoint event payload. The payload is either a raw URI such as
// "/messages?sessionId=abc123" or a JSON object carrying it in a "uri"
// field.
func sessionFromEndpointURI(data string) string {
	uri := data
	if strings.HasPrefix(data, "{") {
		var wrapped struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal([]byte(data), &wrapped); err != nil || wrapped.URI == "" {
			return ""
		}
		uri = wrapped.URI
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("sessionId")
}
