package mcp

import (
	"errors"
	"testing"
)

func TestParseRPCBodyPlainJSON(t *testing.T) {
	resp, sessionID, err := parseRPCBody([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))
	if err != nil {
		t.Fatalf("parse plain json: %v", err)
	}
	if sessionID != "" {
		t.Fatalf("plain json body must not yield a session id, got %q", sessionID)
	}
	if resp.JSONRPC != "2.0" || string(resp.Result) != `{"tools":[]}` {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestParseRPCBodyEventStream(t *testing.T) {
	body := "event: endpoint\n" +
		"data: /messages?sessionId=abc123\n" +
		"\n" +
		"event: message\n" +
		"data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"ok\":true}}\n" +
		"\n"
	resp, sessionID, err := parseRPCBody([]byte(body))
	if err != nil {
		t.Fatalf("parse event stream: %v", err)
	}
	if sessionID != "abc123" {
		t.Fatalf("expected session abc123, got %q", sessionID)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
}

func TestParseRPCBodySkipsNonJSONFrames(t *testing.T) {
	body := "data: not-json\n" +
		"data: [DONE]\n" +
		"data: {\"unrelated\":true}\n" +
		"data: {\"jsonrpc\":\"2.0\",\"id\":2,\"result\":\"hi\"}\n"
	resp, _, err := parseRPCBody([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(resp.Result) != `"hi"` {
		t.Fatalf("expected first jsonrpc frame, got %s", resp.Result)
	}
}

func TestParseRPCBodyNoFrameErrors(t *testing.T) {
	body := "event: ping\ndata: {}\n\ndata: [DONE]\n"
	_, _, err := parseRPCBody([]byte(body))
	if !errors.Is(err, errNoRPCFrame) {
		t.Fatalf("expected errNoRPCFrame, got %v", err)
	}
}

func TestSessionFromEndpointURI(t *testing.T) {
	if got := sessionFromEndpointURI("/messages?sessionId=s-1&x=2"); got != "s-1" {
		t.Fatalf("relative uri: got %q", got)
	}
	if got := sessionFromEndpointURI("https://mcp.example.com/messages?sessionId=s-2"); got != "s-2" {
		t.Fatalf("absolute uri: got %q", got)
	}
	if got := sessionFromEndpointURI(`{"uri":"https://x/y?sessionId=abc"}`); got != "abc" {
		t.Fatalf("json-wrapped uri: got %q", got)
	}
	if got := sessionFromEndpointURI("/messages"); got != "" {
		t.Fatalf("uri without session should yield empty, got %q", got)
	}
}

func TestParseRPCBodyJSONEndpointEvent(t *testing.T) {
	body := "event: endpoint\n" +
		`data: {"uri":"https://x/y?sessionId=abc"}` + "\n" +
		"\n" +
		"event: message\n" +
		`data: {"jsonrpc":"2.0","id":1,"result":{}}` + "\n" +
		"\n"
	resp, sessionID, err := parseRPCBody([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sessionID != "abc" {
		t.Fatalf("expected session abc, got %q", sessionID)
	}
	if string(resp.Result) != "{}" {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
}
