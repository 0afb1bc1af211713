package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ocivoice/agent-plugins/internal/voice"
)

// scriptedLLM replays canned chunk sequences, one per Complete call,
// and records the requests it saw.
type scriptedLLM struct {
	turns    [][]voice.CompletionChunk
	requests []voice.CompletionRequest
}

func (s *scriptedLLM) Complete(ctx context.Context, req voice.CompletionRequest) (<-chan voice.CompletionChunk, error) {
	if len(req.Messages) == 0 {
		return nil, voice.NewError(voice.KindValidation, "llm.complete", "completion request has no messages")
	}
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		return nil, fmt.Errorf("scripted llm exhausted after %d calls", len(s.requests))
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]

	ch := make(chan voice.CompletionChunk, len(turn))
	for _, chunk := range turn {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func textTurn(deltas ...string) []voice.CompletionChunk {
	chunks := make([]voice.CompletionChunk, 0, len(deltas)+1)
	for _, delta := range deltas {
		chunks = append(chunks, voice.CompletionChunk{Delta: delta})
	}
	return append(chunks, voice.CompletionChunk{Finish: voice.FinishStop})
}

func employeeRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	registry := NewToolRegistry()
	registry.Register(voice.ToolDefinition{
		Name:        "get_employee_name_from_employee_id",
		Description: "Returns the name of the employee with the given employee id.",
		Parameters:  []voice.ToolParam{{Name: "employee_id", Type: "number"}},
	}, func(args map[string]interface{}) (string, error) {
		id, ok := args["employee_id"].(float64)
		if !ok {
			t.Errorf("employee_id missing or wrong type: %v", args)
			return "", fmt.Errorf("bad arguments")
		}
		if id == 17 {
			return "Pat Smith", nil
		}
		return "unknown", nil
	})
	return registry
}

func TestConversation_PlainTurn(t *testing.T) {
	llm := &scriptedLLM{turns: [][]voice.CompletionChunk{
		textTurn("Hello ", "caller."),
	}}
	conv := NewConversation(llm, NewToolRegistry(), "Be helpful.")

	var streamed strings.Builder
	reply, err := conv.RunTurn(context.Background(), "Hi there", func(delta string) {
		streamed.WriteString(delta)
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if reply != "Hello caller." {
		t.Errorf("unexpected reply %q", reply)
	}
	if streamed.String() != reply {
		t.Errorf("deltas %q do not match reply %q", streamed.String(), reply)
	}

	history := conv.History()
	if len(history) != 3 {
		t.Fatalf("expected system+user+assistant history, got %d entries", len(history))
	}
	if history[0].Role != voice.RoleSystem || history[2].Role != voice.RoleAssistant {
		t.Errorf("history roles wrong: %+v", history)
	}
}

func TestConversation_EmployeeLookupToolRound(t *testing.T) {
	call := &voice.ToolCall{
		ID:        "call-1",
		Name:      "get_employee_name_from_employee_id",
		Arguments: `{"employee_id":17}`,
	}
	llm := &scriptedLLM{turns: [][]voice.CompletionChunk{
		{{ToolCall: call}, {Finish: voice.FinishToolCalls}},
		textTurn("Employee 17 is Pat Smith."),
	}}
	conv := NewConversation(llm, employeeRegistry(t), "")

	reply, err := conv.RunTurn(context.Background(), "Who has employee ID 17?", nil)
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if reply != "Employee 17 is Pat Smith." {
		t.Errorf("unexpected reply %q", reply)
	}

	if len(llm.requests) != 2 {
		t.Fatalf("expected two completions, got %d", len(llm.requests))
	}
	// The follow-up completion must carry the call and its result.
	followUp := llm.requests[1].Messages
	var sawCall, sawResult bool
	for _, msg := range followUp {
		if msg.Role == voice.RoleAssistant && strings.Contains(msg.Content, "TOOL-CALL:") {
			sawCall = true
		}
		if msg.Role == voice.RoleTool && strings.Contains(msg.Content, "Pat Smith") {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("tool round not recorded in history: %+v", followUp)
	}

	if len(llm.requests[0].Tools) != 1 {
		t.Errorf("tool definitions not offered: %+v", llm.requests[0].Tools)
	}
}

func TestConversation_ToolChainLimit(t *testing.T) {
	call := &voice.ToolCall{
		ID:        "loop",
		Name:      "get_employee_name_from_employee_id",
		Arguments: `{"employee_id":17}`,
	}
	toolTurn := []voice.CompletionChunk{{ToolCall: call}, {Finish: voice.FinishToolCalls}}
	var turns [][]voice.CompletionChunk
	for i := 0; i < 10; i++ {
		turns = append(turns, toolTurn)
	}
	llm := &scriptedLLM{turns: turns}
	conv := NewConversation(llm, employeeRegistry(t), "")

	_, err := conv.RunTurn(context.Background(), "loop forever", nil)
	if voice.KindOf(err) != voice.KindProtocol {
		t.Fatalf("expected protocol error for a runaway tool chain, got %v", err)
	}
}

func TestConversation_EmptyUtterance(t *testing.T) {
	conv := NewConversation(&scriptedLLM{}, NewToolRegistry(), "")
	_, err := conv.RunTurn(context.Background(), "   ", nil)
	if voice.KindOf(err) != voice.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConversation_StreamErrorSurfaces(t *testing.T) {
	llm := &scriptedLLM{turns: [][]voice.CompletionChunk{
		{{Delta: "partial"}, {Err: voice.NewError(voice.KindProvider, "llm.stream", "backend down")}},
	}}
	conv := NewConversation(llm, NewToolRegistry(), "")

	_, err := conv.RunTurn(context.Background(), "hello", nil)
	if voice.KindOf(err) != voice.KindProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestToolRegistry_Dispatch(t *testing.T) {
	registry := employeeRegistry(t)

	result, err := registry.Dispatch(voice.ToolCall{
		Name:      "get_employee_name_from_employee_id",
		Arguments: `{"employee_id":17}`,
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result != "Pat Smith" {
		t.Errorf("unexpected result %q", result)
	}

	if _, err := registry.Dispatch(voice.ToolCall{Name: "nope", Arguments: "{}"}); voice.KindOf(err) != voice.KindValidation {
		t.Errorf("expected validation error for unknown tool, got %v", err)
	}
	if _, err := registry.Dispatch(voice.ToolCall{
		Name:      "get_employee_name_from_employee_id",
		Arguments: "{broken",
	}); voice.KindOf(err) != voice.KindValidation {
		t.Errorf("expected validation error for bad arguments, got %v", err)
	}
}

func TestToolRegistry_DefinitionsSorted(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		registry.Register(voice.ToolDefinition{Name: name}, nil)
	}
	defs := registry.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[2].Name != "zeta" {
		t.Errorf("definitions not sorted: %+v", defs)
	}
}
