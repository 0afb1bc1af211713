package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ocivoice/agent-plugins/internal/voice"
)

// ToolFunc executes one tool call. Arguments arrive as a JSON object
// keyed by the tool's declared parameter names; the returned string is
// fed back to the model verbatim.
type ToolFunc func(args map[string]interface{}) (string, error)

// ToolRegistry maps tool names to definitions and handlers. The
// definitions are offered to the LLM on every turn; handlers run when
// the model selects a tool.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]voice.ToolDefinition
	handlers map[string]ToolFunc
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]voice.ToolDefinition),
		handlers: make(map[string]ToolFunc),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(def voice.ToolDefinition, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	r.handlers[def.Name] = fn
}

// Definitions returns the registered tools in name order.
func (r *ToolRegistry) Definitions() []voice.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]voice.ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch runs the handler for a tool call and returns its result.
func (r *ToolRegistry) Dispatch(call voice.ToolCall) (string, error) {
	r.mu.RLock()
	fn, ok := r.handlers[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", voice.NewError(voice.KindValidation, "agent.dispatch", fmt.Sprintf("no handler for tool %q", call.Name))
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", voice.WrapError(voice.KindValidation, "agent.dispatch", "decoding tool arguments", err)
	}
	return fn(args)
}
