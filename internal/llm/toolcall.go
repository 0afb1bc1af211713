package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ocivoice/agent-plugins/internal/voice"
)

// toolCallPrefix marks an assistant turn that selects a tool instead of
// answering with text. The model is instructed to start such a turn
// with this prefix, followed by a function-call expression.
const toolCallPrefix = "TOOL-CALL:"

// toolPrompt renders the tool definitions into the system instruction
// that teaches the model the calling convention. Returns "" when no
// tools are offered.
func toolPrompt(tools []voice.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You are an assistant with access to the following functions:\n\n")
	for i, tool := range tools {
		fmt.Fprintf(&b, "%d. The function prototype is: %s(", i+1, tool.Name)
		for j, param := range tool.Parameters {
			if j > 0 {
				b.WriteString(",")
			}
			b.WriteString(param.Name)
		}
		fmt.Fprintf(&b, ") and the function description is: %s\n", tool.Description)
	}
	b.WriteString("\nAlways indicate when you want to call a function by writing: \"" + toolCallPrefix + " function_name(parameters)\"\n")
	b.WriteString("Do not combine function calls and text responses in the same output: either only function calls or only text responses.\n")
	b.WriteString("For any string parameters, be sure to enclose each of them in double quotes.")
	return b.String()
}

// toolScanner watches a streamed response and decides whether the turn
// is plain text or a tool call. Text is held back only while the
// output could still turn out to be the tool-call prefix, so regular
// responses stream through with minimal delay.
type toolScanner struct {
	state scannerState
	held  strings.Builder // undecided or tool-call text
	seen  strings.Builder // full turn, for the embedded-prefix check
}

type scannerState int

const (
	scanUndecided scannerState = iota
	scanText
	scanTool
)

// feed consumes one delta and returns the text that may be emitted now.
func (s *toolScanner) feed(delta string) string {
	s.seen.WriteString(delta)

	switch s.state {
	case scanText:
		return delta
	case scanTool:
		s.held.WriteString(delta)
		return ""
	}

	s.held.WriteString(delta)
	buffered := strings.TrimLeft(s.held.String(), " \t\r\n")
	switch {
	case strings.HasPrefix(buffered, toolCallPrefix):
		s.state = scanTool
		return ""
	case strings.HasPrefix(toolCallPrefix, buffered):
		// Still a proper prefix; keep holding.
		return ""
	default:
		s.state = scanText
		out := s.held.String()
		s.held.Reset()
		return out
	}
}

// finish ends the turn. It returns any remaining held text and, for a
// tool-call turn, the raw call expression after the prefix.
func (s *toolScanner) finish() (text string, rawCall string, err error) {
	switch s.state {
	case scanTool:
		raw := strings.TrimLeft(s.held.String(), " \t\r\n")
		call := strings.TrimSpace(strings.TrimPrefix(raw, toolCallPrefix))
		if strings.Contains(call, toolCallPrefix) {
			return "", "", voice.NewError(voice.KindProtocol, "llm.toolcall", "response embeds a second tool call")
		}
		return "", call, nil
	case scanText:
		// The prefix must not appear mid-response.
		if strings.Contains(s.seen.String(), toolCallPrefix) {
			return "", "", voice.NewError(voice.KindProtocol, "llm.toolcall", "response embeds a tool call inside text")
		}
		return "", "", nil
	default:
		// Short turn that never resolved; treat it as text.
		return s.held.String(), "", nil
	}
}

// parseToolCall turns a "name(arg, ...)" expression into a structured
// tool call. Positional arguments are matched against the tool's
// declared parameters and serialized as a JSON object keyed by
// parameter name.
func parseToolCall(raw string, tools []voice.ToolDefinition) (*voice.ToolCall, error) {
	open := strings.Index(raw, "(")
	end := strings.LastIndex(raw, ")")
	if open <= 0 || end < open {
		return nil, voice.NewError(voice.KindProtocol, "llm.toolcall", fmt.Sprintf("malformed tool call: %q", raw))
	}

	name := strings.TrimSpace(raw[:open])
	args, err := splitArgs(raw[open+1 : end])
	if err != nil {
		return nil, err
	}

	var tool *voice.ToolDefinition
	for i := range tools {
		if tools[i].Name == name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		return nil, voice.NewError(voice.KindProtocol, "llm.toolcall", fmt.Sprintf("unknown function %q in tool call", name))
	}
	if len(args) != len(tool.Parameters) {
		return nil, voice.NewError(voice.KindProtocol, "llm.toolcall",
			fmt.Sprintf("tool %q expects %d arguments, got %d", name, len(tool.Parameters), len(args)))
	}

	// Build the JSON object in declared parameter order.
	var b strings.Builder
	b.WriteString("{")
	for i, param := range tool.Parameters {
		if i > 0 {
			b.WriteString(",")
		}
		key, _ := json.Marshal(param.Name)
		b.Write(key)
		b.WriteString(":")
		value, err := json.Marshal(args[i])
		if err != nil {
			return nil, voice.WrapError(voice.KindProtocol, "llm.toolcall", "encoding tool arguments", err)
		}
		b.Write(value)
	}
	b.WriteString("}")

	return &voice.ToolCall{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: b.String(),
	}, nil
}

// splitArgs splits a comma-separated argument list, honoring quoted
// strings, and converts each literal to its Go value.
func splitArgs(list string) ([]interface{}, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}

	var parts []string
	var current strings.Builder
	inQuote := false
	escaped := false
	for _, r := range list {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && inQuote:
			current.WriteRune(r)
			escaped = true
		case r == '"':
			current.WriteRune(r)
			inQuote = !inQuote
		case r == ',' && !inQuote:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if inQuote {
		return nil, voice.NewError(voice.KindProtocol, "llm.toolcall", "unterminated string in tool arguments")
	}
	parts = append(parts, current.String())

	args := make([]interface{}, 0, len(parts))
	for _, part := range parts {
		value, err := parseLiteral(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return args, nil
}

func parseLiteral(lit string) (interface{}, error) {
	switch {
	case lit == "":
		return nil, voice.NewError(voice.KindProtocol, "llm.toolcall", "empty tool argument")
	case strings.HasPrefix(lit, "\""):
		var s string
		if err := json.Unmarshal([]byte(lit), &s); err != nil {
			return nil, voice.WrapError(voice.KindProtocol, "llm.toolcall", fmt.Sprintf("bad string literal %q", lit), err)
		}
		return s, nil
	case lit == "true":
		return true, nil
	case lit == "false":
		return false, nil
	case lit == "null" || lit == "None":
		return nil, nil
	default:
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(lit, 64); err == nil {
			return f, nil
		}
		// Bare words arrive when the model forgets the quoting rule.
		return lit, nil
	}
}
