package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/resilience"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// maxToolRounds caps how many tool calls one user turn may chain
// before the conversation gives up.
const maxToolRounds = 5

// Conversation drives the chat side of a voice session: it keeps the
// message history, runs completion turns, and resolves tool calls
// through the registry before handing text back.
type Conversation struct {
	llm      voice.LLM
	registry *ToolRegistry
	logger   zerolog.Logger

	messages []voice.Message
}

// NewConversation starts a history with an optional system prompt.
func NewConversation(llm voice.LLM, registry *ToolRegistry, systemPrompt string) *Conversation {
	c := &Conversation{
		llm:      llm,
		registry: registry,
		logger:   observability.ComponentLogger("agent"),
	}
	if systemPrompt != "" {
		c.messages = append(c.messages, voice.Message{Role: voice.RoleSystem, Content: systemPrompt})
	}
	return c
}

// RunTurn sends one user utterance and returns the assistant's reply.
// Text deltas are forwarded to onDelta as they stream in, so synthesis
// can start before the turn completes. Tool calls are dispatched and
// the completion re-run with the result until the model answers with
// text.
func (c *Conversation) RunTurn(ctx context.Context, userText string, onDelta func(string)) (string, error) {
	if strings.TrimSpace(userText) == "" {
		return "", voice.NewError(voice.KindValidation, "agent.turn", "empty user utterance")
	}
	c.messages = append(c.messages, voice.Message{Role: voice.RoleUser, Content: userText})

	for round := 0; ; round++ {
		if round > maxToolRounds {
			return "", voice.NewError(voice.KindProtocol, "agent.turn", "tool call chain exceeded limit")
		}

		reply, call, err := c.completeOnce(ctx, onDelta)
		if err != nil {
			return "", err
		}
		if call == nil {
			c.messages = append(c.messages, voice.Message{Role: voice.RoleAssistant, Content: reply})
			return reply, nil
		}

		result, err := c.registry.Dispatch(*call)
		if err != nil {
			return "", err
		}
		c.logger.Debug().Str("tool", call.Name).Str("result", result).Msg("Tool call resolved")

		// Record the call and its result the way the model was taught
		// to expect them, then let it finish the answer.
		expr := fmt.Sprintf("%s(%s)", call.Name, call.Arguments)
		c.messages = append(c.messages,
			voice.Message{Role: voice.RoleAssistant, Content: "TOOL-CALL: " + expr},
			voice.Message{Role: voice.RoleTool, ToolCallID: call.ID,
				Content: "The function result of " + expr + " is: " + result},
		)
	}
}

// completeOnce runs a single completion, retrying transient connection
// failures before the stream starts.
func (c *Conversation) completeOnce(ctx context.Context, onDelta func(string)) (string, *voice.ToolCall, error) {
	req := voice.CompletionRequest{
		Messages: c.messages,
		Tools:    c.registry.Definitions(),
	}

	var ch <-chan voice.CompletionChunk
	err := resilience.Retry(func() error {
		var completeErr error
		ch, completeErr = c.llm.Complete(ctx, req)
		return completeErr
	}, resilience.DefaultRetryConfig(), resilience.RetryableKinds(voice.KindConnection))
	if err != nil {
		return "", nil, err
	}

	var reply strings.Builder
	var call *voice.ToolCall
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			return "", nil, chunk.Err
		case chunk.ToolCall != nil:
			call = chunk.ToolCall
		case chunk.Delta != "":
			reply.WriteString(chunk.Delta)
			if onDelta != nil {
				onDelta(chunk.Delta)
			}
		}
	}
	return reply.String(), call, nil
}

// History returns a copy of the conversation so far.
func (c *Conversation) History() []voice.Message {
	out := make([]voice.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
