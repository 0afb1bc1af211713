package voice

import (
	"context"
	"time"
)

// AudioFrame is one chunk of 16-bit little-endian mono PCM audio.
type AudioFrame struct {
	// PCM is the raw sample data.
	PCM []byte

	// Seq is a caller-assigned monotonic sequence number.
	Seq uint64

	// Timestamp marks when the first sample of the frame was captured.
	Timestamp time.Time
}

// TranscriptKind classifies a transcript event.
type TranscriptKind int

const (
	// TranscriptInterim is a revisable partial hypothesis.
	TranscriptInterim TranscriptKind = iota

	// TranscriptFinal is a committed result; it is never revised.
	TranscriptFinal

	// TranscriptEndOfUtterance marks the end of a spoken utterance.
	TranscriptEndOfUtterance
)

func (k TranscriptKind) String() string {
	switch k {
	case TranscriptInterim:
		return "interim"
	case TranscriptFinal:
		return "final"
	case TranscriptEndOfUtterance:
		return "end_of_utterance"
	default:
		return "unknown"
	}
}

// TranscriptEvent is one speech-recognition result.
type TranscriptEvent struct {
	Kind       TranscriptKind
	Text       string
	Confidence float64

	// Start and Duration locate the audio this event covers, in seconds
	// from the start of the session.
	Start    float64
	Duration float64

	// Err is set instead of a transcript when the session failed; the
	// event stream closes after an error event.
	Err error
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history sent to the LLM.
// Ordering is caller-supplied and adapters must not reorder it.
type Message struct {
	Role    Role
	Content string

	// ToolCallID links a RoleTool message to the tool call it answers.
	ToolCallID string
}

// ToolCall is a structured function selection made by the LLM.
type ToolCall struct {
	ID   string
	Name string

	// Arguments is a JSON object keyed by the tool's parameter names.
	Arguments string
}

// ToolParam describes one parameter of a callable tool.
type ToolParam struct {
	Name        string
	Description string

	// Type is a JSON-schema style primitive: "string", "number" or "boolean".
	Type string
}

// ToolDefinition describes a callable tool offered to the LLM. The adapter
// relays definitions and results opaquely; execution belongs to the host.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  []ToolParam
}

// FinishReason explains why a completion stream ended.
type FinishReason string

const (
	// FinishStop means the model completed its turn normally.
	FinishStop FinishReason = "stop"

	// FinishToolCalls means the turn ended with a tool selection.
	FinishToolCalls FinishReason = "tool_calls"

	// FinishLength means the provider truncated the turn at a token limit.
	FinishLength FinishReason = "length"
)

// CompletionChunk is one increment of a streamed LLM response. Exactly one
// of Delta, ToolCall, Finish or Err is meaningful per chunk; the stream
// closes after a Finish or Err chunk.
type CompletionChunk struct {
	// Delta is a fragment of assistant text.
	Delta string

	// ToolCall is set when the model selected a tool for this turn.
	ToolCall *ToolCall

	// Finish, when non-empty, marks the end of the turn.
	Finish FinishReason

	Err error
}

// CompletionRequest is the input of one LLM turn. All conversation context
// must be carried in Messages; adapters hold no state across calls.
type CompletionRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// SynthesisChunk is one unit of synthesized audio. Frames for text unit N
// are always delivered before any frame of unit N+1.
type SynthesisChunk struct {
	PCM        []byte
	SampleRate int
	Channels   int

	// Unit is the zero-based index of the text unit this audio renders.
	Unit int

	// Err reports a per-unit synthesis failure; the session stays usable
	// and the caller may retry or skip just that unit.
	Err error
}

// STT is the speech-to-text plugin contract.
type STT interface {
	// Open establishes one streaming recognition session. Connection
	// failures are fatal for the session; callers retry by opening a
	// new one.
	Open(ctx context.Context) (STTSession, error)
}

// STTSession is an open recognition stream.
type STTSession interface {
	// Push queues one audio frame for recognition. It does not block on
	// the network; if the internal queue is full a KindOverrun error is
	// reported rather than dropping the frame silently. Push calls must
	// be serialized by the caller.
	Push(frame AudioFrame) error

	// Results is the transcript event stream. It is closed when the
	// session ends.
	Results() <-chan TranscriptEvent

	// Close flushes queued audio, asks the provider to terminate the
	// stream, and releases the connection. It is idempotent and safe to
	// call concurrently with Push.
	Close() error
}

// LLM is the chat-completion plugin contract.
type LLM interface {
	// Complete issues one streaming chat request. The returned channel
	// yields text deltas and at most one tool call, then a finish marker.
	// An empty message list fails with a KindValidation error before any
	// network call.
	Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)
}

// TTS is the speech-synthesis plugin contract.
type TTS interface {
	// Open establishes one synthesis session.
	Open(ctx context.Context) (TTSSession, error)
}

// TTSSession is an open synthesis stream.
type TTSSession interface {
	// Push appends text to the current unit. Text may arrive
	// incrementally; the session cuts provider-acceptable units at
	// sentence boundaries.
	Push(text string) error

	// Flush forces synthesis of buffered text without waiting for a
	// sentence boundary. It bounds latency only; final audio content is
	// identical with or without it.
	Flush() error

	// Frames is the synthesized audio stream, closed when the session
	// ends.
	Frames() <-chan SynthesisChunk

	// Close flushes buffered text, waits for in-flight synthesis, and
	// releases the session. Idempotent.
	Close() error
}
