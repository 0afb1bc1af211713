package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/rs/zerolog"

	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/ociauth"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// Backend selectors, mirroring the LLM_BACKEND configuration value.
const (
	BackendInference = "llm"
	BackendAgent     = "agent"
)

const (
	chatPath = "/20231130/actions/chat"

	modelTypeGeneric = "GENERIC"
	modelTypeCohere  = "COHERE"
)

// chunkChannelSize buffers streamed chunks so SSE parsing is not
// lock-stepped with the consumer.
const chunkChannelSize = 32

// New returns the voice.LLM implementation selected by configuration:
// the Generative AI inference chat service, or the agent runtime.
func New(cfg *config.Config) (voice.LLM, error) {
	provider, err := ociauth.NewConfigurationProvider(cfg)
	if err != nil {
		return nil, err
	}
	signer := ociauth.NewRequestSigner(provider)

	switch cfg.LLMBackend {
	case BackendAgent:
		return newAgentClient(cfg, signer), nil
	default:
		return newClient(cfg, signer), nil
	}
}

// Client streams chat completions from the Generative AI inference
// service. It implements voice.LLM.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	signer     common.HTTPRequestSigner
	logger     zerolog.Logger
}

func newClient(cfg *config.Config, signer common.HTTPRequestSigner) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.LLMRequestTimeout) * time.Second,
		},
		signer: signer,
		logger: observability.ComponentLogger("llm"),
	}
}

// Request and response shapes of the chat action. Only the fields the
// adapter reads and writes are modeled.

type chatEnvelope struct {
	CompartmentID string      `json:"compartmentId"`
	ServingMode   servingMode `json:"servingMode"`
	ChatRequest   interface{} `json:"chatRequest"`
}

type servingMode struct {
	ServingType string `json:"servingType"`
	ModelID     string `json:"modelId"`
}

type genericChatRequest struct {
	APIFormat        string           `json:"apiFormat"`
	Messages         []genericMessage `json:"messages"`
	IsStream         bool             `json:"isStream"`
	MaxTokens        int              `json:"maxTokens,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"topP,omitempty"`
	TopK             int              `json:"topK,omitempty"`
	FrequencyPenalty float64          `json:"frequencyPenalty,omitempty"`
	PresencePenalty  float64          `json:"presencePenalty,omitempty"`
	Seed             int              `json:"seed,omitempty"`
}

type genericMessage struct {
	Role    string        `json:"role"`
	Content []textContent `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cohereChatRequest struct {
	APIFormat        string   `json:"apiFormat"`
	Message          string   `json:"message"`
	IsStream         bool     `json:"isStream"`
	MaxTokens        int      `json:"maxTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             int      `json:"topK,omitempty"`
	FrequencyPenalty float64  `json:"frequencyPenalty,omitempty"`
	PresencePenalty  float64  `json:"presencePenalty,omitempty"`
	Seed             int      `json:"seed,omitempty"`
}

// streamChunk covers both the GENERIC and COHERE event shapes.
type streamChunk struct {
	Message      *genericMessage `json:"message,omitempty"`
	Text         string          `json:"text,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
}

// Complete issues one streaming chat request. Text deltas arrive as
// they are generated; a turn that selects a tool yields a single
// ToolCall chunk instead, followed by a tool_calls finish marker.
func (c *Client) Complete(ctx context.Context, req voice.CompletionRequest) (<-chan voice.CompletionChunk, error) {
	if len(req.Messages) == 0 {
		return nil, voice.NewError(voice.KindValidation, "llm.complete", "completion request has no messages")
	}

	body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := c.post(ctx, c.cfg.LLMEndpoint()+chatPath, body)
	if err != nil {
		observability.RecordLLMRequest(BackendInference, false)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		observability.RecordLLMRequest(BackendInference, false)
		return nil, providerError("llm.complete", resp)
	}
	observability.RecordLLMRequest(BackendInference, true)

	out := make(chan voice.CompletionChunk, chunkChannelSize)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		defer observability.RecordLLMLatency(BackendInference, started)
		c.consumeStream(ctx, resp.Body, req.Tools, out)
	}()
	return out, nil
}

// buildBody assembles the chat envelope for the configured model type.
// Tool definitions become a leading system instruction.
func (c *Client) buildBody(req voice.CompletionRequest) ([]byte, error) {
	messages := req.Messages
	if prompt := toolPrompt(req.Tools); prompt != "" {
		messages = append([]voice.Message{{Role: voice.RoleSystem, Content: prompt}}, messages...)
	}

	var chatRequest interface{}
	switch c.cfg.LLMModelType {
	case modelTypeCohere:
		var flat strings.Builder
		for i, msg := range messages {
			if i > 0 {
				flat.WriteString("\n")
			}
			flat.WriteString(msg.Content)
		}
		chatRequest = c.cohereRequest(flat.String())
	case modelTypeGeneric:
		converted := make([]genericMessage, 0, len(messages))
		for _, msg := range messages {
			converted = append(converted, genericMessage{
				// The GENERIC format requires uppercase roles, and has
				// no tool role; tool results travel as system messages.
				Role:    genericRole(msg.Role),
				Content: []textContent{{Type: "TEXT", Text: msg.Content}},
			})
		}
		chatRequest = c.genericRequest(converted)
	default:
		return nil, voice.NewError(voice.KindConfig, "llm.complete",
			fmt.Sprintf("unsupported model type %q", c.cfg.LLMModelType))
	}

	envelope := chatEnvelope{
		CompartmentID: c.cfg.CompartmentID,
		ServingMode: servingMode{
			ServingType: "ON_DEMAND",
			ModelID:     c.modelID(),
		},
		ChatRequest: chatRequest,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, voice.WrapError(voice.KindValidation, "llm.complete", "encoding chat request", err)
	}
	return encoded, nil
}

func (c *Client) genericRequest(messages []genericMessage) genericChatRequest {
	r := genericChatRequest{
		APIFormat:        modelTypeGeneric,
		Messages:         messages,
		IsStream:         true,
		MaxTokens:        c.cfg.LLMMaxTokens,
		TopK:             c.cfg.LLMTopK,
		FrequencyPenalty: c.cfg.LLMFrequencyPenalty,
		PresencePenalty:  c.cfg.LLMPresencePenalty,
		Seed:             c.cfg.LLMSeed,
	}
	if c.cfg.LLMTemperature >= 0 {
		r.Temperature = &c.cfg.LLMTemperature
	}
	if c.cfg.LLMTopP >= 0 {
		r.TopP = &c.cfg.LLMTopP
	}
	return r
}

func (c *Client) cohereRequest(message string) cohereChatRequest {
	r := cohereChatRequest{
		APIFormat:        modelTypeCohere,
		Message:          message,
		IsStream:         true,
		MaxTokens:        c.cfg.LLMMaxTokens,
		TopK:             c.cfg.LLMTopK,
		FrequencyPenalty: c.cfg.LLMFrequencyPenalty,
		PresencePenalty:  c.cfg.LLMPresencePenalty,
		Seed:             c.cfg.LLMSeed,
	}
	if c.cfg.LLMTemperature >= 0 {
		r.Temperature = &c.cfg.LLMTemperature
	}
	if c.cfg.LLMTopP >= 0 {
		r.TopP = &c.cfg.LLMTopP
	}
	return r
}

// modelID picks the on-demand serving target: an explicit model OCID
// wins over a model name.
func (c *Client) modelID() string {
	if c.cfg.LLMModelID != "" {
		return c.cfg.LLMModelID
	}
	return c.cfg.LLMModelName
}

func genericRole(role voice.Role) string {
	if role == voice.RoleTool {
		return strings.ToUpper(string(voice.RoleSystem))
	}
	return strings.ToUpper(string(role))
}

// consumeStream parses the SSE body into completion chunks, routing
// text through the tool-call scanner.
func (c *Client) consumeStream(ctx context.Context, body io.Reader, tools []voice.ToolDefinition, out chan<- voice.CompletionChunk) {
	scanner := &toolScanner{}
	finish := voice.FinishStop
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				emit(ctx, out, voice.CompletionChunk{
					Err: streamError("llm.stream", err),
				})
				return
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			observability.RecordError(string(voice.KindProtocol), "llm")
			emit(ctx, out, voice.CompletionChunk{
				Err: voice.WrapError(voice.KindProtocol, "llm.stream", "malformed stream event", err),
			})
			return
		}

		if reason := mapFinishReason(chunk.FinishReason); reason != "" {
			finish = reason
		}
		if delta := chunkText(&chunk); delta != "" {
			if text := scanner.feed(delta); text != "" {
				observability.RecordLLMDelta()
				if !emit(ctx, out, voice.CompletionChunk{Delta: text}) {
					return
				}
			}
		}
	}

	c.finishTurn(ctx, scanner, tools, finish, out)
}

// finishTurn flushes the scanner and emits the terminal chunks: either
// the held text plus a finish marker, or a parsed tool call.
func (c *Client) finishTurn(ctx context.Context, scanner *toolScanner, tools []voice.ToolDefinition, finish voice.FinishReason, out chan<- voice.CompletionChunk) {
	text, rawCall, err := scanner.finish()
	if err != nil {
		observability.RecordError(string(voice.KindProtocol), "llm")
		emit(ctx, out, voice.CompletionChunk{Err: err})
		return
	}

	if rawCall != "" {
		call, err := parseToolCall(rawCall, tools)
		if err != nil {
			observability.RecordError(string(voice.KindProtocol), "llm")
			emit(ctx, out, voice.CompletionChunk{Err: err})
			return
		}
		observability.RecordToolCall(call.Name)
		if !emit(ctx, out, voice.CompletionChunk{ToolCall: call}) {
			return
		}
		emit(ctx, out, voice.CompletionChunk{Finish: voice.FinishToolCalls})
		return
	}

	if text != "" {
		observability.RecordLLMDelta()
		if !emit(ctx, out, voice.CompletionChunk{Delta: text}) {
			return
		}
	}
	emit(ctx, out, voice.CompletionChunk{Finish: finish})
}

func chunkText(chunk *streamChunk) string {
	if chunk.Message != nil {
		var b strings.Builder
		for _, content := range chunk.Message.Content {
			b.WriteString(content.Text)
		}
		return b.String()
	}
	return chunk.Text
}

func mapFinishReason(reason string) voice.FinishReason {
	switch strings.ToLower(reason) {
	case "":
		return ""
	case "length", "max_tokens":
		return voice.FinishLength
	default:
		return voice.FinishStop
	}
}

// emit delivers a chunk unless the caller went away.
func emit(ctx context.Context, out chan<- voice.CompletionChunk, chunk voice.CompletionChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// post sends a signed JSON request. Context deadline violations map to
// timeout errors, everything else on the way out to connection errors.
func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, voice.WrapError(voice.KindValidation, "llm.request", "building chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.signer != nil {
		// The signature covers the Date header; the signer does not
		// set it itself.
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		if err := c.signer.Sign(req); err != nil {
			return nil, voice.WrapError(voice.KindConfig, "llm.request", "signing chat request", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, streamError("llm.request", err)
	}
	return resp, nil
}

// providerError maps a non-2xx chat response to a typed error carrying
// the HTTP status and the service's message.
func providerError(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(payload))
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &detail); err == nil && detail.Message != "" {
		message = detail.Message
	}
	if message == "" {
		message = resp.Status
	}

	e := voice.NewError(voice.KindProvider, op, message)
	e.Status = resp.StatusCode
	return e
}

func streamError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return voice.WrapError(voice.KindTimeout, op, "request deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return voice.WrapError(voice.KindTimeout, op, "request canceled", err)
	}
	return voice.WrapError(voice.KindConnection, op, "chat service unreachable", err)
}
