package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/rs/zerolog"

	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

const agentAPIVersion = "20240531"

// AgentClient talks to the Generative AI Agent runtime instead of a
// raw model. The agent keeps conversation state in a service-side
// session, so each turn sends only the newest message. It implements
// voice.LLM.
type AgentClient struct {
	cfg        *config.Config
	httpClient *http.Client
	signer     common.HTTPRequestSigner
	logger     zerolog.Logger

	mu        sync.Mutex
	sessionID string
	turns     int
}

func newAgentClient(cfg *config.Config, signer common.HTTPRequestSigner) *AgentClient {
	return &AgentClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.LLMRequestTimeout) * time.Second,
		},
		signer: signer,
		logger: observability.ComponentLogger("llm"),
	}
}

type createSessionRequest struct {
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type agentChatRequest struct {
	UserMessage  string `json:"userMessage"`
	SessionID    string `json:"sessionId"`
	ShouldStream bool   `json:"shouldStream"`
}

type agentChatResponse struct {
	Message struct {
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Complete sends one turn to the agent. The response is not streamed
// by the service; it is surfaced as a single chunk followed by a
// finish marker, or as a tool call when the agent selects one.
func (a *AgentClient) Complete(ctx context.Context, req voice.CompletionRequest) (<-chan voice.CompletionChunk, error) {
	if len(req.Messages) == 0 {
		return nil, voice.NewError(voice.KindValidation, "llm.complete", "completion request has no messages")
	}

	message, err := a.turnMessage(req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	text, err := a.chat(ctx, message)
	if err != nil {
		observability.RecordLLMRequest(BackendAgent, false)
		return nil, err
	}
	observability.RecordLLMRequest(BackendAgent, true)
	observability.RecordLLMLatency(BackendAgent, started)

	a.mu.Lock()
	a.turns++
	a.mu.Unlock()

	out := make(chan voice.CompletionChunk, 4)
	go func() {
		defer close(out)
		a.deliver(ctx, text, req.Tools, out)
	}()
	return out, nil
}

// turnMessage picks the text to send: the latest message in the
// conversation, with the tool instruction prepended on the first turn.
func (a *AgentClient) turnMessage(req voice.CompletionRequest) (string, error) {
	latest := req.Messages[len(req.Messages)-1].Content
	if latest == "" {
		return "", voice.NewError(voice.KindValidation, "llm.complete", "latest message is empty")
	}

	a.mu.Lock()
	first := a.turns == 0
	a.mu.Unlock()
	if first {
		if prompt := toolPrompt(req.Tools); prompt != "" {
			return prompt + "\n" + latest, nil
		}
	}
	return latest, nil
}

func (a *AgentClient) deliver(ctx context.Context, text string, tools []voice.ToolDefinition, out chan<- voice.CompletionChunk) {
	scanner := &toolScanner{}
	held := scanner.feed(text)
	flushed, rawCall, err := scanner.finish()
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

	if delta := held + flushed; delta != "" {
		observability.RecordLLMDelta()
		if !emit(ctx, out, voice.CompletionChunk{Delta: delta}) {
			return
		}
	}
	emit(ctx, out, voice.CompletionChunk{Finish: voice.FinishStop})
}

// chat ensures a session exists, then posts the turn.
func (a *AgentClient) chat(ctx context.Context, message string) (string, error) {
	sessionID, err := a.ensureSession(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/agentEndpoints/%s/actions/chat",
		a.cfg.LLMEndpoint(), agentAPIVersion, a.cfg.LLMAgentEndpointID)
	var resp agentChatResponse
	if err := a.postJSON(ctx, url, agentChatRequest{
		UserMessage:  message,
		SessionID:    sessionID,
		ShouldStream: false,
	}, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content.Text, nil
}

// ensureSession lazily creates the service-side conversation session.
func (a *AgentClient) ensureSession(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID != "" {
		return a.sessionID, nil
	}

	id := uuid.NewString()
	url := fmt.Sprintf("%s/%s/agentEndpoints/%s/sessions",
		a.cfg.LLMEndpoint(), agentAPIVersion, a.cfg.LLMAgentEndpointID)
	var resp createSessionResponse
	if err := a.postJSON(ctx, url, createSessionRequest{
		DisplayName: "display_name_for_" + id,
		Description: "description_for_" + id,
	}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", voice.NewError(voice.KindProtocol, "llm.session", "agent session response missing id")
	}

	a.sessionID = resp.ID
	a.logger.Debug().Str("session_id", resp.ID).Msg("Agent session created")
	return a.sessionID, nil
}

func (a *AgentClient) postJSON(ctx context.Context, url string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return voice.WrapError(voice.KindValidation, "llm.request", "encoding agent request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return voice.WrapError(voice.KindValidation, "llm.request", "building agent request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.signer != nil {
		// The signature covers the Date header; the signer does not
		// set it itself.
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		if err := a.signer.Sign(req); err != nil {
			return voice.WrapError(voice.KindConfig, "llm.request", "signing agent request", err)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return streamError("llm.request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return providerError("llm.request", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return voice.WrapError(voice.KindConnection, "llm.request", "reading agent response", err)
	}
	if err := json.Unmarshal(data, result); err != nil {
		return voice.WrapError(voice.KindProtocol, "llm.request", "malformed agent response", err)
	}
	return nil
}
