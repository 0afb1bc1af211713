package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// llmTestConfig points the adapter at an httptest server.
func llmTestConfig(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("bad test server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return &config.Config{
		CompartmentID:     "ocid1.compartment.oc1..test",
		LLMHost:           u.Hostname(),
		LLMPort:           port,
		LLMSecure:         false,
		LLMBackend:        BackendInference,
		LLMModelType:      modelTypeGeneric,
		LLMModelName:      "meta.llama-3.1-70b-instruct",
		LLMTemperature:    -1,
		LLMTopP:           -1,
		LLMRequestTimeout: 10,
	}
}

// sseHandler writes the given payloads as SSE data events.
func sseHandler(t *testing.T, capture *chatEnvelope, events ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != chatPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decoding request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func genericDelta(text, finishReason string) string {
	chunk := streamChunk{FinishReason: finishReason}
	if text != "" {
		chunk.Message = &genericMessage{
			Role:    "ASSISTANT",
			Content: []textContent{{Type: "TEXT", Text: text}},
		}
	}
	data, _ := json.Marshal(chunk)
	return string(data)
}

func collect(t *testing.T, ch <-chan voice.CompletionChunk) []voice.CompletionChunk {
	t.Helper()
	var chunks []voice.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("timed out reading completion chunks")
		}
	}
}

func TestComplete_EmptyMessagesIsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected for an empty request")
	}))
	defer srv.Close()

	client := newClient(llmTestConfig(t, srv), nil)
	_, err := client.Complete(context.Background(), voice.CompletionRequest{})
	if voice.KindOf(err) != voice.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestComplete_StreamsTextDeltas(t *testing.T) {
	var captured chatEnvelope
	srv := httptest.NewServer(sseHandler(t, &captured,
		genericDelta("Hello", ""),
		genericDelta(" there", ""),
		genericDelta("", "stop"),
	))
	defer srv.Close()

	client := newClient(llmTestConfig(t, srv), nil)
	ch, err := client.Complete(context.Background(), voice.CompletionRequest{
		Messages: []voice.Message{
			{Role: voice.RoleSystem, Content: "You are concise."},
			{Role: voice.RoleUser, Content: "Say hello."},
		},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	chunks := collect(t, ch)
	var text strings.Builder
	for _, chunk := range chunks[:len(chunks)-1] {
		if chunk.Err != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
		text.WriteString(chunk.Delta)
	}
	if text.String() != "Hello there" {
		t.Errorf("unexpected text %q", text.String())
	}
	last := chunks[len(chunks)-1]
	if last.Finish != voice.FinishStop {
		t.Errorf("expected stop finish, got %q", last.Finish)
	}

	if captured.CompartmentID != "ocid1.compartment.oc1..test" {
		t.Errorf("compartment not sent: %+v", captured)
	}
	if captured.ServingMode.ServingType != "ON_DEMAND" || captured.ServingMode.ModelID != "meta.llama-3.1-70b-instruct" {
		t.Errorf("unexpected serving mode %+v", captured.ServingMode)
	}
}

func TestComplete_EmployeeLookupToolCall(t *testing.T) {
	// The call expression arrives split across deltas; the scanner must
	// reassemble it and suppress all text output for the turn.
	srv := httptest.NewServer(sseHandler(t, nil,
		genericDelta("TOOL-", ""),
		genericDelta("CALL: get_employee_name_from", ""),
		genericDelta("_employee_id(17)", "stop"),
	))
	defer srv.Close()

	client := newClient(llmTestConfig(t, srv), nil)
	ch, err := client.Complete(context.Background(), voice.CompletionRequest{
		Messages: []voice.Message{{Role: voice.RoleUser, Content: "Who has employee ID 17?"}},
		Tools:    employeeTools,
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("expected tool call and finish chunks, got %d: %+v", len(chunks), chunks)
	}
	call := chunks[0].ToolCall
	if call == nil {
		t.Fatalf("expected a tool call chunk, got %+v", chunks[0])
	}
	if call.Name != "get_employee_name_from_employee_id" {
		t.Errorf("unexpected tool name %q", call.Name)
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		t.Fatalf("arguments are not valid JSON: %v", err)
	}
	if id, ok := args["employee_id"].(float64); !ok || id != 17 {
		t.Errorf("expected employee_id 17, got %v", args["employee_id"])
	}
	if chunks[1].Finish != voice.FinishToolCalls {
		t.Errorf("expected tool_calls finish, got %q", chunks[1].Finish)
	}
	for _, chunk := range chunks {
		if chunk.Delta != "" {
			t.Errorf("tool turn leaked text delta %q", chunk.Delta)
		}
	}
}

func TestComplete_CohereFlattensMessages(t *testing.T) {
	var body struct {
		ChatRequest cohereChatRequest `json:"chatRequest"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\":\"ok\",\"finishReason\":\"COMPLETE\"}\n\n")
	}))
	defer srv.Close()

	cfg := llmTestConfig(t, srv)
	cfg.LLMModelType = modelTypeCohere
	client := newClient(cfg, nil)
	ch, err := client.Complete(context.Background(), voice.CompletionRequest{
		Messages: []voice.Message{
			{Role: voice.RoleSystem, Content: "Be brief."},
			{Role: voice.RoleUser, Content: "Hi."},
		},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	chunks := collect(t, ch)

	if body.ChatRequest.APIFormat != modelTypeCohere {
		t.Errorf("unexpected api format %q", body.ChatRequest.APIFormat)
	}
	if body.ChatRequest.Message != "Be brief.\nHi." {
		t.Errorf("messages not flattened: %q", body.ChatRequest.Message)
	}
	if len(chunks) != 2 || chunks[0].Delta != "ok" || chunks[1].Finish != voice.FinishStop {
		t.Errorf("unexpected chunks %+v", chunks)
	}
}

func TestComplete_RateLimitIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":"TooManyRequests","message":"rate limited"}`)
	}))
	defer srv.Close()

	client := newClient(llmTestConfig(t, srv), nil)
	_, err := client.Complete(context.Background(), voice.CompletionRequest{
		Messages: []voice.Message{{Role: voice.RoleUser, Content: "Hi."}},
	})
	if voice.KindOf(err) != voice.KindProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
	var e *voice.Error
	if !errors.As(err, &e) || e.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429 on error, got %+v", e)
	}
	if !strings.Contains(e.Message, "rate limited") {
		t.Errorf("provider message lost: %q", e.Message)
	}
}

func TestComplete_MalformedStreamIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {not json}\n\n")
	}))
	defer srv.Close()

	client := newClient(llmTestConfig(t, srv), nil)
	ch, err := client.Complete(context.Background(), voice.CompletionRequest{
		Messages: []voice.Message{{Role: voice.RoleUser, Content: "Hi."}},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) == 0 {
		t.Fatal("expected an error chunk")
	}
	last := chunks[len(chunks)-1]
	if voice.KindOf(last.Err) != voice.KindProtocol {
		t.Fatalf("expected protocol error, got %v", last.Err)
	}
}

func TestComplete_LengthFinish(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, nil,
		genericDelta("truncated", "MAX_TOKENS"),
	))
	defer srv.Close()

	client := newClient(llmTestConfig(t, srv), nil)
	ch, err := client.Complete(context.Background(), voice.CompletionRequest{
		Messages: []voice.Message{{Role: voice.RoleUser, Content: "Hi."}},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Finish != voice.FinishLength {
		t.Errorf("expected length finish, got %q", last.Finish)
	}
}

// headerSigner mimics the real request signer: the signature covers the
// Date header, so signing a request without one must fail.
type headerSigner struct{ signed int }

func (s *headerSigner) Sign(r *http.Request) error {
	if r.Header.Get("Date") == "" {
		return errors.New("request has no Date header to sign")
	}
	r.Header.Set("Authorization", `Signature version="1"`)
	s.signed++
	return nil
}

func TestComplete_SignedRequestCarriesDateHeader(t *testing.T) {
	var date, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date = r.Header.Get("Date")
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", genericDelta("ok", "FINISHED"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	signer := &headerSigner{}
	client := newClient(llmTestConfig(t, srv), signer)
	ch, err := client.Complete(context.Background(), voice.CompletionRequest{
		Messages: []voice.Message{{Role: voice.RoleUser, Content: "Hi."}},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	collect(t, ch)

	if signer.signed != 1 {
		t.Fatalf("expected one signed request, got %d", signer.signed)
	}
	if date == "" {
		t.Error("request reached the wire without a Date header")
	}
	if auth == "" {
		t.Error("request reached the wire without an Authorization header")
	}
}
