package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// Realtime speech event names as they appear on the wire.
const (
	eventConnect  = "CONNECT"
	eventAckAudio = "ACKAUDIO"
	eventResult   = "RESULT"
	eventError    = "ERROR"

	// Sent by the client to force a final result for buffered audio.
	eventFinalResult = "SEND_FINAL_RESULT"
)

// realtimeEvent is the envelope for every JSON message the service sends.
type realtimeEvent struct {
	Event          string               `json:"event"`
	SessionID      string               `json:"sessionId,omitempty"`
	Code           int                  `json:"code,omitempty"`
	Message        string               `json:"message,omitempty"`
	Transcriptions []transcriptionEntry `json:"transcriptions,omitempty"`
}

type transcriptionEntry struct {
	Transcription     string  `json:"transcription"`
	IsFinal           bool    `json:"isFinal"`
	Confidence        float64 `json:"confidence,omitempty"`
	StartTimeInMs     int64   `json:"startTimeInMs,omitempty"`
	EndTimeInMs       int64   `json:"endTimeInMs,omitempty"`
	TrailingSilenceMs int64   `json:"trailingSilence,omitempty"`
}

// credentialsMessage authenticates the websocket after the handshake.
// The headers are a signed GET of the service endpoint.
type credentialsMessage struct {
	AuthenticationType string            `json:"authenticationType"`
	CompartmentID      string            `json:"compartmentId"`
	Headers            map[string]string `json:"headers"`
}

type finalResultMessage struct {
	Event string `json:"event"`
}

// transport is the wire-level connection the session drives. The
// production implementation wraps a gorilla websocket; tests substitute
// an in-memory fake.
type transport interface {
	WriteJSON(v interface{}) error
	WriteBinary(data []byte) error
	ReadMessage() (data []byte, err error)
	Close() error
}

// dialFunc opens a transport to the given websocket URL.
type dialFunc func(ctx context.Context) (transport, error)

// wsTransport adapts a gorilla websocket connection to the transport
// interface. Writes are serialized by the session's writer goroutine so
// no extra locking is needed here.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) WriteJSON(v interface{}) error {
	return w.conn.WriteJSON(v)
}

func (w *wsTransport) WriteBinary(data []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsTransport) Close() error {
	return w.conn.Close()
}

// realtimeURL builds the transcription endpoint with the session
// parameters encoded as query values.
func realtimeURL(cfg *config.Config) (string, error) {
	base, err := url.Parse(cfg.STTEndpoint())
	if err != nil {
		return "", voice.WrapError(voice.KindConfig, "stt.url", "invalid realtime endpoint", err)
	}
	base.Path = "/ws/transcribe/stream"

	q := url.Values{}
	q.Set("encoding", fmt.Sprintf("audio/raw;rate=%d", cfg.STTSampleRate))
	q.Set("languageCode", cfg.STTLanguageCode)
	q.Set("modelDomain", cfg.STTModelDomain)
	q.Set("punctuation", cfg.STTPunctuation)
	q.Set("stabilizePartialResults", cfg.STTStabilizePartials)
	q.Set("partialSilenceThresholdInMs", strconv.Itoa(cfg.STTPartialSilenceMs))
	q.Set("finalSilenceThresholdInMs", strconv.Itoa(cfg.STTFinalSilenceMs))
	q.Set("isAckEnabled", strconv.FormatBool(cfg.STTAckEnabled))

	if len(cfg.STTCustomizationIDs) > 0 {
		type customization struct {
			CompartmentID   string `json:"compartmentId"`
			CustomizationID string `json:"customizationId"`
		}
		customizations := make([]customization, 0, len(cfg.STTCustomizationIDs))
		for _, id := range cfg.STTCustomizationIDs {
			customizations = append(customizations, customization{
				CompartmentID:   cfg.CompartmentID,
				CustomizationID: id,
			})
		}
		encoded, err := json.Marshal(customizations)
		if err != nil {
			return "", voice.WrapError(voice.KindConfig, "stt.url", "encoding customizations", err)
		}
		q.Set("customizations", string(encoded))
		q.Set("shouldIgnoreInvalidCustomizations", "false")
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

// newWebsocketDialer returns a dialFunc that opens a real websocket to
// the realtime speech service.
func newWebsocketDialer(cfg *config.Config) (dialFunc, error) {
	endpoint, err := realtimeURL(cfg)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.STTConnectTimeout) * time.Second

	return func(ctx context.Context) (transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, resp, err := dialer.DialContext(ctx, endpoint, http.Header{})
		if err != nil {
			werr := voice.WrapError(voice.KindConnection, "stt.dial", "connecting to realtime speech service", err)
			if resp != nil {
				werr.Status = resp.StatusCode
			}
			return nil, werr
		}
		return &wsTransport{conn: conn}, nil
	}, nil
}
