package stt

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/ociauth"
	"github.com/ocivoice/agent-plugins/internal/resilience"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// resultChannelSize buffers transcript events so a slow consumer does
// not stall the websocket read loop immediately.
const resultChannelSize = 64

// Client opens realtime transcription sessions against the OCI speech
// service. It implements voice.STT.
type Client struct {
	cfg    *config.Config
	dial   dialFunc
	auth   func() (map[string]string, error)
	logger zerolog.Logger
}

// NewClient builds an STT client from configuration. Credential
// problems surface here rather than on the first Open.
func NewClient(cfg *config.Config) (*Client, error) {
	provider, err := ociauth.NewConfigurationProvider(cfg)
	if err != nil {
		return nil, err
	}
	signer := ociauth.NewRequestSigner(provider)

	dial, err := newWebsocketDialer(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:  cfg,
		dial: dial,
		auth: func() (map[string]string, error) {
			return ociauth.SignedHeaders(signer, "https://"+cfg.STTHost)
		},
		logger: observability.ComponentLogger("stt"),
	}, nil
}

// Open dials the realtime speech service, authenticates, and returns a
// streaming session. The context bounds the connection handshake and,
// once established, cancels the session when done.
func (c *Client) Open(ctx context.Context) (voice.STTSession, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:         c.cfg,
		dial:        c.dial,
		auth:        c.auth,
		logger:      c.logger.With().Str("session_id", uuid.NewString()).Logger(),
		frames:      make(chan voice.AudioFrame, c.cfg.STTFrameQueueLimit),
		results:     make(chan voice.TranscriptEvent, resultChannelSize),
		ctx:         sessionCtx,
		cancel:      cancel,
		writerBye:   make(chan struct{}),
		reconnected: make(chan struct{}),
		started:     time.Now(),
	}

	if err := s.connect(ctx); err != nil {
		cancel()
		return nil, err
	}

	observability.RecordSessionOpen("stt")
	go s.readLoop()
	go s.writeLoop()
	go s.watchContext()
	return s, nil
}

// session is a single realtime transcription stream.
type session struct {
	cfg    *config.Config
	dial   dialFunc
	auth   func() (map[string]string, error)
	logger zerolog.Logger

	frames  chan voice.AudioFrame
	results chan voice.TranscriptEvent

	mu sync.Mutex
	// conn is the active transport; reconnected is replaced on every
	// swap so waiters learn about a fresh transport.
	conn        transport
	reconnected chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	writerBye chan struct{}
	started   time.Time
}

// connect dials a fresh transport, sends the signed CREDENTIALS
// message, and waits for the service's CONNECT acknowledgement. Any
// previous transport is discarded first.
func (s *session) connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	headers, err := s.auth()
	if err != nil {
		conn.Close()
		return err
	}
	creds := credentialsMessage{
		AuthenticationType: "CREDENTIALS",
		CompartmentID:      s.cfg.CompartmentID,
		Headers:            headers,
	}
	if err := conn.WriteJSON(creds); err != nil {
		conn.Close()
		return voice.WrapError(voice.KindConnection, "stt.connect", "sending credentials", err)
	}

	// The service answers with CONNECT before it accepts audio.
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return voice.WrapError(voice.KindConnection, "stt.connect", "waiting for connect ack", err)
		}
		event, err := decodeEvent(data)
		if err != nil {
			conn.Close()
			return err
		}
		switch event.Event {
		case eventConnect:
			s.logger.Debug().Str("service_session_id", event.SessionID).Msg("Realtime session established")
			s.swapConn(conn)
			return nil
		case eventError:
			conn.Close()
			return voice.NewError(voice.KindProvider, "stt.connect", event.Message)
		default:
			// ACKAUDIO or stray RESULT before the ack; keep waiting.
		}
	}
}

func (s *session) swapConn(conn transport) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	close(s.reconnected)
	s.reconnected = make(chan struct{})
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *session) currentConn() transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// connState returns the active transport together with the channel
// that signals its replacement.
func (s *session) connState() (transport, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.reconnected
}

// watchContext tears the transport down when the session context ends,
// so an abandoned session does not leak its connection or pin the read
// loop in a blocked read.
func (s *session) watchContext() {
	<-s.ctx.Done()
	s.Close()
}

// Push queues an audio frame for transmission. A full queue means the
// caller is producing faster than the service accepts; the frame is
// rejected with an overrun error rather than dropped silently.
func (s *session) Push(frame voice.AudioFrame) error {
	select {
	case <-s.ctx.Done():
		return voice.NewError(voice.KindValidation, "stt.push", "session is closed")
	default:
	}

	select {
	case s.frames <- frame:
		return nil
	default:
		observability.RecordSTTOverrun()
		return voice.NewError(voice.KindOverrun, "stt.push", "audio frame queue is full")
	}
}

// Results returns the transcript event stream. The channel is closed
// once the session ends and no further events will be delivered.
func (s *session) Results() <-chan voice.TranscriptEvent {
	return s.results
}

// Close shuts the session down. It flushes queued audio, asks the
// service for a final result, and closes the socket. Safe to call
// concurrently and more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.writerBye

		// Flush whatever the writer had not sent yet.
		conn := s.currentConn()
		if conn != nil {
			s.closeErr = s.drainFrames(conn)
			if err := conn.WriteJSON(finalResultMessage{Event: eventFinalResult}); err != nil && s.closeErr == nil {
				s.closeErr = voice.WrapError(voice.KindConnection, "stt.close", "requesting final result", err)
			}
			conn.Close()
		}

		observability.RecordSessionClose("stt", s.started)
		s.logger.Debug().Dur("duration", time.Since(s.started)).Msg("Session closed")
	})
	return s.closeErr
}

func (s *session) drainFrames(conn transport) error {
	for {
		select {
		case frame := <-s.frames:
			if err := conn.WriteBinary(frame.PCM); err != nil {
				return voice.WrapError(voice.KindConnection, "stt.close", "flushing queued audio", err)
			}
		default:
			return nil
		}
	}
}

// writeLoop forwards queued frames to the active transport.
func (s *session) writeLoop() {
	defer close(s.writerBye)
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			s.deliver(frame)
		}
	}
}

// deliver writes one frame, holding it across a reconnect rather than
// dropping it. While the writer waits here the frame queue keeps
// filling, so sustained disconnection surfaces to the caller as
// overrun errors instead of silent loss.
func (s *session) deliver(frame voice.AudioFrame) {
	for {
		conn, swapped := s.connState()
		if conn == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-swapped:
			}
			continue
		}
		if err := s.writeFrame(conn, frame); err != nil {
			// The read loop sees the same failure and owns
			// reconnection; retry once a fresh transport is up.
			s.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Write failed, holding frame for reconnect")
			select {
			case <-s.ctx.Done():
				return
			case <-swapped:
			}
			continue
		}
		return
	}
}

func (s *session) writeFrame(conn transport, frame voice.AudioFrame) error {
	if err := conn.WriteBinary(frame.PCM); err != nil {
		return err
	}
	observability.RecordAudioBytes("stt_in", len(frame.PCM))
	return nil
}

// readLoop consumes service events until the session is closed. Read
// failures and ERROR events trigger a reconnect; if that fails the
// session emits a terminal error event and stops.
func (s *session) readLoop() {
	defer close(s.results)
	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}
		data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !s.reconnect() {
				return
			}
			continue
		}

		event, err := decodeEvent(data)
		if err != nil {
			observability.RecordError(string(voice.KindProtocol), "stt")
			s.emit(voice.TranscriptEvent{Err: err})
			continue
		}
		s.handleEvent(event)
	}
}

func (s *session) handleEvent(event *realtimeEvent) {
	switch event.Event {
	case eventResult:
		for _, tr := range event.Transcriptions {
			s.emitTranscription(tr)
		}
	case eventError:
		s.logger.Warn().Int("code", event.Code).Str("message", event.Message).Msg("Service error, reopening")
		observability.RecordError(string(voice.KindProvider), "stt")
		s.emit(voice.TranscriptEvent{
			Err: voice.NewError(voice.KindProvider, "stt.stream", event.Message),
		})
		if s.ctx.Err() == nil {
			s.reconnect()
		}
	case eventAckAudio, eventConnect:
		// Informational.
	default:
		s.logger.Debug().Str("event", event.Event).Msg("Ignoring unknown event")
	}
}

func (s *session) emitTranscription(tr transcriptionEntry) {
	kind := voice.TranscriptInterim
	if tr.IsFinal {
		kind = voice.TranscriptFinal
	} else if !s.cfg.STTReturnPartials {
		return
	}

	event := voice.TranscriptEvent{
		Kind:       kind,
		Text:       tr.Transcription,
		Confidence: tr.Confidence,
		Start:      float64(tr.StartTimeInMs) / 1000,
		Duration:   float64(tr.EndTimeInMs-tr.StartTimeInMs) / 1000,
	}
	observability.RecordTranscriptEvent(kind.String())
	s.emit(event)

	// A final result ends the utterance; the silence threshold already
	// elapsed on the service side.
	if tr.IsFinal {
		end := event
		end.Kind = voice.TranscriptEndOfUtterance
		end.Text = ""
		observability.RecordTranscriptEvent(end.Kind.String())
		s.emit(end)
	}
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(event voice.TranscriptEvent) {
	select {
	case s.results <- event:
	case <-s.ctx.Done():
	}
}

// reconnect reopens the stream with backoff. Returns false when the
// session terminated instead.
func (s *session) reconnect() bool {
	observability.RecordSTTReconnect()
	err := resilience.Reconnect(s.ctx, func() error {
		return s.connect(s.ctx)
	}, &resilience.ReconnectConfig{
		MaxAttempts: s.cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(s.cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	})
	if err != nil {
		if s.ctx.Err() == nil {
			observability.RecordError(string(voice.KindConnection), "stt")
			s.emit(voice.TranscriptEvent{
				Err: voice.WrapError(voice.KindConnection, "stt.stream", "reconnecting to realtime speech service", err),
			})
		}
		s.cancel()
		return false
	}
	return true
}

func decodeEvent(data []byte) (*realtimeEvent, error) {
	var event realtimeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, voice.WrapError(voice.KindProtocol, "stt.decode", "malformed service event", err)
	}
	return &event, nil
}
