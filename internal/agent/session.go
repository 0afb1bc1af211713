package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ocivoice/agent-plugins/internal/audio"
	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the deployment in front of the driver.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// StreamMessage is the JSON control frame of the driver's websocket
// protocol. Audio travels as binary PCM frames in both directions.
type StreamMessage struct {
	Event string `json:"event"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

// Events on the driver websocket.
const (
	eventStop       = "stop"
	eventTranscript = "transcript"
	eventResponse   = "response"
	eventError      = "error"
)

// Providers bundles the three adapters and the tool registry a
// pipeline session runs on.
type Providers struct {
	STT          voice.STT
	LLM          voice.LLM
	TTS          voice.TTS
	Registry     *ToolRegistry
	SystemPrompt string
}

// HandleAudioWS returns the handler for the driver's audio websocket.
// Each connection gets its own recognition and synthesis sessions and
// an isolated conversation history.
func HandleAudioWS(cfg *config.Config, providers Providers) http.HandlerFunc {
	logger := observability.ComponentLogger("pipeline")
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to upgrade audio stream connection")
			return
		}
		defer conn.Close()

		session, err := newPipelineSession(r.Context(), conn, cfg, providers)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start pipeline session")
			conn.WriteJSON(StreamMessage{Event: eventError, Error: err.Error()})
			return
		}
		session.run()
	}
}

// pipelineSession wires one websocket caller through the full voice
// pipeline: inbound PCM -> recognition -> conversation turn ->
// synthesis -> outbound PCM.
type pipelineSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	cfg     *config.Config
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	stt  voice.STTSession
	tts  voice.TTSSession
	conv *Conversation
	vad  *audio.VADDetector

	// inbound buffers caller audio so activity detection always sees
	// fixed-size frames, whatever the websocket message sizes are.
	inbound    *audio.RingBuffer
	frameBytes int

	// ctx ends when the caller disconnects; in-flight turns abort
	// with it instead of running against a dead connection.
	ctx    context.Context
	cancel context.CancelFunc

	seq  uint64
	done chan struct{}
	wg   sync.WaitGroup
}

func newPipelineSession(ctx context.Context, conn *websocket.Conn, cfg *config.Config, providers Providers) (*pipelineSession, error) {
	sttSession, err := providers.STT.Open(ctx)
	if err != nil {
		return nil, err
	}
	ttsSession, err := providers.TTS.Open(ctx)
	if err != nil {
		sttSession.Close()
		return nil, err
	}

	registry := providers.Registry
	if registry == nil {
		registry = NewToolRegistry()
	}

	frameSize := cfg.STTSampleRate / 50 // 20ms frames

	sessionCtx, cancel := context.WithCancel(ctx)
	sessionID := uuid.NewString()
	return &pipelineSession{
		conn:    conn,
		cfg:     cfg,
		logger:  observability.WithCorrelationID(sessionID),
		metrics: observability.NewSessionMetrics(sessionID),
		stt:     sttSession,
		tts:     ttsSession,
		conv:    NewConversation(providers.LLM, registry, providers.SystemPrompt),
		vad: audio.NewVADDetector(&audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
			FrameSize:       frameSize,
		}),
		inbound:    audio.NewRingBuffer(cfg.AudioBufferSize),
		frameBytes: frameSize * 2,
		ctx:        sessionCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// run processes the connection until the caller stops or disconnects.
func (p *pipelineSession) run() {
	p.logger.Info().Msg("Pipeline session started")

	p.wg.Add(2)
	go p.transcriptLoop()
	go p.playbackLoop()

	p.readLoop()

	// The caller is gone: abort any in-flight turn, then close the
	// adapter sessions so both loops drain out; the result and frame
	// channels close once each adapter finishes.
	p.cancel()
	close(p.done)
	if err := p.stt.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Closing recognition session")
	}
	if err := p.tts.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Closing synthesis session")
	}
	p.wg.Wait()

	p.metrics.Closed()
	p.logger.Info().Msg("Pipeline session ended")
}

// readLoop consumes websocket frames: binary audio for recognition,
// JSON control messages for session lifecycle.
func (p *pipelineSession) readLoop() {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn().Err(err).Msg("Websocket read error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			p.handleAudio(data)
		case websocket.TextMessage:
			var msg StreamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				p.logger.Warn().Err(err).Msg("Unparseable control message")
				continue
			}
			if msg.Event == eventStop {
				p.logger.Info().Msg("Caller requested stop")
				return
			}
		}
	}
}

// handleAudio buffers caller PCM and forwards it to recognition in
// fixed-size frames while the caller is speaking.
func (p *pipelineSession) handleAudio(pcm []byte) {
	if written := p.inbound.Write(pcm); written < len(pcm) {
		p.logger.Warn().Int("dropped", len(pcm)-written).Msg("Inbound audio buffer full")
	}
	frame := make([]byte, p.frameBytes)
	for p.inbound.Available() >= p.frameBytes {
		p.inbound.Read(frame)
		p.processFrame(frame)
		frame = make([]byte, p.frameBytes)
	}
}

// processFrame gates one fixed-size frame through voice activity
// detection and pushes speech to the recognizer.
func (p *pipelineSession) processFrame(pcm []byte) {
	samples, err := audio.DecodeSamples(pcm)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Dropping malformed audio frame")
		return
	}
	speaking, started, ended := p.vad.ProcessFrame(samples)
	if started {
		p.logger.Debug().Msg("Speech started")
	}
	if ended {
		p.logger.Debug().Msg("Speech ended")
	}
	if !speaking && !ended {
		return
	}

	p.seq++
	err = p.stt.Push(voice.AudioFrame{
		PCM:       pcm,
		Seq:       p.seq,
		Timestamp: time.Now(),
	})
	if err != nil {
		if voice.IsKind(err, voice.KindOverrun) {
			// The recognizer is behind; this frame is lost but the
			// stream stays up.
			p.logger.Warn().Uint64("seq", p.seq).Msg("Recognition queue overrun, frame dropped")
			return
		}
		p.logger.Error().Err(err).Msg("Pushing audio to recognition failed")
	}
}

// transcriptLoop forwards transcript events to the caller and runs a
// conversation turn for every final utterance.
func (p *pipelineSession) transcriptLoop() {
	defer p.wg.Done()
	for event := range p.stt.Results() {
		if event.Err != nil {
			p.logger.Error().Err(event.Err).Msg("Recognition error")
			p.sendJSON(StreamMessage{Event: eventError, Error: event.Err.Error()})
			continue
		}

		switch event.Kind {
		case voice.TranscriptInterim:
			p.sendJSON(StreamMessage{Event: eventTranscript, Text: event.Text})
		case voice.TranscriptFinal:
			p.sendJSON(StreamMessage{Event: eventTranscript, Text: event.Text, Final: true})
			p.runTurn(event.Text)
		}
	}
}

// runTurn feeds one utterance through the conversation and streams the
// reply into synthesis.
func (p *pipelineSession) runTurn(utterance string) {
	p.metrics.TurnStarted()
	reply, err := p.conv.RunTurn(p.ctx, utterance, func(delta string) {
		if err := p.tts.Push(delta); err != nil {
			p.logger.Warn().Err(err).Msg("Pushing reply text to synthesis failed")
		}
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Conversation turn failed")
		p.sendJSON(StreamMessage{Event: eventError, Error: err.Error()})
		p.metrics.TurnEnded(p.cfg.LLMBackend, false)
		return
	}

	// End of turn: get the trailing partial sentence out promptly.
	if err := p.tts.Flush(); err != nil {
		p.logger.Warn().Err(err).Msg("Flushing synthesis failed")
	}
	p.sendJSON(StreamMessage{Event: eventResponse, Text: reply})
	p.metrics.TurnEnded(p.cfg.LLMBackend, true)
}

// playbackLoop writes synthesized audio back to the caller.
func (p *pipelineSession) playbackLoop() {
	defer p.wg.Done()
	for chunk := range p.tts.Frames() {
		if chunk.Err != nil {
			p.logger.Warn().Int("unit", chunk.Unit).Err(chunk.Err).Msg("Synthesis unit failed")
			p.sendJSON(StreamMessage{Event: eventError, Error: chunk.Err.Error()})
			continue
		}
		pcm, err := playbackPCM(chunk, p.cfg.STTSampleRate)
		if err != nil {
			p.logger.Warn().Int("unit", chunk.Unit).Err(err).Msg("Resampling playback audio failed")
			continue
		}
		observability.RecordAudioBytes("playback", len(pcm))
		p.sendBinary(pcm)
	}
}

// playbackPCM converts a synthesis chunk to the session's audio rate.
// The driver protocol uses one rate for both directions, while the
// synthesis service renders at its own configured rate.
func playbackPCM(chunk voice.SynthesisChunk, sessionRate int) ([]byte, error) {
	if chunk.SampleRate == 0 || chunk.SampleRate == sessionRate {
		return chunk.PCM, nil
	}
	return audio.Resample(chunk.PCM, chunk.SampleRate, sessionRate)
}

func (p *pipelineSession) sendJSON(msg StreamMessage) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteJSON(msg); err != nil {
		p.logger.Debug().Err(err).Msg("Websocket JSON write failed")
	}
}

func (p *pipelineSession) sendBinary(data []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		p.logger.Debug().Err(err).Msg("Websocket binary write failed")
	}
}
