package tts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/resilience"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// unitQueueSize bounds how many complete text units may wait for the
// synthesis worker before Push blocks.
const unitQueueSize = 16

// frameChannelSize buffers rendered audio ahead of the consumer.
const frameChannelSize = 16

// Session is one speech-synthesis stream. Pushed text is cut into
// units and rendered by a single worker, so audio always comes out in
// push order. It implements voice.TTSSession.
type Session struct {
	client *Client
	logger zerolog.Logger

	chunkerMu sync.Mutex
	chunker   *chunker
	nextUnit  int

	// queueMu serializes sends on units against Close, which is the
	// only place the channel is closed. closed guards against a send
	// racing the close.
	queueMu sync.Mutex
	closed  bool
	units   chan string
	frames  chan voice.SynthesisChunk

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	workerDone chan struct{}
	failed     atomic.Value // *voice.Error, set on a fatal session error
	started    time.Time
}

func openSession(ctx context.Context, c *Client) (*Session, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		client:     c,
		logger:     c.logger.With().Str("session_id", uuid.NewString()).Logger(),
		chunker:    newChunker(c.cfg.TTSMaxUnitLength),
		units:      make(chan string, unitQueueSize),
		frames:     make(chan voice.SynthesisChunk, frameChannelSize),
		ctx:        sessionCtx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
		started:    time.Now(),
	}

	observability.RecordSessionOpen("tts")
	go s.worker()
	return s, nil
}

// Push adds text to the session. Complete units are queued for
// synthesis immediately; a trailing partial sentence stays buffered
// until more text, a Flush, or Close arrives.
func (s *Session) Push(text string) error {
	if err := s.usable("tts.push"); err != nil {
		return err
	}

	s.chunkerMu.Lock()
	units := s.chunker.push(text)
	s.chunkerMu.Unlock()

	return s.enqueue(units)
}

// Flush forces the buffered partial unit into the synthesis queue. It
// affects latency only: flushed or not, all pushed text is eventually
// rendered in order.
func (s *Session) Flush() error {
	if err := s.usable("tts.flush"); err != nil {
		return err
	}

	s.chunkerMu.Lock()
	partial := s.chunker.flush()
	s.chunkerMu.Unlock()

	if partial == "" {
		return nil
	}
	return s.enqueue([]string{partial})
}

// Frames returns the audio stream. The channel closes after Close once
// every queued unit has been rendered or reported as failed.
func (s *Session) Frames() <-chan voice.SynthesisChunk {
	return s.frames
}

// Close flushes the pending partial unit, waits for the worker to
// render everything queued, and releases the session. The caller
// should keep draining Frames until it closes. Idempotent and safe to
// call concurrently with Push.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.chunkerMu.Lock()
		partial := s.chunker.flush()
		s.chunkerMu.Unlock()
		if partial != "" {
			// Best effort: the queue may be full of earlier units, so
			// wait for room rather than dropping the tail.
			s.enqueue([]string{partial})
		}

		s.queueMu.Lock()
		s.closed = true
		close(s.units)
		s.queueMu.Unlock()
		<-s.workerDone
		s.cancel()
		observability.RecordSessionClose("tts", s.started)
	})
	return nil
}

// usable rejects calls on a closed or failed session.
func (s *Session) usable(op string) error {
	if err, ok := s.failed.Load().(*voice.Error); ok && err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return voice.NewError(voice.KindValidation, op, "session is closed")
	default:
		return nil
	}
}

func (s *Session) enqueue(units []string) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.closed {
		return voice.NewError(voice.KindValidation, "tts.push", "session is closed")
	}
	for _, unit := range units {
		select {
		case s.units <- unit:
		case <-s.ctx.Done():
			return voice.NewError(voice.KindValidation, "tts.push", "session is closed")
		}
	}
	return nil
}

// worker renders units one at a time, in arrival order.
func (s *Session) worker() {
	defer close(s.workerDone)
	defer close(s.frames)

	for unit := range s.units {
		s.renderUnit(unit)
	}
}

func (s *Session) renderUnit(text string) {
	index := s.nextUnit
	s.nextUnit++

	pcm, err := s.synthesize(text)
	if err != nil {
		observability.RecordError(string(voice.KindOf(err)), "tts")
		if isFatalSessionError(err) {
			if e, ok := err.(*voice.Error); ok {
				s.failed.Store(e)
			}
		}
		s.emit(voice.SynthesisChunk{Unit: index, Err: err})
		return
	}

	observability.RecordAudioBytes("tts_out", len(pcm))
	s.emit(voice.SynthesisChunk{
		PCM:        pcm,
		SampleRate: s.client.cfg.TTSSampleRate,
		Channels:   audioChannels,
		Unit:       index,
	})
}

// synthesize renders one unit, consulting the cache first and guarding
// the service call with the circuit breaker.
func (s *Session) synthesize(text string) ([]byte, error) {
	cfg := s.client.cfg
	if s.client.cache != nil {
		if pcm, ok := s.client.cache.Get(text, cfg.TTSVoice, cfg.TTSSampleRate, audioChannels, audioBits); ok {
			return pcm, nil
		}
	}

	started := time.Now()
	var pcm []byte
	err := s.client.breaker.Call(func() error {
		var synthErr error
		pcm, synthErr = s.client.synth.Synthesize(s.ctx, text)
		return synthErr
	})
	observability.UpdateCircuitBreakerState("tts", int(s.client.breaker.GetState()))
	if err != nil {
		observability.RecordSynthesis(false, started)
		if err == resilience.ErrCircuitOpen {
			return nil, voice.WrapError(voice.KindProvider, "tts.synthesize", "synthesis temporarily unavailable", err)
		}
		return nil, err
	}
	observability.RecordSynthesis(true, started)

	if s.client.cache != nil {
		if cacheErr := s.client.cache.Put(text, cfg.TTSVoice, cfg.TTSSampleRate, audioChannels, audioBits, pcm); cacheErr != nil {
			s.logger.Warn().Err(cacheErr).Msg("Caching synthesized audio failed")
		}
	}
	return pcm, nil
}

func (s *Session) emit(chunk voice.SynthesisChunk) {
	select {
	case s.frames <- chunk:
	case <-s.ctx.Done():
		// Consumer gone; drop the frame so the worker can drain.
	}
}

// isFatalSessionError reports whether a synthesis failure invalidates
// the whole session (bad credentials, unknown voice, quota) rather
// than the single unit.
func isFatalSessionError(err error) bool {
	e, ok := err.(*voice.Error)
	if !ok {
		return false
	}
	switch e.Status {
	case 400, 401, 403:
		return true
	}
	return false
}
