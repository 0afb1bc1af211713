package tts

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/oracle/oci-go-sdk/v65/aispeech"
	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/rs/zerolog"

	"github.com/ocivoice/agent-plugins/internal/audio"
	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/ociauth"
	"github.com/ocivoice/agent-plugins/internal/resilience"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

const (
	modelName = "TTS_2_NATURAL"

	// Synthesis output format: 16-bit mono PCM.
	audioChannels = 1
	audioBits     = 16
)

// synthesizer renders one text unit to PCM bytes. The production
// implementation calls the OCI speech service; tests substitute fakes.
type synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Client opens speech-synthesis sessions. It implements voice.TTS.
type Client struct {
	cfg     *config.Config
	synth   synthesizer
	cache   *Cache
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient builds a TTS client from configuration. The audio cache is
// enabled when a cache path is configured.
func NewClient(cfg *config.Config) (*Client, error) {
	provider, err := ociauth.NewConfigurationProvider(cfg)
	if err != nil {
		return nil, err
	}

	speechClient, err := aispeech.NewAIServiceSpeechClientWithConfigurationProvider(provider)
	if err != nil {
		return nil, voice.WrapError(voice.KindConfig, "tts.client", "creating speech client", err)
	}
	speechClient.Host = cfg.TTSEndpoint()

	var cache *Cache
	if cfg.TTSCachePath != "" {
		cache, err = NewCache(cfg.TTSCachePath, cfg.TTSCacheMaxTextLen)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		cfg: cfg,
		synth: &ociSynthesizer{
			client: speechClient,
			cfg:    cfg,
		},
		cache: cache,
		breaker: resilience.NewCircuitBreaker(
			"tts",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.ComponentLogger("tts"),
	}, nil
}

// Open starts a synthesis session. Units pushed to the session are
// rendered strictly in order by a single worker.
func (c *Client) Open(ctx context.Context) (voice.TTSSession, error) {
	return openSession(ctx, c)
}

// ociSynthesizer calls the OCI speech SynthesizeSpeech action and
// returns raw PCM with the WAV header stripped.
type ociSynthesizer struct {
	client aispeech.AIServiceSpeechClient
	cfg    *config.Config
}

func (o *ociSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.TTSRequestTimeout)*time.Second)
	defer cancel()

	request := aispeech.SynthesizeSpeechRequest{
		SynthesizeSpeechDetails: aispeech.SynthesizeSpeechDetails{
			Text:            common.String(text),
			IsStreamEnabled: common.Bool(false),
			CompartmentId:   common.String(o.cfg.CompartmentID),
			Configuration: aispeech.TtsOracleConfiguration{
				ModelDetails: aispeech.TtsOracleTts2NaturalModelDetails{
					VoiceId: common.String(o.cfg.TTSVoice),
				},
				SpeechSettings: &aispeech.TtsOracleSpeechSettings{
					TextType:       aispeech.TtsOracleSpeechSettingsTextTypeText,
					SampleRateInHz: common.Int(o.cfg.TTSSampleRate),
					OutputFormat:   aispeech.TtsOracleSpeechSettingsOutputFormatPcm,
				},
			},
		},
		OpcRequestId: common.String(uuid.NewString()),
	}

	response, err := o.client.SynthesizeSpeech(ctx, request)
	if err != nil {
		return nil, mapServiceError("tts.synthesize", err)
	}
	defer response.Content.Close()

	payload, err := io.ReadAll(response.Content)
	if err != nil {
		return nil, voice.WrapError(voice.KindConnection, "tts.synthesize", "reading synthesis response", err)
	}

	// The service answers in WAV format even for PCM output.
	pcm, err := audio.StripWAVHeader(payload)
	if err != nil {
		return nil, voice.WrapError(voice.KindProtocol, "tts.synthesize", "parsing synthesis audio", err)
	}
	return pcm, nil
}

// mapServiceError converts an OCI SDK failure to the adapter taxonomy.
func mapServiceError(op string, err error) error {
	if serviceErr, ok := common.IsServiceError(err); ok {
		e := voice.WrapError(voice.KindProvider, op, serviceErr.GetMessage(), err)
		e.Status = serviceErr.GetHTTPStatusCode()
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return voice.WrapError(voice.KindTimeout, op, "synthesis deadline exceeded", err)
	}
	return voice.WrapError(voice.KindConnection, op, "speech service unreachable", err)
}
