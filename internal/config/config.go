package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the OCI voice plugins
type Config struct {
	// Server configuration (local test driver)
	Port string `envconfig:"PORT" default:"8080"`

	// OCI credentials. OCIAuthMode selects between a standard API-key
	// profile and a session-token profile in the same config file.
	OCIConfigFile string `envconfig:"OCI_CONFIG_FILE" default:"~/.oci/config"`
	OCIProfile    string `envconfig:"OCI_PROFILE" default:"DEFAULT"`
	OCIAuthMode   string `envconfig:"OCI_AUTH_MODE" default:"api_key"` // api_key, session_token
	CompartmentID string `envconfig:"OCI_COMPARTMENT_ID" required:"true"`

	// Realtime speech (STT) configuration
	STTHost              string   `envconfig:"STT_HOST" required:"true"` // e.g. realtime.aiservice.us-ashburn-1.oci.oraclecloud.com
	STTPort              int      `envconfig:"STT_PORT" default:"443"`
	STTSecure            bool     `envconfig:"STT_SECURE" default:"true"`
	STTSampleRate        int      `envconfig:"STT_SAMPLE_RATE" default:"16000"`
	STTLanguageCode      string   `envconfig:"STT_LANGUAGE_CODE" default:"en-US"`
	STTModelDomain       string   `envconfig:"STT_MODEL_DOMAIN" default:"GENERIC"`
	STTPunctuation       string   `envconfig:"STT_PUNCTUATION" default:"NONE"`
	STTStabilizePartials string   `envconfig:"STT_STABILIZE_PARTIALS" default:"NONE"`
	STTPartialSilenceMs  int      `envconfig:"STT_PARTIAL_SILENCE_MS" default:"0"`
	STTFinalSilenceMs    int      `envconfig:"STT_FINAL_SILENCE_MS" default:"2000"`
	STTReturnPartials    bool     `envconfig:"STT_RETURN_PARTIALS" default:"false"`
	STTAckEnabled        bool     `envconfig:"STT_ACK_ENABLED" default:"false"`
	STTCustomizationIDs  []string `envconfig:"STT_CUSTOMIZATION_IDS"`
	STTFrameQueueLimit   int      `envconfig:"STT_FRAME_QUEUE_LIMIT" default:"256"` // frames buffered before overrun
	STTConnectTimeout    int      `envconfig:"STT_CONNECT_TIMEOUT" default:"10"`    // seconds

	// Generative AI (LLM) configuration
	LLMHost             string  `envconfig:"LLM_HOST" required:"true"` // e.g. inference.generativeai.us-chicago-1.oci.oraclecloud.com
	LLMPort             int     `envconfig:"LLM_PORT" default:"443"`
	LLMSecure           bool    `envconfig:"LLM_SECURE" default:"true"`
	LLMBackend          string  `envconfig:"LLM_BACKEND" default:"llm"`        // llm, agent
	LLMModelType        string  `envconfig:"LLM_MODEL_TYPE" default:"GENERIC"` // GENERIC, COHERE
	LLMModelID          string  `envconfig:"LLM_MODEL_ID" default:""`
	LLMModelName        string  `envconfig:"LLM_MODEL_NAME" default:""`
	LLMMaxTokens        int     `envconfig:"LLM_MAX_TOKENS" default:"0"`
	LLMTemperature      float64 `envconfig:"LLM_TEMPERATURE" default:"-1"` // <0 means provider default
	LLMTopP             float64 `envconfig:"LLM_TOP_P" default:"-1"`
	LLMTopK             int     `envconfig:"LLM_TOP_K" default:"0"`
	LLMFrequencyPenalty float64 `envconfig:"LLM_FREQUENCY_PENALTY" default:"0"`
	LLMPresencePenalty  float64 `envconfig:"LLM_PRESENCE_PENALTY" default:"0"`
	LLMSeed             int     `envconfig:"LLM_SEED" default:"0"`
	LLMRequestTimeout   int     `envconfig:"LLM_REQUEST_TIMEOUT" default:"60"` // seconds
	LLMAgentEndpointID  string  `envconfig:"LLM_AGENT_ENDPOINT_ID" default:""` // required when LLM_BACKEND=agent

	// Speech synthesis (TTS) configuration
	TTSHost            string `envconfig:"TTS_HOST" required:"true"` // e.g. speech.aiservice.us-ashburn-1.oci.oraclecloud.com
	TTSPort            int    `envconfig:"TTS_PORT" default:"443"`
	TTSSecure          bool   `envconfig:"TTS_SECURE" default:"true"`
	TTSVoice           string `envconfig:"TTS_VOICE" default:"Victoria"`
	TTSSampleRate      int    `envconfig:"TTS_SAMPLE_RATE" default:"24000"`
	TTSMaxUnitLength   int    `envconfig:"TTS_MAX_UNIT_LENGTH" default:"400"` // characters per synthesis unit
	TTSRequestTimeout  int    `envconfig:"TTS_REQUEST_TIMEOUT" default:"30"`  // seconds
	TTSCachePath       string `envconfig:"TTS_CACHE_PATH" default:""`         // empty disables the audio cache
	TTSCacheMaxTextLen int    `envconfig:"TTS_CACHE_MAX_TEXT_LEN" default:"100"`

	// Agent pipeline configuration (local test driver)
	AgentSystemPrompt string `envconfig:"AGENT_SYSTEM_PROMPT" default:"You are a helpful voice assistant. Keep answers short and speakable."`

	// Audio processing configuration
	AudioBufferSize    int     `envconfig:"AUDIO_BUFFER_SIZE" default:"65536"`    // Ring buffer size in bytes
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that envconfig tags cannot express
func (c *Config) Validate() error {
	switch c.OCIAuthMode {
	case "api_key", "session_token":
	default:
		return fmt.Errorf("OCI_AUTH_MODE must be api_key or session_token, got %q", c.OCIAuthMode)
	}

	switch c.LLMBackend {
	case "llm":
		if c.LLMModelID == "" && c.LLMModelName == "" {
			return fmt.Errorf("LLM_MODEL_ID or LLM_MODEL_NAME is required when LLM_BACKEND=llm")
		}
		if c.LLMModelType != "GENERIC" && c.LLMModelType != "COHERE" {
			return fmt.Errorf("LLM_MODEL_TYPE must be GENERIC or COHERE, got %q", c.LLMModelType)
		}
	case "agent":
		if c.LLMAgentEndpointID == "" {
			return fmt.Errorf("LLM_AGENT_ENDPOINT_ID is required when LLM_BACKEND=agent")
		}
	default:
		return fmt.Errorf("LLM_BACKEND must be llm or agent, got %q", c.LLMBackend)
	}

	if c.STTFrameQueueLimit <= 0 {
		return fmt.Errorf("STT_FRAME_QUEUE_LIMIT must be positive, got %d", c.STTFrameQueueLimit)
	}

	return nil
}

// STTEndpoint returns the websocket URL of the realtime speech service
func (c *Config) STTEndpoint() string {
	scheme := "wss"
	if !c.STTSecure {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.STTHost, c.STTPort)
}

// LLMEndpoint returns the base URL of the generative AI inference service
func (c *Config) LLMEndpoint() string {
	scheme := "https"
	if !c.LLMSecure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.LLMHost, c.LLMPort)
}

// TTSEndpoint returns the base URL of the speech synthesis service
func (c *Config) TTSEndpoint() string {
	scheme := "https"
	if !c.TTSSecure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.TTSHost, c.TTSPort)
}
