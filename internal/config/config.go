package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the duplex voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// VAD tuning, snapshotted into each session at creation.
	VADSilenceThreshold  float64
	VADSilenceDuration   time.Duration
	VADMinSpeechDuration time.Duration
	VADSmoothingAlpha    float64
	VADSampleRate        int

	// Conversation behavior defaults.
	AlwaysListening bool
	StreamText      bool
	StreamAudio     bool

	// Provider endpoints. All empty means mock mode.
	TranscriberURL  string
	ResponderURL    string
	SynthesizerURL  string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "duplex"),
		AllowAnyOrigin:           false,
		VADSilenceThreshold:      0.02,
		VADSilenceDuration:       800 * time.Millisecond,
		VADMinSpeechDuration:     300 * time.Millisecond,
		VADSmoothingAlpha:        0.9,
		VADSampleRate:            16000,
		AlwaysListening:          false,
		StreamText:               true,
		StreamAudio:              true,
		TranscriberURL:           stringsTrimSpace("TRANSCRIBER_URL"),
		ResponderURL:             stringsTrimSpace("RESPONDER_URL"),
		SynthesizerURL:           stringsTrimSpace("SYNTHESIZER_URL"),
		ProviderAPIKey:           stringsTrimSpace("PROVIDER_API_KEY"),
		ProviderTimeout:          30 * time.Second,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		FirstAudioSLO:            700 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.VADSilenceThreshold, err = floatFromEnv("VAD_SILENCE_THRESHOLD", cfg.VADSilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceDuration, err = durationFromEnv("VAD_SILENCE_DURATION", cfg.VADSilenceDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeechDuration, err = durationFromEnv("VAD_MIN_SPEECH_DURATION", cfg.VADMinSpeechDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSmoothingAlpha, err = floatFromEnv("VAD_SMOOTHING_ALPHA", cfg.VADSmoothingAlpha)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSampleRate, err = intFromEnv("VAD_SAMPLE_RATE", cfg.VADSampleRate)
	if err != nil {
		return Config{}, err
	}

	cfg.AlwaysListening, err = boolFromEnv("CONVERSATION_ALWAYS_LISTENING", cfg.AlwaysListening)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamText, err = boolFromEnv("CONVERSATION_STREAM_TEXT", cfg.StreamText)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamAudio, err = boolFromEnv("CONVERSATION_STREAM_AUDIO", cfg.StreamAudio)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderTimeout, err = durationFromEnv("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.VADSilenceThreshold <= 0 || cfg.VADSilenceThreshold >= 1 {
		return Config{}, fmt.Errorf("VAD_SILENCE_THRESHOLD must be in (0, 1)")
	}
	if cfg.VADSmoothingAlpha < 0 || cfg.VADSmoothingAlpha >= 1 {
		return Config{}, fmt.Errorf("VAD_SMOOTHING_ALPHA must be in [0, 1)")
	}
	if cfg.VADSilenceDuration <= 0 {
		return Config{}, fmt.Errorf("VAD_SILENCE_DURATION must be positive")
	}
	if cfg.VADSampleRate <= 0 {
		return Config{}, fmt.Errorf("VAD_SAMPLE_RATE must be positive")
	}
	if cfg.ProviderTimeout <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	return cfg, nil
}

// MockProviders reports whether no upstream provider is configured at all.
func (c Config) MockProviders() bool {
	return c.TranscriberURL == "" && c.ResponderURL == "" && c.SynthesizerURL == ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
