package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.VADSilenceDuration != 800*time.Millisecond {
		t.Fatalf("VADSilenceDuration = %s, want 800ms", cfg.VADSilenceDuration)
	}
	if !cfg.StreamText || !cfg.StreamAudio {
		t.Fatalf("streaming defaults = text %v audio %v, want both true", cfg.StreamText, cfg.StreamAudio)
	}
	if !cfg.MockProviders() {
		t.Fatalf("MockProviders() = false with no provider URLs set")
	}
}

func TestLoadExplicitProviderURLs(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TRANSCRIBER_URL", "http://localhost:7777/stt")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TranscriberURL != "http://localhost:7777/stt" {
		t.Fatalf("TranscriberURL = %q, want explicit value", cfg.TranscriberURL)
	}
	if cfg.MockProviders() {
		t.Fatalf("MockProviders() = true with a provider URL set")
	}
}

func TestLoadParsesVADTuning(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VAD_SILENCE_THRESHOLD", "0.08")
	t.Setenv("VAD_SILENCE_DURATION", "600ms")
	t.Setenv("VAD_MIN_SPEECH_DURATION", "250ms")
	t.Setenv("VAD_SMOOTHING_ALPHA", "0.85")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VADSilenceThreshold != 0.08 {
		t.Fatalf("VADSilenceThreshold = %v, want 0.08", cfg.VADSilenceThreshold)
	}
	if cfg.VADSilenceDuration != 600*time.Millisecond {
		t.Fatalf("VADSilenceDuration = %s, want 600ms", cfg.VADSilenceDuration)
	}
	if cfg.VADMinSpeechDuration != 250*time.Millisecond {
		t.Fatalf("VADMinSpeechDuration = %s, want 250ms", cfg.VADMinSpeechDuration)
	}
	if cfg.VADSmoothingAlpha != 0.85 {
		t.Fatalf("VADSmoothingAlpha = %v, want 0.85", cfg.VADSmoothingAlpha)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VAD_SILENCE_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted out-of-range threshold")
	}

	setCoreEnvEmpty(t)
	t.Setenv("VAD_SMOOTHING_ALPHA", "nope")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted unparseable alpha")
	}

	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted too-short inactivity timeout")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"VAD_SILENCE_THRESHOLD",
		"VAD_SILENCE_DURATION",
		"VAD_MIN_SPEECH_DURATION",
		"VAD_SMOOTHING_ALPHA",
		"VAD_SAMPLE_RATE",
		"CONVERSATION_ALWAYS_LISTENING",
		"CONVERSATION_STREAM_TEXT",
		"CONVERSATION_STREAM_AUDIO",
		"TRANSCRIBER_URL",
		"RESPONDER_URL",
		"SYNTHESIZER_URL",
		"PROVIDER_API_KEY",
		"PROVIDER_TIMEOUT",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
