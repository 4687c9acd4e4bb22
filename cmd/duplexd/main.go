package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duplexvoice/duplex/internal/config"
	"github.com/duplexvoice/duplex/internal/engine"
	"github.com/duplexvoice/duplex/internal/history"
	"github.com/duplexvoice/duplex/internal/httpapi"
	"github.com/duplexvoice/duplex/internal/observability"
	"github.com/duplexvoice/duplex/internal/providers"
	"github.com/duplexvoice/duplex/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()

	var (
		transcriber engine.Transcriber
		responder   engine.Responder
		synthesizer engine.Synthesizer
	)
	if cfg.MockProviders() {
		mock := engine.NewMockProviders(cfg.VADSampleRate)
		transcriber = mock
		responder = mock
		synthesizer = mock
		log.Printf("providers: mock (no upstream URLs configured)")
	} else {
		if cfg.TranscriberURL == "" || cfg.ResponderURL == "" || cfg.SynthesizerURL == "" {
			log.Fatalf("provider config incomplete: TRANSCRIBER_URL, RESPONDER_URL and SYNTHESIZER_URL must all be set")
		}
		opts := providers.Options{APIKey: cfg.ProviderAPIKey, Timeout: cfg.ProviderTimeout}
		transcriber = providers.NewHTTPTranscriber(cfg.TranscriberURL, opts)
		responder = providers.NewHTTPResponder(cfg.ResponderURL, opts)
		synthesizer = providers.NewHTTPSynthesizer(cfg.SynthesizerURL, cfg.VADSampleRate, opts)
		log.Printf("providers: http upstreams")
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	eng := engine.New(
		sessions,
		transcriber,
		responder,
		synthesizer,
		store,
		metrics,
		cfg.StreamText,
		cfg.StreamAudio,
	)

	api := httpapi.New(cfg, sessions, eng, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
