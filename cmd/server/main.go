package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkaryakin/confa/internal/adapters/http"
	"github.com/dkaryakin/confa/internal/app"
	"github.com/dkaryakin/confa/internal/app/orch"
	"github.com/dkaryakin/confa/internal/config"
	"github.com/dkaryakin/confa/internal/media"
	"github.com/dkaryakin/confa/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var iceServers []webrtc.ICEServer
	for _, u := range cfg.StunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	engine := media.NewPionEngine(webrtc.Configuration{ICEServers: iceServers})
	engine.OnWorkerDied(func(err error) {
		// Not recoverable here; external supervision restarts the process.
		log.Fatal().Err(err).Msg("media worker died")
	})

	registry := app.NewRegistry(engine)
	m := metrics.New()
	orchestrator := orch.New(registry, m)

	r := router.SetupRouter(ctx, cfg, orchestrator)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("confa server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
