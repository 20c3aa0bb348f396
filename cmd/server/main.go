package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/memengine"
	"github.com/dkeye/huddle/internal/adapters/rtc"
	wssignal "github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/media"
)

func newEngine(cfg *config.Config) (media.Engine, func(), error) {
	if cfg.Media.Engine == "memory" {
		log.Warn().Str("module", "main").Msg("memory media engine: signaling only, no media is routed")
		return memengine.New(), func() {}, nil
	}
	e, err := rtc.New(rtc.Config{
		UDPPortMin:    cfg.Media.UDPPortMin,
		UDPPortMax:    cfg.Media.UDPPortMax,
		TCPPort:       cfg.Media.TCPPort,
		ICEServers:    cfg.Media.ICEServers,
		GatherTimeout: cfg.Media.GatherTimeout,
		LogLevel:      cfg.Level(),
	})
	if err != nil {
		return nil, nil, err
	}
	return e, func() {
		if err := e.Close(); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("media engine close")
		}
	}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	engine, closeEngine, err := newEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}
	defer closeEngine()

	rooms := app.NewRoomManager(engine, media.DefaultCodecs(), app.SimplePolicy{})
	defer rooms.Close()
	limiter := wssignal.NewRoomRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval)

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(rooms),
		Transport: media.TransportOptions{
			ListenIP:    cfg.Media.ListenIP,
			AnnouncedIP: cfg.Media.AnnouncedIP,
			EnableUDP:   true,
			EnableTCP:   cfg.Media.TCPPort > 0,
			PreferUDP:   true,
		},
		Limiter: limiter,
	}

	go func() {
		ticker := time.NewTicker(cfg.JoinRate.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	}()

	r := router.SetupRouter(ctx, cfg, o, o.Registry)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("engine", cfg.Media.Engine).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
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
