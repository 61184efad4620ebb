package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/adapters/httpapi"
	"github.com/dkeye/mediaroom/internal/config"
	"github.com/dkeye/mediaroom/internal/core"
	"github.com/dkeye/mediaroom/internal/media"
	"github.com/dkeye/mediaroom/internal/media/localengine"
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

	pool, err := buildWorkerPool(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build worker pool")
	}
	pool.OnWorkerDied(func(index int, err error) {
		log.Error().Err(err).Int("worker", index).Msg("media worker died, exiting")
		cancel()
	})

	server := core.NewServer(pool, core.RoomOptions{
		MediaCodecs:         config.DefaultMediaCodecs(),
		AudioLevelThreshold: cfg.AudioLevelThreshold,
		ObserverInterval:    cfg.ObserverInterval,
		RequestTimeout:      cfg.RequestTimeout,
		EnableUDP:           cfg.EnableUDP,
		EnableTCP:           cfg.EnableTCP,
		PreferUDP:           cfg.PreferUDP,
	})

	r := httpapi.SetupRouter(cfg, server)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("workers", pool.Size()).Msg("mediaroom server started")
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
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
	server.Close()
	log.Info().Msg("Server exited gracefully")
}

// buildWorkerPool spins up the configured number of engine workers, each
// with its own WebRtcServer on a distinct port.
func buildWorkerPool(cfg *config.Config) (*core.WorkerPool, error) {
	slots := make([]core.WorkerSlot, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		w := localengine.NewWorker(i)
		port := cfg.RTCBasePort + i
		var infos []media.ListenInfo
		if cfg.EnableUDP {
			infos = append(infos, media.ListenInfo{
				Protocol:         "udp",
				IP:               cfg.ListenIP,
				AnnouncedAddress: cfg.AnnouncedAddress,
				Port:             port,
			})
		}
		if cfg.EnableTCP {
			infos = append(infos, media.ListenInfo{
				Protocol:         "tcp",
				IP:               cfg.ListenIP,
				AnnouncedAddress: cfg.AnnouncedAddress,
				Port:             port,
			})
		}
		ws, err := w.CreateWebRtcServer(infos)
		if err != nil {
			return nil, fmt.Errorf("create webrtc server for worker %d: %w", i, err)
		}
		slots = append(slots, core.WorkerSlot{Worker: w, WebRtcServer: ws})
	}
	return core.NewWorkerPool(slots)
}
