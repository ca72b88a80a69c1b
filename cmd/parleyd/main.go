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

	"github.com/avelin/parley/internal/api"
	"github.com/avelin/parley/internal/call"
	"github.com/avelin/parley/internal/config"
	"github.com/avelin/parley/internal/crypto"
	"github.com/avelin/parley/internal/domain"
	"github.com/avelin/parley/internal/media"
	"github.com/avelin/parley/internal/session"
	"github.com/avelin/parley/internal/store"
	"github.com/avelin/parley/internal/transport"
)

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

	// Crypto availability is checked once here; a broken runtime must
	// not get as far as joining rooms.
	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatal().Err(err).Msg("crypto unavailable")
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	self, err := domain.NewParticipant(cfg.UserName, cfg.UserLang)
	if err != nil {
		log.Fatal().Err(err).Msg("bad user identity")
	}

	callCfg := call.DefaultConfig()
	if cfg.RingTimeout > 0 {
		callCfg.RingTimeout = cfg.RingTimeout
	}

	opts := []session.Option{
		session.WithCallConfig(callCfg),
		session.WithPollInterval(cfg.PollInterval),
	}
	if cfg.MediaEnabled {
		opts = append(opts, session.WithMedia(media.NewWebRTC()))
	}

	coord := session.NewCoordinator(
		*self,
		keys,
		st,
		transport.NewRelayTokenSource(cfg.RelayURL),
		transport.WSDialer{},
		opts...,
	)
	defer coord.Close()

	r := api.SetupRouter(cfg.Mode, &api.Server{Self: *self, Coord: coord, Store: st})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(self.ID)).Msg("parleyd started")
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
