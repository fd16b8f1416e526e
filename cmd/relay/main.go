// Command relay is a development signaling and chat backend. It accepts the
// tokens listed in the config and routes envelopes between their users.
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
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Telecall/internal/adapters/http"
	sig "github.com/dkeye/Telecall/internal/adapters/signal"
	"github.com/dkeye/Telecall/internal/app"
	"github.com/dkeye/Telecall/internal/app/orch"
	"github.com/dkeye/Telecall/internal/config"
	"github.com/dkeye/Telecall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := app.NewRegistry()
	for _, u := range cfg.Relay.Users {
		reg.AddUser(u.Token, domain.User{ID: domain.UserID(u.ID), Name: u.Name, Image: u.Image})
	}
	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    app.NewRoomManager(cfg.Relay.HistoryLimit),
		Policy:   app.SimplePolicy{Kick: cfg.Relay.Kick},
	}
	for _, r := range cfg.Relay.Rooms {
		o.SeedRoom(domain.RoomID(r.ID), domain.UserID(r.First), domain.UserID(r.Second))
	}

	ctl := sig.NewSignalWSController(o, sig.NewRoomRateLimiter(cfg.Relay.ChatRate, cfg.Relay.ChatWindow), sig.Options{
		ReadLimit:  cfg.Relay.ReadLimit,
		PingPeriod: cfg.Relay.PingPeriod,
		SendBuffer: cfg.Relay.SendBuffer,
	})

	addr := fmt.Sprintf(":%d", cfg.Relay.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRelayRouter(ctx, cfg.Mode, o, ctl),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Int("users", len(cfg.Relay.Users)).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("Relay exited gracefully")
}
