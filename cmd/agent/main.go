// Command agent runs one client context against the configured backend and
// exposes it to a local UI over HTTP and server-sent events.
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
	"github.com/dkeye/Telecall/internal/adapters/rest"
	"github.com/dkeye/Telecall/internal/adapters/rtc"
	"github.com/dkeye/Telecall/internal/adapters/ws"
	"github.com/dkeye/Telecall/internal/app/agent"
	"github.com/dkeye/Telecall/internal/app/broker"
	"github.com/dkeye/Telecall/internal/app/conn"
	"github.com/dkeye/Telecall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	loader, err := config.NewLoader(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	media, err := rtc.NewFactory(cfg.Agent.ICEServers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init media")
	}

	b := broker.New(cfg.Agent.InboundBuffer)
	m := conn.New(conn.Options{
		SocketURL:  cfg.Agent.SocketURL,
		Backoff:    cfg.Reconnect,
		PingPeriod: cfg.Agent.PingPeriod,
		SendBuffer: cfg.Agent.SendBuffer,
	}, ws.NewDialer(cfg.Agent.HandshakeTimeout), b)
	history := rest.NewClient(cfg.Agent.APIURL, cfg.Agent.RequestTimeout, func() string {
		return m.Identity().Token
	})
	a := agent.New(b, m, media, history, cfg.Call, cfg.Chat.MaxMessages)
	defer a.Close()

	loader.Watch(func(next *config.Config) {
		a.Calls.SetOptions(next.Call)
		if lvl, err := zerolog.ParseLevel(next.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Agent.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupAgentRouter(cfg, a),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("api", cfg.Agent.APIURL).Msg("agent started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("agent stopped with error")
	}
	log.Info().Msg("Agent exited gracefully")
}
