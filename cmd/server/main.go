package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/grouprelay/internal/bus"
	"github.com/Tyrowin/grouprelay/internal/server"
	"github.com/Tyrowin/grouprelay/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	config, err := server.LoadConfig()
	if err != nil {
		stderr := zerolog.New(os.Stderr)
		stderr.Error().Err(err).Msg("load configuration")
		return 2
	}

	logger := server.NewLogger(config)
	logger.Info().Str("env", config.Env).Str("port", config.Port).Msg("starting group relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := openGateway(ctx, config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("open persistence gateway")
		return 1
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logger.Warn().Err(err).Msg("close persistence gateway")
		}
	}()

	relay := server.NewRelay(config, gateway, logger)

	g, gctx := errgroup.WithContext(ctx)

	if config.RedisURL != "" {
		dispatcher, err := bus.NewRedisDispatcher(ctx, config.RedisURL, config.RedisPrefix, relay.Registry(), logger)
		if err != nil {
			logger.Error().Err(err).Msg("redis connection failed")
			return 1
		}
		defer func() { _ = dispatcher.Close() }()

		relay.UseDispatcher(dispatcher)
		g.Go(func() error { return dispatcher.Run(gctx) })
		logger.Info().Str("prefix", config.RedisPrefix).Msg("broadcasting through redis")
	}

	httpServer := server.CreateServer(config.Port, relay.Routes())

	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("server listening")
		return server.StartServer(httpServer)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		return server.ShutdownServer(httpServer, relay, shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return 1
	}

	logger.Info().Msg("server stopped")
	return 0
}

// openGateway picks Postgres when DATABASE_URL is set and SQLite otherwise.
func openGateway(ctx context.Context, config *server.Config, logger zerolog.Logger) (store.Gateway, error) {
	if config.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg, nil
	}

	db, err := store.OpenSQLite(ctx, config.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", config.SQLitePath).Msg("opened SQLite database")
	return db, nil
}
