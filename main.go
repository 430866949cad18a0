package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	clts "polytrigger/clients"
	"polytrigger/config"
	"polytrigger/internal/api"
	"polytrigger/internal/engine"
	"polytrigger/internal/model"
	"polytrigger/internal/store"
)

const connectTimeout = 10 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load config from environment variables (.env honored)
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Info("starting trigger engine",
		zap.Duration("poll_interval", cfg.Engine.PollInterval),
		zap.Bool("redis", cfg.Redis.Enabled))

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	st := openStore(ctx, logger, cfg)
	defer st.Close()

	logger.Info("instantiating clients")
	clients := clts.NewClients(logger, &cfg)

	opts := engine.Options{
		Store:        st,
		Exchange:     clients.Polymarket,
		Notifier:     clients.Notifier,
		FunderWallet: cfg.Polymarket.FunderWallet,
	}
	if clients.Stream != nil {
		go clients.Stream.Run(ctx)
		defer clients.Stream.Close()
		opts.PriceCache = clients.Stream
	}

	eng := engine.New(logger, cfg.Engine, opts)

	// resume monitoring if the daemon was running before the restart
	prev, err := st.LoadTriggerState(ctx)
	if err != nil {
		logger.Warn("could not read previous state, starting stopped", zap.Error(err))
	} else if prev.Status != model.StatusStopped {
		if err := eng.Start(context.Background()); err != nil {
			logger.Error("failed to resume engine", zap.Error(err))
		}
	}

	if cfg.API.Enabled {
		server := api.NewServer(logger, eng, cfg.API.Addr)
		if err := server.Run(ctx); err != nil {
			logger.Error("control api failed", zap.Error(err))
		}
	} else {
		<-ctx.Done()
	}

	if err := eng.Stop(); err != nil {
		logger.Warn("engine stop failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openStore picks the Redis store when configured, falling back is not
// silent: with Redis enabled a failed connection is fatal rather than
// quietly degrading to volatile state.
func openStore(ctx context.Context, logger *zap.Logger, cfg config.Config) store.Store {
	if !cfg.Redis.Enabled {
		logger.Warn("redis disabled, state will not survive restarts")
		return store.NewMemory()
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	st, err := store.NewRedis(connectCtx, store.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return st
}
