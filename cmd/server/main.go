package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenggwsx/SlashLive/internal/config"
	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/server"
	redisstore "github.com/fenggwsx/SlashLive/internal/storage/redis"
	"github.com/fenggwsx/SlashLive/internal/storage/sqlite"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(cfg.Log)

	store, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("init storage")
	}
	defer store.Close()

	var opts []server.Option
	if cfg.Membership.Backend == config.MembershipRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Membership.RedisAddr,
			Password: cfg.Membership.RedisPassword,
			DB:       cfg.Membership.RedisDB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logging.Fatal().Err(err).Str("addr", cfg.Membership.RedisAddr).Msg("connect membership redis")
		}
		opts = append(opts, server.WithMembership(redisstore.New(client, cfg.Membership.KeyPrefix)))
	}

	app := server.NewApp(cfg, store, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", cfg.ListenAddr).
		Str("membership", cfg.Membership.Backend).
		Msg("starting slashlive server")
	if err := app.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("server shutdown")
		return
	}
	logging.Info().Msg("server stopped")
}
