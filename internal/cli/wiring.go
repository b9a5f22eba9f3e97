package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quiz-session-client/internal/app"
	"quiz-session-client/internal/config"
	"quiz-session-client/internal/infra/memory"
	"quiz-session-client/internal/infra/postgres"
	redisstore "quiz-session-client/internal/infra/redis"
	"quiz-session-client/internal/logger"
	transport "quiz-session-client/internal/transport/http"
)

// loadConfig reads the config file and applies the persistent flag overrides.
func loadConfig(configPath, backendFlag string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if backendFlag != "" {
		cfg.Backend.URL = backendFlag
	}
	return cfg, logger.Setup(cfg.Log.Level, cfg.Log.Format), nil
}

func newRedisClient(cfg config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// openJournal picks the journal backend: Postgres when configured, then
// Redis, then process memory. The returned func releases connections.
func openJournal(ctx context.Context, cfg config.Config, log zerolog.Logger) (app.JournalStore, func(), error) {
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("journal: postgres")
		return postgres.NewJournalStore(pool), pool.Close, nil
	}
	if client := newRedisClient(cfg); client != nil {
		ttl := config.Duration(cfg.Redis.TTL, 24*time.Hour)
		log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", ttl).Msg("journal: redis")
		return redisstore.NewJournalStore(client, ttl), func() { _ = client.Close() }, nil
	}
	log.Info().Msg("journal: memory")
	return memory.NewJournalStore(), func() {}, nil
}

func newSessionClient(cfg config.Config, log zerolog.Logger) (*transport.Client, error) {
	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("backend url not configured (use --backend or BACKEND_URL)")
	}
	return transport.NewClient(transport.ClientConfig{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		Timeout: config.Duration(cfg.Backend.Timeout, 10*time.Second),
		Logger:  log,
	}), nil
}
