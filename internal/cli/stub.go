package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"quiz-session-client/internal/app"
	"quiz-session-client/internal/config"
	"quiz-session-client/internal/infra/memory"
	"quiz-session-client/internal/infra/postgres"
	redisstore "quiz-session-client/internal/infra/redis"
	transport "quiz-session-client/internal/transport/http"
)

// NewStubCmd serves the in-memory development backend.
func NewStubCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stub",
		Short: "Serve an in-memory session backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStub(cmd.Context(), *configPath, *port)
		},
	}
}

func runStub(ctx context.Context, configPath, portFlag string) error {
	cfg, log, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = "8081"
	}

	// quiz content: Postgres when configured, the demo catalog otherwise
	var loader memory.QuizLoader = memory.NewStaticQuizLoader(memory.DemoQuizzes())
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		quizzes := postgres.NewQuizLoader(pool)
		for _, quiz := range memory.DemoQuizzes() {
			if err := quizzes.SaveQuiz(ctx, quiz); err != nil {
				return err
			}
		}
		loader = quizzes
	}

	quizTTL := config.Duration(cfg.Redis.TTL, 10*time.Minute)
	var catalog memory.QuizLoader
	if client := newRedisClient(cfg); client != nil {
		defer client.Close()
		catalog = redisstore.NewQuizRepository(client, loader, quizTTL)
	} else {
		catalog = memory.NewQuizRepository(loader, quizTTL)
	}

	maxPauses := app.DefaultOptions().ExamMaxPauses
	if cfg.Session.ExamMaxPauses != nil {
		maxPauses = *cfg.Session.ExamMaxPauses
	}
	backend := memory.NewBackend(catalog, memory.BackendOptions{ExamMaxPauses: maxPauses, Logger: log})

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewStubRouter(backend, cfg.Backend.Token, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return serve(ctx, server, log.With().Str("service", "stub").Logger())
}
