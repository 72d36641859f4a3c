package cli

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/config"
	"classquiz-engine/internal/domain"
	"classquiz-engine/internal/infra/memory"
	pginfra "classquiz-engine/internal/infra/postgres"
	redisinfra "classquiz-engine/internal/infra/redis"
	transport "classquiz-engine/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	var bunDB *bun.DB
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		bunDB = bun.NewDB(sqldb, pgdialect.New())
		defer bunDB.Close()
	}

	var loader memory.ActivityLoader = memory.NewStaticActivityLoader(sampleActivities())
	if pool != nil {
		loader = pginfra.NewActivityLoader(pool)
	}

	activityTTL := config.TTLDuration(cfg.Activity.TTL, 10*time.Minute)
	var questions app.QuestionRepository
	if redisClient != nil {
		questions = redisinfra.NewQuestionRepository(redisClient, loader, activityTTL)
	} else {
		questions = memory.NewQuestionRepository(loader, activityTTL)
	}

	stateTTL := config.TTLDuration(cfg.Session.StateCacheTTL, 2*time.Second)
	var stateCache app.StateCache
	if redisClient != nil {
		stateCache = redisinfra.NewStateCache(redisClient, stateTTL)
	} else {
		stateCache = memory.NewStateCache(stateTTL)
	}

	var limiter app.RateLimiter
	if redisClient != nil {
		limiter = redisinfra.NewRateLimiter(redisClient, memory.DefaultLimits)
	} else {
		limiter = memory.NewRateLimiter(memory.DefaultLimits)
	}

	var responses app.ResponseStore = memory.NewResponseStore()
	var queue app.QueueStore = memory.NewQueueStore()
	var events app.EventLog = memory.NewEventLog()
	if bunDB != nil {
		responses = pginfra.NewResponseStore(bunDB)
		queue = pginfra.NewQueueStore(bunDB)
		events = pginfra.NewEventLog(bunDB)
	}

	sessions := memory.NewSessionStore()
	conns := memory.NewConnectionStore()

	sessionSvc := app.NewSessionService(sessions, conns, questions, stateCache, events, log)
	registrySvc := app.NewRegistryService(conns, sessions, limiter, events, log)
	registrySvc.SetHeartbeatTimeout(config.TTLDuration(cfg.Session.HeartbeatTimeout, app.DefaultHeartbeatTimeout))
	captureSvc := app.NewCaptureService(sessions, conns, responses, queue, questions, limiter, log)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go registrySvc.RunSweeper(sweepCtx, config.TTLDuration(cfg.Session.SweepInterval, app.DefaultSweepInterval))

	mux := http.NewServeMux()
	handler := transport.NewHandler(sessionSvc, registrySvc, captureSvc, log)
	handler.Register(mux)

	// no WriteTimeout: SSE streams stay open past any fixed deadline
	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting quiz engine")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleActivities seeds a minimal activity so the engine runs without a
// database; swap in the Postgres loader in production.
func sampleActivities() map[string]domain.Activity {
	return map[string]domain.Activity{
		"activity-1": {
			ID: "activity-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Index:  0,
					Type:   domain.QuestionMultiChoice,
					Prompt: "What is 2 + 2?",
					Choices: []domain.Choice{
						{Label: "a", Text: "3"},
						{Label: "b", Text: "4"},
						{Label: "c", Text: "5"},
					},
					Answer: "b",
				},
				{
					ID:     "q2",
					Index:  1,
					Type:   domain.QuestionTrueFalse,
					Prompt: "The sky is blue.",
					Answer: "true",
				},
			},
		},
	}
}
