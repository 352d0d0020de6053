package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"buzzquiz-server/internal/app"
	"buzzquiz-server/internal/config"
	"buzzquiz-server/internal/domain"
	"buzzquiz-server/internal/infra/memory"
	pginfra "buzzquiz-server/internal/infra/postgres"
	redisinfra "buzzquiz-server/internal/infra/redis"
	"buzzquiz-server/internal/transport/ws"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the buzzer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

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
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	questionTTL := config.Duration(cfg.Question.TTL, 10*time.Minute)

	var questionLoader memory.QuestionLoader = memory.NewStaticQuestionLoader(sampleQuestions())
	var jingles app.JingleRepository = memory.NewJingleRepository(sampleJingles())
	var results app.ResultWriter = memory.NewResultWriter()
	if pool != nil {
		questionLoader = pginfra.NewQuestionLoader(pool)
		jingles = pginfra.NewJingleLoader(pool)
		results = pginfra.NewResultWriter(pool)
	}

	var questions app.QuestionRepository
	if redisClient != nil {
		questions = redisinfra.NewQuestionRepository(redisClient, questionLoader, questionTTL)
	} else {
		questions = memory.NewQuestionRepository(questionLoader, questionTTL)
	}

	clock := clockwork.NewRealClock()
	hub := ws.NewHub(ws.Config{
		IdentificationTimeout: config.Duration(cfg.Session.IdentificationTimeout, 30*time.Second),
		HeartbeatInterval:     config.Duration(cfg.Session.HeartbeatInterval, 30*time.Second),
		MaxBuzzers:            cfg.Session.MaxBuzzers,
		JingleDir:             cfg.Jingle.Dir,
	}, jingles, clock, log)

	buzzWindow := config.Duration(cfg.Session.BuzzWindow, 200*time.Millisecond)
	engine := app.NewGameService(questions, results, hub, clock, log, buzzWindow)
	hub.SetEngine(engine)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go hub.Run(runCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", hub.ServeWS)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting buzzer server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuestions provides a minimal question set for demo mode; a
// configured Postgres replaces this loader in production.
func sampleQuestions() map[int64]domain.Question {
	return map[int64]domain.Question{
		1: {
			ID:            1,
			Text:          "What is 2 + 2?",
			Type:          domain.QuestionMCQ,
			Category:      "math",
			Points:        10,
			Answers:       []string{"3", "4", "5"},
			CorrectAnswer: "4",
		},
		2: {
			ID:       2,
			Text:     "First to buzz!",
			Type:     domain.QuestionBuzzer,
			Category: "rapidity",
			Points:   10,
		},
	}
}

func sampleJingles() map[int64]domain.Jingle {
	return map[int64]domain.Jingle{
		1: {ID: 1, Name: "intro", FilePath: "intro.mp3"},
	}
}
