package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"buzzquiz-server/internal/app"
	"buzzquiz-server/internal/domain"
	pginfra "buzzquiz-server/internal/infra/postgres"
	pgmigrations "buzzquiz-server/internal/infra/postgres/migrations"
	infraredis "buzzquiz-server/internal/infra/redis"
)

type nopNotifier struct{}

func (nopNotifier) BuzzWinner(string, int64, app.WinnerEvent) {}

func TestRecordAnswerEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedQuestion(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	questions := infraredis.NewQuestionRepository(redisClient, pginfra.NewQuestionLoader(pool), 5*time.Minute)
	results := pginfra.NewResultWriter(pool)
	service := app.NewGameService(questions, results, nopNotifier{}, clockwork.NewRealClock(), zerolog.Nop(), 200*time.Millisecond)

	service.StartGame("g1", "Friday Night", 10)
	service.EnsurePlayer("g1", "B1", "Alice")

	start, err := service.DispatchQuestion(ctx, "g1", 1)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if start.Text != "What is 2 + 2?" || len(start.Answers) != 3 {
		t.Fatalf("unexpected question payload: %+v", start)
	}

	outcome, err := service.RecordAnswer(ctx, "g1", 1, "B1", "4", domain.Timestamps{Synced: start.StartTime + 450})
	if err != nil {
		t.Fatalf("record answer: %v", err)
	}
	if !outcome.IsCorrect || outcome.Points != 10 || outcome.ResponseTimeMs != 450 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	var (
		count     int
		isCorrect bool
		points    int
	)
	err = pool.QueryRow(ctx,
		`SELECT count(*), bool_and(is_correct), max(points) FROM results WHERE game_id=$1 AND question_id=$2 AND buzzer_id=$3 GROUP BY game_id`,
		"g1", int64(1), "B1",
	).Scan(&count, &isCorrect, &points)
	if err != nil {
		t.Fatalf("query results: %v", err)
	}
	if count != 1 || !isCorrect || points != 10 {
		t.Fatalf("expected one correct 10-point row, got count=%d correct=%v points=%d", count, isCorrect, points)
	}

	// The dispatch filled the Redis cache; the next load skips Postgres.
	if n, err := redisClient.Exists(ctx, "question:1").Result(); err != nil || n != 1 {
		t.Fatalf("expected cached question:1, got n=%d err=%v", n, err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "buzz", "POSTGRES_PASSWORD": "buzzpass", "POSTGRES_DB": "buzzdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://buzz:buzzpass@%s:%s/buzzdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedQuestion(t *testing.T, ctx context.Context, dsn string) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO questions (id, text, type, category, points, answers, correct_answer)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		1, "What is 2 + 2?", "MCQ", "math", 10, `["3","4","5"]`, "4",
	); err != nil {
		t.Fatalf("insert question: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
