package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
	"classquiz-engine/internal/infra/memory"
	pginfra "classquiz-engine/internal/infra/postgres"
	pgmigrations "classquiz-engine/internal/infra/postgres/migrations"
	redisinfra "classquiz-engine/internal/infra/redis"
)

func TestSessionRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	bunDB := seedActivity(t, ctx, pgURL, sampleActivity())
	defer bunDB.Close()

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	log := zerolog.Nop()
	store := memory.NewSessionStore()
	conns := memory.NewConnectionStore()
	questions := redisinfra.NewQuestionRepository(redisClient, pginfra.NewActivityLoader(pool), 5*time.Minute)
	cache := redisinfra.NewStateCache(redisClient, 2*time.Second)
	limiter := redisinfra.NewRateLimiter(redisClient, nil)
	responses := pginfra.NewResponseStore(bunDB)
	queue := pginfra.NewQueueStore(bunDB)
	events := pginfra.NewEventLog(bunDB)

	sessions := app.NewSessionService(store, conns, questions, cache, events, log)
	registry := app.NewRegistryService(conns, store, limiter, events, log)
	capture := app.NewCaptureService(store, conns, responses, queue, questions, limiter, log)

	session, err := sessions.Create(ctx, "activity-1", app.CreateOptions{TimeLimit: 30})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sessions.Start(ctx, session.ID, "teacher-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := registry.Register(ctx, session.ID, "u1", "conn-u1", domain.TransportPolling); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := capture.Submit(ctx, app.SubmitRequest{
		SessionID: session.ID, QuestionID: "q1", ParticipantID: "u1", Answer: "b",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Correct || result.IsLate {
		t.Fatalf("expected correct on-time answer, got %+v", result)
	}

	// the unique index in Postgres enforces the dedup
	_, err = capture.Submit(ctx, app.SubmitRequest{
		SessionID: session.ID, QuestionID: "q1", ParticipantID: "u1", Answer: "a",
	})
	if !errors.Is(err, domain.ErrDuplicateResponse) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	stored, ok, err := responses.Get(ctx, session.ID, "q1", "u1")
	if err != nil || !ok {
		t.Fatalf("expected persisted response, ok=%v err=%v", ok, err)
	}
	if stored.Answer != "b" {
		t.Fatalf("expected first answer kept, got %q", stored.Answer)
	}

	// store-and-forward path through the durable queue
	if _, err := capture.Queue(ctx, app.SubmitRequest{
		SessionID: session.ID, QuestionID: "q2", ParticipantID: "u1", Answer: "true",
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	processed, err := capture.ProcessQueue(ctx, 10)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}

	list, err := responses.ListBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(list))
	}

	// lifecycle and connection activity landed in the durable audit log
	audit, err := events.ListBySession(ctx, session.ID, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range audit {
		seen[e.Type] = true
	}
	if !seen[domain.EventSessionStart] || !seen[domain.EventConnectionRegister] {
		t.Fatalf("expected start and register events, got %v", seen)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
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
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
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

// seedActivity runs the migrations and inserts the activity; the returned DB
// stays open for the bun-backed stores.
func seedActivity(t *testing.T, ctx context.Context, dsn string, activity domain.Activity) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("marshal activity: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO activities (id, data) VALUES (? , ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, activity.ID, string(data)); err != nil {
		t.Fatalf("insert activity: %v", err)
	}
	return db
}

func sampleActivity() domain.Activity {
	return domain.Activity{
		ID: "activity-1",
		Questions: []domain.Question{
			{ID: "q1", Index: 0, Type: domain.QuestionMultiChoice, Prompt: "Pick b", Choices: []domain.Choice{
				{Label: "a", Text: "wrong"},
				{Label: "b", Text: "right"},
			}, Answer: "b"},
			{ID: "q2", Index: 1, Type: domain.QuestionTrueFalse, Prompt: "Water is wet", Answer: "true"},
		},
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
