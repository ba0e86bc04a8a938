// Package testutil provides shared test infrastructure: an in-memory SQLite
// store for unit tests and a PostgreSQL container for integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/storage/sqlite"
	"github.com/cognalith/governor/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a PostgreSQL container.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "governor",
			"POSTGRES_PASSWORD": "governor",
			"POSTGRES_DB":       "governor",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://governor:governor@%s:%s/governor?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}, nil
}

// MustStartPostgres is StartPostgres that calls os.Exit(1) on failure
// (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return tc
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NewSQLite opens a private in-memory store that is closed when t ends.
func NewSQLite(t testing.TB) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:", 0, TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// SeedAgent registers an agent with the given role and base knowledge.
func SeedAgent(t testing.TB, s storage.Store, role, base string) model.Agent {
	t.Helper()
	a, err := s.EnsureAgent(context.Background(), model.Agent{Role: role, DisplayName: role, BaseKnowledge: base})
	require.NoError(t, err)
	return a
}

// Amendment returns a pending, unapproved amendment with sensible defaults.
func Amendment(role, trigger string) model.Amendment {
	return model.Amendment{
		ID:               uuid.New(),
		AgentRole:        role,
		TriggerPattern:   trigger,
		Category:         model.TriggerCategory(trigger),
		InstructionDelta: "When handling " + trigger + ", confirm each input before continuing.",
		Mutation: model.KnowledgeMutation{
			Operation:  model.AmendmentAppend,
			TargetArea: "procedures",
			Content:    "When handling " + trigger + ", confirm each input before continuing.",
		},
		AmendmentType:    model.AmendmentAppend,
		Source:           model.SourcePattern,
		Version:          1,
		ApprovalStatus:   model.ApprovalPending,
		EvaluationStatus: model.EvaluationPending,
		EvaluationWindow: model.DefaultEvaluationWindow,
		CreatedAt:        time.Now().UTC(),
	}
}
