package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/database"
)

// PostgresImage is the database image integration tests run against.
const PostgresImage = "postgres:16-alpine"

// OrchestratorDB holds a shared migrated test database. The container is
// created once and reused across all tests in the run.
type OrchestratorDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedDB     *OrchestratorDB
	sharedDBOnce sync.Once
	sharedDBErr  error
)

// GetOrchestratorDB returns a shared PostgreSQL container with migrations
// applied, for integration tests. Skips in short mode (requires Docker).
func GetOrchestratorDB(t *testing.T) *OrchestratorDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedDBOnce.Do(func() {
		sharedDB, sharedDBErr = setupDB()
	})

	if sharedDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedDBErr)
	}

	return sharedDB
}

func setupDB() (*OrchestratorDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "orchestrator_test",
			"POSTGRES_USER":     "casare",
			"POSTGRES_PASSWORD": "test_password",
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
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://casare:test_password@%s:%s/orchestrator_test?sslmode=disable",
		host, port.Port())

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err := db.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	// Run migrations using database/sql (required by golang-migrate)
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, migrationsDir(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &OrchestratorDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// migrationsDir resolves the repo-root migrations directory regardless of
// which package's tests triggered setup.
func migrationsDir() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
}

// TruncateAll clears mutable tables between tests sharing the container.
func (o *OrchestratorDB) TruncateAll(t *testing.T) {
	t.Helper()
	_, err := o.DB.Exec(context.Background(), `
		TRUNCATE orchestrator_jobs, orchestrator_dead_letter, orchestrator_workflow_versions`)
	if err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}
}
