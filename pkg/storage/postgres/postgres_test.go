package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pfeil-dev/pfeil/pkg/storage"
)

func init() {
	// Configure testcontainers to use podman.
	// Detect the podman socket from `podman machine inspect`.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	// Ryuk needs privileged mode with podman.
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// setupTestDB starts a PostgreSQL container and returns a connected Ledger.
// Tests are skipped if no container runtime is available.
func setupTestDB(t *testing.T) *Ledger {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}

	if _, err := exec.LookPath("podman"); err != nil {
		t.Skip("podman not found, skipping integration tests")
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("pfeil_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container (is podman running?): %v", err)
	}

	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	ledger, err := New(ctx, Config{
		DSN:      connStr,
		MaxConns: 5,
		MinConns: 1,
	})
	if err != nil {
		t.Fatalf("creating ledger: %v", err)
	}

	t.Cleanup(func() {
		ledger.Close()
	})

	return ledger
}

func TestPostgres_RecordAndRead(t *testing.T) {
	ledger := setupTestDB(t)
	ctx := context.Background()

	email := fmt.Sprintf("pg-test-%d@example.com", time.Now().UnixNano())
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	if err := ledger.RecordUse(ctx, email, 100, 50, at); err != nil {
		t.Fatalf("RecordUse failed: %v", err)
	}
	if err := ledger.RecordUse(ctx, email, 200, 75, at.Add(time.Hour)); err != nil {
		t.Fatalf("RecordUse failed: %v", err)
	}

	u, err := ledger.Day(ctx, email, at)
	if err != nil {
		t.Fatalf("Day failed: %v", err)
	}
	if u.Requests != 2 {
		t.Errorf("requests = %d, want 2", u.Requests)
	}
	if u.InputTokens != 300 || u.OutputTokens != 125 {
		t.Errorf("tokens = %d/%d, want 300/125", u.InputTokens, u.OutputTokens)
	}
}

func TestPostgres_DayBoundary(t *testing.T) {
	ledger := setupTestDB(t)
	ctx := context.Background()

	email := fmt.Sprintf("pg-boundary-%d@example.com", time.Now().UnixNano())
	day1 := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	day2 := day1.Add(time.Hour)

	if err := ledger.RecordUse(ctx, email, 10, 5, day1); err != nil {
		t.Fatal(err)
	}
	if err := ledger.RecordUse(ctx, email, 20, 10, day2); err != nil {
		t.Fatal(err)
	}

	u1, err := ledger.Day(ctx, email, day1)
	if err != nil {
		t.Fatal(err)
	}
	u2, err := ledger.Day(ctx, email, day2)
	if err != nil {
		t.Fatal(err)
	}
	if u1.Requests != 1 || u2.Requests != 1 {
		t.Errorf("requests = %d/%d, want 1/1 per day", u1.Requests, u2.Requests)
	}
}

func TestPostgres_NotFound(t *testing.T) {
	ledger := setupTestDB(t)

	_, err := ledger.Day(context.Background(), "nobody@example.com", time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_HealthCheck(t *testing.T) {
	ledger := setupTestDB(t)
	if err := ledger.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
