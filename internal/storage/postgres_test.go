package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"aindrocode/internal/config"
	"aindrocode/internal/fixloop"
	"aindrocode/internal/oracle"
	"aindrocode/internal/sandbox"
)

// setupTestDB starts PostgreSQL in a container. Tests skip when Docker is
// unavailable.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	if testing.Short() || os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("skipping PostgreSQL integration test")
	}

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("aindro_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := New(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestPostgres_Executions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if !db.Healthy(ctx) {
		t.Fatal("database not healthy")
	}

	run := FromExecution(&sandbox.ExecutionResult{
		ID: "exec-1", ExitCode: 0, Stdout: "hi\n", Duration: 1500 * time.Millisecond,
		CodeHash: "abc", Platform: "docker",
	}, "python", false, Caller{IP: "10.0.0.1"})
	cmd := FromCommand(&sandbox.CommandOutput{ID: "exec-2", ExitCode: -1, TimedOut: true}, Caller{})
	cmd.CreatedAt = run.CreatedAt.Add(time.Second)

	for _, e := range []*Execution{run, cmd} {
		if err := db.LogExecution(ctx, e); err != nil {
			t.Fatalf("LogExecution(%s): %v", e.ID, err)
		}
	}
	// Duplicate IDs are ignored.
	if err := db.LogExecution(ctx, run); err != nil {
		t.Fatalf("duplicate LogExecution: %v", err)
	}

	got, err := db.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Stdout != "hi\n" || got.Status != "completed" || got.DurationMS != 1500 || got.Platform != "docker" {
		t.Errorf("GetExecution = %+v", got)
	}

	if _, err := db.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing execution err = %v", err)
	}

	all, err := db.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "exec-2" {
		t.Errorf("ListExecutions = %+v, want newest first", all)
	}

	timeouts, err := db.ListExecutions(ctx, ExecutionFilter{Status: "timeout"})
	if err != nil {
		t.Fatalf("ListExecutions(timeout): %v", err)
	}
	if len(timeouts) != 1 || timeouts[0].Kind != KindCommand {
		t.Errorf("timeouts = %+v", timeouts)
	}

	runs, err := db.ListExecutions(ctx, ExecutionFilter{Language: "python", Kind: KindRun})
	if err != nil {
		t.Fatalf("ListExecutions(python): %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("python runs = %d", len(runs))
	}
}

func TestPostgres_FixRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res := &fixloop.Result{
		ID: "fix-1", FixedCode: "print(1)", Iterations: 2, MaxIterations: 5,
		Outcome: fixloop.OutcomeSuccess,
		History: []fixloop.Iteration{
			{Ordinal: 1, ErrorSnapshot: "SyntaxError", Applied: true, ExitCode: 1},
			{Ordinal: 2, ErrorSnapshot: "NameError", Applied: true, Passed: true},
		},
		Usage:    oracle.Usage{InputTokens: 200, OutputTokens: 20},
		Duration: 3 * time.Second,
	}
	if err := db.LogFixRun(ctx, FromFixResult(res, "python", "h", nil, Caller{})); err != nil {
		t.Fatalf("LogFixRun: %v", err)
	}

	got, err := db.GetFixRun(ctx, "fix-1")
	if err != nil {
		t.Fatalf("GetFixRun: %v", err)
	}
	if got.Outcome != "stopped_by_success" || got.Iterations != 2 || got.InputTokens != 200 {
		t.Errorf("GetFixRun = %+v", got)
	}
	if len(got.History) != 2 || got.History[0].Ordinal != 1 || !got.History[1].Passed {
		t.Errorf("history = %+v", got.History)
	}

	if _, err := db.GetFixRun(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing fix err = %v", err)
	}
}

func TestFromFixResult(t *testing.T) {
	res := &fixloop.Result{
		ID: "f", Iterations: 1, MaxIterations: 3, Outcome: fixloop.OutcomeAborted,
		History: []fixloop.Iteration{{Ordinal: 1, ErrorSnapshot: "e", Applied: true}},
	}
	run := FromFixResult(res, "go", "hash", errors.New("oracle down"), Caller{IP: "1.2.3.4", APIKeyHash: "k"})
	if run.Outcome != "aborted" || run.Error != "oracle down" || run.RequestIP != "1.2.3.4" {
		t.Errorf("run = %+v", run)
	}
	if len(run.History) != 1 || !run.History[0].Applied {
		t.Errorf("history = %+v", run.History)
	}
}

func TestExecutionStatus(t *testing.T) {
	tests := []struct {
		exit     int
		timedOut bool
		want     string
	}{
		{0, false, "completed"},
		{2, false, "failed"},
		{-1, true, "timeout"},
	}
	for _, tt := range tests {
		if got := status(tt.exit, tt.timedOut); got != tt.want {
			t.Errorf("status(%d, %v) = %q, want %q", tt.exit, tt.timedOut, got, tt.want)
		}
	}
}
