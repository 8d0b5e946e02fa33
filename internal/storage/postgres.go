// Package storage keeps the audit trail of executions and fix loops in
// PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"aindrocode/internal/config"
)

const (
	maxStdoutBytes = 65535
	maxListLimit   = 1000
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and applies pending migrations.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- small config value
	}
	poolCfg.MinConns = 2
	if cfg.MaxIdleConns > 0 && int32(cfg.MaxIdleConns) < poolCfg.MaxConns { // #nosec G115
		poolCfg.MinConns = int32(cfg.MaxIdleConns) // #nosec G115
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, kind, language, platform, code_hash, exit_code,
			stdout, stderr, preview_url, duration_ms, status, cached,
			request_ip, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Kind, exec.Language, exec.Platform, exec.CodeHash, exec.ExitCode,
		truncateForDB(exec.Stdout, maxStdoutBytes),
		truncateForDB(exec.Stderr, maxStdoutBytes),
		exec.PreviewURL, exec.DurationMS, exec.Status, exec.Cached,
		exec.RequestIP, exec.APIKeyHash, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogFixRun inserts a fix run and its iterations in one transaction.
func (db *DB) LogFixRun(ctx context.Context, run *FixRun) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO fix_runs (id, language, code_hash, outcome, iterations, max_iterations,
			fixed_code, error, input_tokens, output_tokens, duration_ms,
			request_ip, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Language, run.CodeHash, run.Outcome, run.Iterations, run.MaxIterations,
		truncateForDB(run.FixedCode, maxStdoutBytes), run.Error,
		run.InputTokens, run.OutputTokens, run.DurationMS,
		run.RequestIP, run.APIKeyHash, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting fix run: %w", err)
	}

	if len(run.History) > 0 {
		batch := &pgx.Batch{}
		for _, it := range run.History {
			batch.Queue(`
				INSERT INTO fix_iterations (fix_id, ordinal, error_snapshot, applied, passed, exit_code)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT DO NOTHING`,
				run.ID, it.Ordinal, it.ErrorSnapshot, it.Applied, it.Passed, it.ExitCode,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting fix iterations: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing fix run: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, kind, language, platform, code_hash, exit_code, stdout, stderr,
			preview_url, duration_ms, status, cached, created_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Kind, &exec.Language, &exec.Platform, &exec.CodeHash, &exec.ExitCode,
		&exec.Stdout, &exec.Stderr,
		&exec.PreviewURL, &exec.DurationMS, &exec.Status, &exec.Cached, &exec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns executions newest first. Output columns are left
// empty; fetch a single execution for its output.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, kind, language, platform, code_hash, exit_code,
			duration_ms, status, cached, created_at
		FROM executions
		WHERE ($1::text = '' OR kind = $1)
		  AND ($2::text = '' OR language = $2)
		  AND ($3::text = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`

	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Kind, filter.Language, filter.Status, filter.Since, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []Execution{}
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Kind, &exec.Language, &exec.Platform, &exec.CodeHash, &exec.ExitCode,
			&exec.DurationMS, &exec.Status, &exec.Cached, &exec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}
	return results, rows.Err()
}

// GetFixRun retrieves a fix run with its iterations in order.
func (db *DB) GetFixRun(ctx context.Context, id string) (*FixRun, error) {
	var run FixRun
	err := db.pool.QueryRow(ctx, `
		SELECT id, language, code_hash, outcome, iterations, max_iterations,
			fixed_code, error, input_tokens, output_tokens, duration_ms, created_at
		FROM fix_runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.Language, &run.CodeHash, &run.Outcome, &run.Iterations, &run.MaxIterations,
		&run.FixedCode, &run.Error, &run.InputTokens, &run.OutputTokens, &run.DurationMS, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying fix run %s: %w", id, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT ordinal, error_snapshot, applied, passed, exit_code
		FROM fix_iterations WHERE fix_id = $1 ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("querying fix iterations: %w", err)
	}
	defer rows.Close()

	run.History = []FixIteration{}
	for rows.Next() {
		var it FixIteration
		if err := rows.Scan(&it.Ordinal, &it.ErrorSnapshot, &it.Applied, &it.Passed, &it.ExitCode); err != nil {
			return nil, fmt.Errorf("scanning fix iteration: %w", err)
		}
		run.History = append(run.History, it)
	}
	return &run, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
