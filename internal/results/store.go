// internal/results/store.go
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is an optional PostgreSQL sink for run records. The file writer is
// the canonical output; the store exists so a fleet of runners can share one
// queryable history.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// NewStore creates a store instance and verifies the connection.
func NewStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("results.store"),
	}, nil
}

const (
	sqlCreateRuns = `
        CREATE TABLE IF NOT EXISTS task_runs (
            id BIGSERIAL PRIMARY KEY,
            task_name TEXT NOT NULL,
            model TEXT NOT NULL,
            status TEXT NOT NULL,
            iterations INT NOT NULL,
            task_result TEXT,
            error TEXT,
            started_at TIMESTAMPTZ NOT NULL,
            execution_time DOUBLE PRECISION NOT NULL,
            record JSONB NOT NULL
        );
    `
	sqlCreateEvals = `
        CREATE TABLE IF NOT EXISTS task_evals (
            id BIGSERIAL PRIMARY KEY,
            task_name TEXT NOT NULL,
            passed BOOLEAN NOT NULL,
            score DOUBLE PRECISION NOT NULL,
            details TEXT,
            exit_code INT NOT NULL,
            receipt TEXT,
            graded_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertRun = `
        INSERT INTO task_runs (task_name, model, status, iterations, task_result, error, started_at, execution_time, record)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
	sqlInsertEval = `
        INSERT INTO task_evals (task_name, passed, score, details, exit_code, receipt, graded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
)

// EnsureSchema creates the run and eval tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateRuns, sqlCreateEvals} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create results schema: %w", err)
		}
	}
	return nil
}

// SaveRun inserts the record, and its eval verdict when present, in one
// transaction. The full record travels as JSONB so nothing from the file
// artifact is lost in the database copy.
func (s *Store) SaveRun(ctx context.Context, rec *schemas.ResultRecord) error {
	if rec == nil {
		return fmt.Errorf("cannot persist a nil result record")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record for task %q: %w", rec.TaskName, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports pgx.ErrTxClosed, which
		// is the normal path, not a fault.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	startedAtUTC := rec.StartedAt.UTC()
	if _, err := tx.Exec(ctx, sqlInsertRun,
		rec.TaskName, rec.Model, string(rec.Status), rec.Iterations,
		rec.TaskResult, rec.Error,
		startedAtUTC, rec.ExecutionTime, payload,
	); err != nil {
		return fmt.Errorf("failed to insert run for task %q: %w", rec.TaskName, err)
	}

	if rec.Eval != nil {
		if _, err := tx.Exec(ctx, sqlInsertEval,
			rec.Eval.TaskName, rec.Eval.Passed, rec.Eval.Score,
			rec.Eval.Details, rec.Eval.ExitCode, rec.Eval.Receipt,
			time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert eval for task %q: %w", rec.Eval.TaskName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
