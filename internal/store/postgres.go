package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/esdata/orchestrator/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it,
// which keeps the postgres implementation unit-testable without a server.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id              BIGSERIAL PRIMARY KEY,
	batch_id        TEXT UNIQUE NOT NULL,
	period          TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	opened_at       TIMESTAMPTZ NOT NULL,
	closed_at       TIMESTAMPTZ,
	total_tasks     INTEGER NOT NULL DEFAULT 0,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks    INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'open'
);

CREATE TABLE IF NOT EXISTS tasks (
	id            BIGSERIAL PRIMARY KEY,
	collector     TEXT NOT NULL,
	website       TEXT NOT NULL,
	city          TEXT NOT NULL,
	operation     TEXT NOT NULL,
	product       TEXT NOT NULL,
	locator       TEXT NOT NULL,
	ordinal       INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error_message TEXT,
	batch_id      TEXT NOT NULL REFERENCES batches(batch_id),
	output_path   TEXT,
	UNIQUE(batch_id, collector, website, city, operation, product)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id);
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *model.Batch, tasks []model.Task) (*model.Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var batchRowID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO batches (batch_id, period, sequence, opened_at, total_tasks, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		batch.BatchID, batch.Period, batch.Sequence, batch.OpenedAt.UTC(), len(tasks), string(model.BatchStatusOpen),
	).Scan(&batchRowID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert batch %s", batch.BatchID)
	}

	for i := range tasks {
		t := &tasks[i]
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO tasks (collector, website, city, operation, product, locator, ordinal,
			                    status, attempts, max_attempts, created_at, batch_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			t.Collector, t.Website, t.City, t.Operation, t.Product, t.Locator, t.Ordinal,
			string(model.TaskStatusPending), 0, t.MaxAttempts, createdAt.UTC(), batch.BatchID,
		)
		if err != nil {
			if isPgUniqueViolation(err) {
				return nil, eris.Wrapf(err, "postgres: duplicate natural key %s in batch %s", t.Key(), batch.BatchID)
			}
			return nil, eris.Wrapf(err, "postgres: insert task %s", t.Key())
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "postgres: commit batch %s", batch.BatchID)
	}

	out := *batch
	out.ID = batchRowID
	out.TotalTasks = len(tasks)
	out.Status = model.BatchStatusOpen
	return &out, nil
}

// FindOpenBatch returns the most recent batch that has not been closed,
// whether open or aborted. Nil when every batch is closed.
func (s *PostgresStore) FindOpenBatch(ctx context.Context) (*model.Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status IN ($1, $2) ORDER BY opened_at DESC LIMIT 1`,
		string(model.BatchStatusOpen), string(model.BatchStatusAborted),
	)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find open batch")
	}
	return b, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, batchID,
	)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("batch not found: %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}
	return b, nil
}

func (s *PostgresStore) SequencesInPeriod(ctx context.Context, period string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence FROM batches WHERE period = $1 ORDER BY sequence`, period,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: sequences in period %s", period)
	}
	defer rows.Close()

	var seqs []int
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sequence")
		}
		seqs = append(seqs, seq)
	}
	return seqs, eris.Wrap(rows.Err(), "postgres: sequences iterate")
}

func (s *PostgresStore) CloseBatch(ctx context.Context, batchID string, status model.BatchStatus, completed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, completed_tasks = $2, failed_tasks = $3,
		        closed_at = COALESCE(closed_at, $4)
		 WHERE batch_id = $5`,
		string(status), completed, failed, time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: close batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch not found: %s", batchID)
	}
	return nil
}

// AbortBatch marks an open batch as aborted. closed_at stays NULL so the
// resume reconciler still finds the batch. Idempotent.
func (s *PostgresStore) AbortBatch(ctx context.Context, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1 WHERE batch_id = $2 AND status IN ($3, $4)`,
		string(model.BatchStatusAborted), batchID,
		string(model.BatchStatusOpen), string(model.BatchStatusAborted),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: abort batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch not found: %s", batchID)
	}
	return nil
}

// ReopenBatch flips an aborted batch back to open for rescheduling.
func (s *PostgresStore) ReopenBatch(ctx context.Context, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1 WHERE batch_id = $2 AND status = $3`,
		string(model.BatchStatusOpen), batchID, string(model.BatchStatusAborted),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reopen batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch not found: %s", batchID)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("task not found: %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %d", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, batchID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE batch_id = $1 ORDER BY ordinal, created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tasks %s", batchID)
	}
	return collectPgTasks(rows)
}

func (s *PostgresStore) TasksByStatus(ctx context.Context, batchID string, statuses ...model.TaskStatus) ([]model.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE batch_id = $1 AND status = ANY($2)
		 ORDER BY ordinal, created_at, id`,
		batchID, vals,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: tasks by status %s", batchID)
	}
	return collectPgTasks(rows)
}

func (s *PostgresStore) StatusCounts(ctx context.Context, batchID string) (map[model.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE batch_id = $1 GROUP BY status`, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: status counts %s", batchID)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.TaskStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: status counts iterate")
}

func (s *PostgresStore) RunningCount(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE batch_id = $1 AND status = $2`,
		batchID, string(model.TaskStatusRunning),
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: running count %s", batchID)
}

func (s *PostgresStore) PermanentlyFailedTasks(ctx context.Context, batchID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE batch_id = $1 AND status = $2
		 ORDER BY collector, ordinal`,
		batchID, string(model.TaskStatusPermanentlyFailed),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: permanently failed tasks %s", batchID)
	}
	return collectPgTasks(rows)
}

func (s *PostgresStore) FindMainTask(ctx context.Context, batchID, collector, website, city, operation, product string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE batch_id = $1 AND collector = $2 AND website = $3 AND city = $4 AND operation = $5 AND product = $6`,
		batchID, collector, website, city, operation, product,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find main task %s/%s", batchID, collector)
	}
	return t, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, taskID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, attempts = attempts + 1, started_at = $2
		 WHERE id = $3 AND status IN ($4, $5) AND attempts < max_attempts`,
		string(model.TaskStatusRunning), time.Now().UTC(), taskID,
		string(model.TaskStatusPending), string(model.TaskStatusRetrying),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark running %d", taskID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.admissionRefused(ctx, taskID)
}

// admissionRefused inspects why MarkRunning touched no row: a pending or
// retrying task stopped by the attempt ceiling gets AttemptsExhaustedError,
// anything else is an illegal transition.
func (s *PostgresStore) admissionRefused(ctx context.Context, taskID int64) error {
	var current string
	var attempts int
	err := s.pool.QueryRow(ctx,
		`SELECT status, attempts FROM tasks WHERE id = $1`, taskID,
	).Scan(&current, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("task not found: %d", taskID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: inspect task %d", taskID)
	}
	from := model.TaskStatus(current)
	if from == model.TaskStatusPending || from == model.TaskStatusRetrying {
		return eris.Wrapf(&model.AttemptsExhaustedError{
			TaskID:   taskID,
			Attempts: attempts,
		}, "postgres: admission refused")
	}
	return eris.Wrapf(&model.InvalidTransitionError{
		TaskID: taskID,
		From:   from,
		To:     model.TaskStatusRunning,
	}, "postgres: transition rejected")
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, taskID int64, outputPath string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, completed_at = $2, output_path = $3, error_message = NULL
		 WHERE id = $4 AND status = $5`,
		string(model.TaskStatusCompleted), time.Now().UTC(), outputPath, taskID,
		string(model.TaskStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark completed %d", taskID)
	}
	return s.transitionResult(ctx, tag, taskID, model.TaskStatusCompleted)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, taskID int64, cause FailureCause, errMsg string) error {
	if cause != model.TaskStatusFailed && cause != model.TaskStatusTimedOut {
		return eris.Errorf("postgres: invalid failure cause %s", cause)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, completed_at = $2, error_message = $3
		 WHERE id = $4 AND status = $5`,
		string(cause), time.Now().UTC(), errMsg, taskID,
		string(model.TaskStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark failed %d", taskID)
	}
	return s.transitionResult(ctx, tag, taskID, cause)
}

func (s *PostgresStore) MarkRetrying(ctx context.Context, taskID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1
		 WHERE id = $2 AND status IN ($3, $4)`,
		string(model.TaskStatusRetrying), taskID,
		string(model.TaskStatusFailed), string(model.TaskStatusTimedOut),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark retrying %d", taskID)
	}
	return s.transitionResult(ctx, tag, taskID, model.TaskStatusRetrying)
}

func (s *PostgresStore) MarkPermanentlyFailed(ctx context.Context, taskID int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, completed_at = $2, error_message = $3
		 WHERE id = $4 AND status IN ($5, $6, $7)`,
		string(model.TaskStatusPermanentlyFailed), time.Now().UTC(), errMsg, taskID,
		string(model.TaskStatusFailed), string(model.TaskStatusTimedOut), string(model.TaskStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark permanently failed %d", taskID)
	}
	return s.transitionResult(ctx, tag, taskID, model.TaskStatusPermanentlyFailed)
}

// ResetRunning moves every running task of a batch back to retrying and
// uncharges the attempt the interrupted admission counted, so re-admission
// charges it again. Resume Reconciler only.
func (s *PostgresStore) ResetRunning(ctx context.Context, batchID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, started_at = NULL, attempts = attempts - 1
		 WHERE batch_id = $2 AND status = $3`,
		string(model.TaskStatusRetrying), batchID, string(model.TaskStatusRunning),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset running %s", batchID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) transitionResult(ctx context.Context, tag pgconn.CommandTag, taskID int64, to model.TaskStatus) error {
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("task not found: %d", taskID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: inspect task %d", taskID)
	}
	return eris.Wrapf(&model.InvalidTransitionError{
		TaskID: taskID,
		From:   model.TaskStatus(current),
		To:     to,
	}, "postgres: transition rejected")
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}

func collectPgTasks(rows pgx.Rows) ([]model.Task, error) {
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: tasks iterate")
}
