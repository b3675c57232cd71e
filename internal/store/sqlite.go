package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/esdata/orchestrator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id        TEXT UNIQUE NOT NULL,
	period          TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	opened_at       DATETIME NOT NULL,
	closed_at       DATETIME,
	total_tasks     INTEGER NOT NULL DEFAULT 0,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks    INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'open'
);

CREATE TABLE IF NOT EXISTS tasks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
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
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME,
	error_message TEXT,
	batch_id      TEXT NOT NULL REFERENCES batches(batch_id),
	output_path   TEXT,
	UNIQUE(batch_id, collector, website, city, operation, product)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id);
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskColumns = `id, collector, website, city, operation, product, locator, ordinal,
	status, attempts, max_attempts, created_at, started_at, completed_at, error_message, batch_id, output_path`

const batchColumns = `id, batch_id, period, sequence, opened_at, closed_at,
	total_tasks, completed_tasks, failed_tasks, status`

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *model.Batch, tasks []model.Task) (*model.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create batch")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches (batch_id, period, sequence, opened_at, total_tasks, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		batch.BatchID, batch.Period, batch.Sequence, batch.OpenedAt.UTC(), len(tasks), string(model.BatchStatusOpen),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert batch %s", batch.BatchID)
	}
	batchRowID, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: batch row id")
	}

	for i := range tasks {
		t := &tasks[i]
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (collector, website, city, operation, product, locator, ordinal,
			                    status, attempts, max_attempts, created_at, batch_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Collector, t.Website, t.City, t.Operation, t.Product, t.Locator, t.Ordinal,
			string(model.TaskStatusPending), 0, t.MaxAttempts, createdAt.UTC(), batch.BatchID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, eris.Wrapf(err, "sqlite: duplicate natural key %s in batch %s", t.Key(), batch.BatchID)
			}
			return nil, eris.Wrapf(err, "sqlite: insert task %s", t.Key())
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit batch %s", batch.BatchID)
	}

	out := *batch
	out.ID = batchRowID
	out.TotalTasks = len(tasks)
	out.Status = model.BatchStatusOpen
	return &out, nil
}

// FindOpenBatch returns the most recent batch that has not been closed,
// whether open or aborted. Nil when every batch is closed.
func (s *SQLiteStore) FindOpenBatch(ctx context.Context) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status IN (?, ?) ORDER BY opened_at DESC LIMIT 1`,
		string(model.BatchStatusOpen), string(model.BatchStatusAborted),
	)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find open batch")
	}
	return b, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, batchID,
	)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("batch not found: %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	return b, nil
}

func (s *SQLiteStore) SequencesInPeriod(ctx context.Context, period string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence FROM batches WHERE period = ? ORDER BY sequence`, period,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: sequences in period %s", period)
	}
	defer rows.Close()

	var seqs []int
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sequence")
		}
		seqs = append(seqs, seq)
	}
	return seqs, eris.Wrap(rows.Err(), "sqlite: sequences iterate")
}

func (s *SQLiteStore) CloseBatch(ctx context.Context, batchID string, status model.BatchStatus, completed, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, completed_tasks = ?, failed_tasks = ?,
		        closed_at = COALESCE(closed_at, ?)
		 WHERE batch_id = ?`,
		string(status), completed, failed, time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close batch %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

// AbortBatch marks an open batch as aborted. closed_at stays NULL so the
// resume reconciler still finds the batch. Idempotent.
func (s *SQLiteStore) AbortBatch(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ? WHERE batch_id = ? AND status IN (?, ?)`,
		string(model.BatchStatusAborted), batchID,
		string(model.BatchStatusOpen), string(model.BatchStatusAborted),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: abort batch %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

// ReopenBatch flips an aborted batch back to open for rescheduling.
func (s *SQLiteStore) ReopenBatch(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ? WHERE batch_id = ? AND status = ?`,
		string(model.BatchStatusOpen), batchID, string(model.BatchStatusAborted),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reopen batch %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("task not found: %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %d", id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, batchID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE batch_id = ? ORDER BY ordinal, created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tasks %s", batchID)
	}
	return collectTasks(rows)
}

func (s *SQLiteStore) TasksByStatus(ctx context.Context, batchID string, statuses ...model.TaskStatus) ([]model.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{batchID}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE batch_id = ? AND status IN (`+placeholders+`)
		 ORDER BY ordinal, created_at, id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: tasks by status %s", batchID)
	}
	return collectTasks(rows)
}

func (s *SQLiteStore) StatusCounts(ctx context.Context, batchID string) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE batch_id = ? GROUP BY status`, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: status counts %s", batchID)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: status counts iterate")
}

func (s *SQLiteStore) RunningCount(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE batch_id = ? AND status = ?`,
		batchID, string(model.TaskStatusRunning),
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: running count %s", batchID)
}

func (s *SQLiteStore) PermanentlyFailedTasks(ctx context.Context, batchID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE batch_id = ? AND status = ?
		 ORDER BY collector, ordinal`,
		batchID, string(model.TaskStatusPermanentlyFailed),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: permanently failed tasks %s", batchID)
	}
	return collectTasks(rows)
}

func (s *SQLiteStore) FindMainTask(ctx context.Context, batchID, collector, website, city, operation, product string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE batch_id = ? AND collector = ? AND website = ? AND city = ? AND operation = ? AND product = ?`,
		batchID, collector, website, city, operation, product,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find main task %s/%s", batchID, collector)
	}
	return t, nil
}

// MarkRunning admits a pending or retrying task and counts the attempt.
// Admission is refused once the attempt ceiling is reached.
func (s *SQLiteStore) MarkRunning(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = attempts + 1, started_at = ?
		 WHERE id = ? AND status IN (?, ?) AND attempts < max_attempts`,
		string(model.TaskStatusRunning), time.Now().UTC(), taskID,
		string(model.TaskStatusPending), string(model.TaskStatusRetrying),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark running %d", taskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	return s.admissionRefused(ctx, taskID)
}

// admissionRefused inspects why MarkRunning touched no row: a pending or
// retrying task stopped by the attempt ceiling gets AttemptsExhaustedError,
// anything else is an illegal transition.
func (s *SQLiteStore) admissionRefused(ctx context.Context, taskID int64) error {
	var current string
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT status, attempts FROM tasks WHERE id = ?`, taskID,
	).Scan(&current, &attempts)
	if err == sql.ErrNoRows {
		return eris.Errorf("task not found: %d", taskID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: inspect task %d", taskID)
	}
	from := model.TaskStatus(current)
	if from == model.TaskStatusPending || from == model.TaskStatusRetrying {
		return eris.Wrapf(&model.AttemptsExhaustedError{
			TaskID:   taskID,
			Attempts: attempts,
		}, "sqlite: admission refused")
	}
	return eris.Wrapf(&model.InvalidTransitionError{
		TaskID: taskID,
		From:   from,
		To:     model.TaskStatusRunning,
	}, "sqlite: transition rejected")
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, taskID int64, outputPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, output_path = ?, error_message = NULL
		 WHERE id = ? AND status = ?`,
		string(model.TaskStatusCompleted), time.Now().UTC(), outputPath, taskID,
		string(model.TaskStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark completed %d", taskID)
	}
	return s.transitionResult(ctx, res, taskID, model.TaskStatusCompleted)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, taskID int64, cause FailureCause, errMsg string) error {
	if cause != model.TaskStatusFailed && cause != model.TaskStatusTimedOut {
		return eris.Errorf("sqlite: invalid failure cause %s", cause)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		string(cause), time.Now().UTC(), errMsg, taskID,
		string(model.TaskStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark failed %d", taskID)
	}
	return s.transitionResult(ctx, res, taskID, cause)
}

func (s *SQLiteStore) MarkRetrying(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.TaskStatusRetrying), taskID,
		string(model.TaskStatusFailed), string(model.TaskStatusTimedOut),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark retrying %d", taskID)
	}
	return s.transitionResult(ctx, res, taskID, model.TaskStatusRetrying)
}

func (s *SQLiteStore) MarkPermanentlyFailed(ctx context.Context, taskID int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, error_message = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(model.TaskStatusPermanentlyFailed), time.Now().UTC(), errMsg, taskID,
		string(model.TaskStatusFailed), string(model.TaskStatusTimedOut), string(model.TaskStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark permanently failed %d", taskID)
	}
	return s.transitionResult(ctx, res, taskID, model.TaskStatusPermanentlyFailed)
}

// ResetRunning moves every running task of a batch back to retrying and
// uncharges the attempt the interrupted admission counted, so re-admission
// charges it again. Resume Reconciler only.
func (s *SQLiteStore) ResetRunning(ctx context.Context, batchID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = NULL, attempts = attempts - 1
		 WHERE batch_id = ? AND status = ?`,
		string(model.TaskStatusRetrying), batchID, string(model.TaskStatusRunning),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reset running %s", batchID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: reset running rows")
}

// transitionResult converts a zero-row guarded update into a typed
// InvalidTransitionError by inspecting the task's current status.
func (s *SQLiteStore) transitionResult(ctx context.Context, res sql.Result, taskID int64, to model.TaskStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err == sql.ErrNoRows {
		return eris.Errorf("task not found: %d", taskID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: inspect task %d", taskID)
	}
	return eris.Wrapf(&model.InvalidTransitionError{
		TaskID: taskID,
		From:   model.TaskStatus(current),
		To:     to,
	}, "sqlite: transition rejected")
}

// helpers

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var closedAt sql.NullTime
	err := row.Scan(&b.ID, &b.BatchID, &b.Period, &b.Sequence, &b.OpenedAt, &closedAt,
		&b.TotalTasks, &b.CompletedTasks, &b.FailedTasks, &b.Status)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		b.ClosedAt = &t
	}
	return &b, nil
}

func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	var startedAt, completedAt sql.NullTime
	var errMsg, outputPath sql.NullString

	err := row.Scan(&t.ID, &t.Collector, &t.Website, &t.City, &t.Operation, &t.Product,
		&t.Locator, &t.Ordinal, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.CreatedAt, &startedAt, &completedAt, &errMsg, &t.BatchID, &outputPath)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	t.ErrorMessage = errMsg.String
	t.OutputPath = outputPath.String
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]model.Task, error) {
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: tasks iterate")
}
