package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/repository"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS task_history (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	url TEXT NOT NULL,
	date TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	exit_code INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '',
	progress REAL NOT NULL DEFAULT 0,
	file_size TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	finished_at DATETIME NULL,
	archived_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_archived_at ON task_history(archived_at);
`

const historyColumns = `id, kind, url, date, phase, reason, exit_code, detail, progress, file_size, title, file_path, remote_location, created_at, finished_at, archived_at`

// HistoryRepository archives tasks that reached a terminal status.
type HistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db, now: time.Now}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create task_history table: %w", err)
	}
	return r.ensureHistoryColumns(ctx)
}

// ensureHistoryColumns upgrades archives created before remote offload existed.
func (r *HistoryRepository) ensureHistoryColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(task_history)`)
	if err != nil {
		return fmt.Errorf("describe task_history table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	if _, exists := columns["remote_location"]; !exists {
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE task_history ADD COLUMN remote_location TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add column remote_location: %w", err)
		}
	}
	return nil
}

// Record inserts or replaces the archived copy of task.
func (r *HistoryRepository) Record(ctx context.Context, task domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_history (`+historyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	kind=excluded.kind, url=excluded.url, date=excluded.date, phase=excluded.phase,
	reason=excluded.reason, exit_code=excluded.exit_code, detail=excluded.detail,
	progress=excluded.progress, file_size=excluded.file_size, title=excluded.title,
	file_path=excluded.file_path, remote_location=excluded.remote_location,
	created_at=excluded.created_at, finished_at=excluded.finished_at, archived_at=excluded.archived_at`,
		task.ID,
		string(task.Kind),
		task.URL,
		task.Date,
		string(task.Status.Phase),
		string(task.Status.Reason),
		task.Status.ExitCode,
		task.Status.Detail,
		task.Progress,
		task.FileSize,
		task.Title,
		task.FilePath,
		task.RemoteLocation,
		task.CreatedAt.UTC(),
		nullTime(task.FinishedAt),
		r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record task history: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Get(ctx context.Context, id string) (*repository.HistoryEntry, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+historyColumns+`
FROM task_history
WHERE id=?`, id)
	return scanEntry(row)
}

// List returns the newest archived tasks first. A non-positive limit means all.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]repository.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+historyColumns+`
FROM task_history
ORDER BY archived_at DESC, id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var entries []repository.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (r *HistoryRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_history_lines WHERE task_id=?`, id); err != nil {
		return fmt.Errorf("delete history lines: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM task_history WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task history: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history delete rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history delete: %w", err)
	}
	return nil
}

func scanEntry(scanner interface {
	Scan(dest ...any) error
}) (*repository.HistoryEntry, error) {
	var (
		entry      repository.HistoryEntry
		kind       string
		phase      string
		reason     string
		createdAt  time.Time
		finishedAt sql.NullTime
		archivedAt time.Time
	)
	task := &entry.Task
	if err := scanner.Scan(
		&task.ID,
		&kind,
		&task.URL,
		&task.Date,
		&phase,
		&reason,
		&task.Status.ExitCode,
		&task.Status.Detail,
		&task.Progress,
		&task.FileSize,
		&task.Title,
		&task.FilePath,
		&task.RemoteLocation,
		&createdAt,
		&finishedAt,
		&archivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task history: %w", err)
	}

	task.Kind = domain.Kind(kind)
	task.Status.Phase = domain.Phase(phase)
	task.Status.Reason = domain.Reason(reason)
	task.Output = []string{}
	task.CreatedAt = createdAt.Local()
	if finishedAt.Valid {
		task.FinishedAt = finishedAt.Time.Local()
	}
	entry.ArchivedAt = archivedAt.Local()
	return &entry, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

var _ repository.HistoryRepository = (*HistoryRepository)(nil)
