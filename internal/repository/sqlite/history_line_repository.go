package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"ytdlp-web/internal/repository"
)

const createHistoryLinesTable = `
CREATE TABLE IF NOT EXISTS task_history_lines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	line TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES task_history(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_history_lines_task_id ON task_history_lines(task_id);
`

// HistoryLineRepository stores the final output of archived tasks.
type HistoryLineRepository struct {
	db *sql.DB
}

func NewHistoryLineRepository(db *sql.DB) *HistoryLineRepository {
	return &HistoryLineRepository{db: db}
}

func (r *HistoryLineRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryLinesTable); err != nil {
		return fmt.Errorf("create task_history_lines table: %w", err)
	}
	return nil
}

func (r *HistoryLineRepository) ReplaceForTask(ctx context.Context, taskID string, lines []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_history_lines WHERE task_id=?`, taskID); err != nil {
		return fmt.Errorf("delete lines: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO task_history_lines (task_id, position, line) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, line := range lines {
		if _, err := stmt.ExecContext(ctx, taskID, i, line); err != nil {
			return fmt.Errorf("insert line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *HistoryLineRepository) ListByTask(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT line
FROM task_history_lines
WHERE task_id=?
ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query history lines: %w", err)
	}
	defer rows.Close()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

var _ repository.HistoryLineRepository = (*HistoryLineRepository)(nil)
