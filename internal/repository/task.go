package repository

import (
	"context"
	"errors"
	"time"

	"ytdlp-web/internal/domain"
)

var (
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskNotFound = errors.New("task not found")
)

// TaskStore is the authoritative in-memory mapping of task id to task state.
// Every mutation of a single task is atomic; List returns a consistent snapshot
// of deep copies.
type TaskStore interface {
	Create(id string, kind domain.Kind, url, date string) (domain.Task, error)
	Get(id string) (domain.Task, bool)
	Update(id string, mutate func(*domain.Task) error) error
	Remove(id string) bool
	List() []domain.Task
	Count() int
	Restore(tasks []domain.Task)
	Clear()
}

// HistoryEntry is an archived terminal task.
type HistoryEntry struct {
	Task       domain.Task
	ArchivedAt time.Time
}

// HistoryRepository archives tasks that reached a terminal status.
type HistoryRepository interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, task domain.Task) error
	Get(ctx context.Context, id string) (*HistoryEntry, error)
	List(ctx context.Context, limit int) ([]HistoryEntry, error)
	Delete(ctx context.Context, id string) error
}

// HistoryLineRepository keeps the final output lines of archived tasks.
type HistoryLineRepository interface {
	Init(ctx context.Context) error
	ReplaceForTask(ctx context.Context, taskID string, lines []string) error
	ListByTask(ctx context.Context, taskID string) ([]string, error)
}
