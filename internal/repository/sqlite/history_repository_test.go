package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/repository"
)

func openTestRepos(t *testing.T) (*HistoryRepository, *HistoryLineRepository) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	history := NewHistoryRepository(db)
	lines := NewHistoryLineRepository(db)
	ctx := context.Background()
	if err := history.Init(ctx); err != nil {
		t.Fatalf("init history: %v", err)
	}
	if err := lines.Init(ctx); err != nil {
		t.Fatalf("init lines: %v", err)
	}
	// a second Init must be harmless
	if err := history.Init(ctx); err != nil {
		t.Fatalf("re-init history: %v", err)
	}
	return history, lines
}

func finishedTask(id string, created time.Time) domain.Task {
	task := domain.NewTask(id, domain.KindVOD, "https://example.com/"+id, "2024-03-01", created)
	task.Title = "Title " + id
	task.FilePath = "/dl/" + id + "/" + id + ".mkv"
	task.FileSize = "12.00MiB"
	task.RemoteLocation = "s3://bucket/downloads/" + id
	task.SetProgress(100)
	_ = task.SetStatus(domain.StatusFinished())
	task.FinishedAt = created.Add(time.Minute)
	return task
}

func TestHistoryRepository_RecordAndGet(t *testing.T) {
	history, _ := openTestRepos(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	task := finishedTask("a", created)
	if err := history.Record(ctx, task); err != nil {
		t.Fatalf("record: %v", err)
	}

	entry, err := history.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := entry.Task
	if got.Status != task.Status || got.Kind != task.Kind || got.URL != task.URL || got.Date != task.Date {
		t.Errorf("identity fields differ: %+v", got)
	}
	if got.Title != task.Title || got.FilePath != task.FilePath || got.RemoteLocation != task.RemoteLocation {
		t.Errorf("detail fields differ: %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.FinishedAt.Equal(task.FinishedAt) {
		t.Errorf("timestamps differ: created=%v finished=%v", got.CreatedAt, got.FinishedAt)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %v", got.Progress)
	}

	failed := domain.NewTask("a", domain.KindVOD, task.URL, task.Date, created)
	_ = failed.SetStatus(domain.StatusExitCode(2))
	if err := history.Record(ctx, failed); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	entry, _ = history.Get(ctx, "a")
	if entry.Task.Status != domain.StatusExitCode(2) {
		t.Errorf("record should replace, got %+v", entry.Task.Status)
	}
	if !entry.Task.FinishedAt.IsZero() {
		t.Errorf("finished_at should be cleared, got %v", entry.Task.FinishedAt)
	}
}

func TestHistoryRepository_GetMissing(t *testing.T) {
	history, _ := openTestRepos(t)
	if _, err := history.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestHistoryRepository_ListNewestFirst(t *testing.T) {
	history, _ := openTestRepos(t)
	ctx := context.Background()
	archived := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"first", "second", "third"} {
		history.now = func() time.Time { return archived.Add(time.Duration(i) * time.Hour) }
		if err := history.Record(ctx, finishedTask(id, archived)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := history.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Task.ID)
	}
	if !slices.Equal(got, []string{"third", "second"}) {
		t.Errorf("unexpected order %v", got)
	}

	all, _ := history.List(ctx, 0)
	if len(all) != 3 {
		t.Errorf("non-positive limit should list everything, got %d", len(all))
	}
}

func TestHistoryLines_ReplaceAndDelete(t *testing.T) {
	history, lines := openTestRepos(t)
	ctx := context.Background()

	if err := history.Record(ctx, finishedTask("a", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := lines.ReplaceForTask(ctx, "a", []string{"one", "two", "three"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := lines.ReplaceForTask(ctx, "a", []string{"[10:00:00] only"}); err != nil {
		t.Fatalf("replace again: %v", err)
	}

	got, err := lines.ListByTask(ctx, "a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !slices.Equal(got, []string{"[10:00:00] only"}) {
		t.Errorf("unexpected lines %v", got)
	}

	if err := history.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := lines.ListByTask(ctx, "a"); len(got) != 0 {
		t.Errorf("lines survived delete: %v", got)
	}
	if err := history.Delete(ctx, "a"); !errors.Is(err, repository.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound on second delete, got %v", err)
	}
}
