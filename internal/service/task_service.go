package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/downloader"
	"ytdlp-web/internal/repository"
	"ytdlp-web/internal/retention"
	"ytdlp-web/internal/storage"
)

var (
	ErrInvalidURL      = errors.New("invalid URL format")
	ErrEmptyURL        = errors.New("URL cannot be empty")
	ErrInvalidDate     = errors.New("invalid date format, use YYYY-MM-DD")
	ErrNotFound        = errors.New("task not found")
	ErrCapacity        = errors.New("task store is full")
	ErrStorageDisabled = errors.New("remote storage not configured")
)

const (
	dateLayout    = "2006-01-02"
	cancelTimeout = 10 * time.Second
)

// TaskService is the orchestration surface used by the HTTP layer.
type TaskService interface {
	SubmitRegular(ctx context.Context, req SubmitRequest) (domain.Task, error)
	SubmitVOD(ctx context.Context, req SubmitRequest) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context) []domain.Task
	CancelTask(ctx context.Context, id string) (CancelResult, error)
	DeleteTask(ctx context.Context, id string, deleteRemote bool) (DeleteResult, error)
	ClearTasks(ctx context.Context) (int, error)
	RecoverInterrupted(ctx context.Context) int
	Health(ctx context.Context) Health
	Info(ctx context.Context) Info
	ListHistory(ctx context.Context, limit int) ([]repository.HistoryEntry, error)
	GetHistory(ctx context.Context, id string) (*repository.HistoryEntry, error)
	ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

type SubmitRequest struct {
	URL      string
	Date     string
	ClientID string
}

type CancelResult struct {
	Task            domain.Task
	AlreadyFinished bool
}

type DeleteResult struct {
	ID       string
	Warnings []string
}

type Config struct {
	MaxTasks      int
	Retention     time.Duration
	EngineBinary  string
	HelperBinary  string
	DownloadPath  string
	VODPath       string
	StorageBucket string
	Logger        *logrus.Logger
}

// Deps groups the collaborators the service orchestrates. History,
// HistoryLines, Snapshots and Storage are optional.
type Deps struct {
	Store        repository.TaskStore
	Manager      downloader.Manager
	Retention    *retention.Policy
	Snapshots    downloader.Snapshotter
	History      repository.HistoryRepository
	HistoryLines repository.HistoryLineRepository
	Storage      storage.Service
}

type taskService struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	newID func() string
	// serializes capacity enforcement with record creation
	submitMu sync.Mutex
}

func NewTaskService(cfg Config, deps Deps) TaskService {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = retention.DefaultMaxTasks
	}
	if cfg.Retention <= 0 {
		cfg.Retention = retention.DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	s := &taskService{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
	}
	s.newID = s.generateID
	return s
}

func (s *taskService) generateID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("task_%s_%d", hex[:16], s.now().Unix())
}

func (s *taskService) SubmitRegular(ctx context.Context, req SubmitRequest) (domain.Task, error) {
	url, err := normalizeURL(req.URL)
	if err != nil {
		return domain.Task{}, err
	}
	return s.submit(ctx, req.ClientID, domain.KindRegular, url, "")
}

func (s *taskService) SubmitVOD(ctx context.Context, req SubmitRequest) (domain.Task, error) {
	url, err := normalizeURL(req.URL)
	if err != nil {
		return domain.Task{}, err
	}
	date := strings.TrimSpace(req.Date)
	if date != "" {
		if _, err := time.Parse(dateLayout, date); err != nil {
			return domain.Task{}, ErrInvalidDate
		}
	}
	return s.submit(ctx, req.ClientID, domain.KindVOD, url, date)
}

func normalizeURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyURL
	}
	url := ExtractURL(raw)
	if !IsValidURL(url) {
		return "", ErrInvalidURL
	}
	return url, nil
}

func (s *taskService) submit(ctx context.Context, clientID string, kind domain.Kind, url, date string) (domain.Task, error) {
	id := strings.TrimSpace(clientID)
	if id == "" {
		id = s.newID()
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if s.deps.Retention != nil {
		s.deps.Retention.Sweep(ctx)
		s.deps.Retention.EnforceCapacity(ctx, s.cfg.MaxTasks-1)
	}
	if s.deps.Store.Count() >= s.cfg.MaxTasks {
		return domain.Task{}, ErrCapacity
	}

	task, err := s.deps.Store.Create(id, kind, url, date)
	if err != nil {
		return domain.Task{}, err
	}
	logger := s.cfg.Logger.WithField("task_id", id)
	logger.Infof("accepted %s download: %s", kind, url)

	if err := s.deps.Manager.Enqueue(ctx, id); err != nil {
		logger.Errorf("enqueue: %v", err)
		s.markFailed(id, domain.StatusInternal(err.Error()), fmt.Sprintf("could not start supervisor: %v", err))
		s.snapshot(true)
		if current, ok := s.deps.Store.Get(id); ok {
			return current, nil
		}
		return task, nil
	}
	s.snapshot(false)
	return task, nil
}

func (s *taskService) markFailed(id string, status domain.Status, message string) {
	now := s.now()
	_ = s.deps.Store.Update(id, func(t *domain.Task) error {
		if err := t.SetStatus(status); err != nil {
			return err
		}
		t.FinishedAt = now
		t.Logf(now, "[ERROR] %s", message)
		return nil
	})
}

func (s *taskService) GetTask(_ context.Context, id string) (domain.Task, error) {
	task, ok := s.deps.Store.Get(id)
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context) []domain.Task {
	if s.deps.Retention != nil {
		if removed := s.deps.Retention.Sweep(ctx); removed > 0 {
			s.snapshot(false)
		}
	}
	return s.deps.Store.List()
}

// CancelTask stops a running task. A task that already reached a terminal
// status is returned unchanged.
func (s *taskService) CancelTask(ctx context.Context, id string) (CancelResult, error) {
	task, ok := s.deps.Store.Get(id)
	if !ok {
		return CancelResult{}, ErrNotFound
	}
	if task.Status.IsTerminal() {
		return CancelResult{Task: task, AlreadyFinished: true}, nil
	}

	cancelCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()
	if err := s.deps.Manager.Cancel(cancelCtx, id); err != nil {
		s.cfg.Logger.WithField("task_id", id).Warnf("cancel did not complete: %v", err)
	}

	// no supervisor owned the task (or it did not react in time)
	now := s.now()
	_ = s.deps.Store.Update(id, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return nil
		}
		if err := t.SetStatus(domain.StatusCancelled()); err != nil {
			return err
		}
		t.FinishedAt = now
		t.Logf(now, "Download cancelled by user")
		return nil
	})
	s.snapshot(true)

	task, ok = s.deps.Store.Get(id)
	if !ok {
		return CancelResult{}, ErrNotFound
	}
	return CancelResult{Task: task}, nil
}

// DeleteTask cancels and removes a task. With deleteRemote the offloaded
// copy is deleted too; remote failures are reported as warnings.
func (s *taskService) DeleteTask(ctx context.Context, id string, deleteRemote bool) (DeleteResult, error) {
	task, ok := s.deps.Store.Get(id)
	if !ok {
		return DeleteResult{}, ErrNotFound
	}
	result := DeleteResult{ID: id}
	logger := s.cfg.Logger.WithField("task_id", id)

	if s.deps.Manager.IsActive(id) || !task.Status.IsTerminal() {
		cancelCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
		if err := s.deps.Manager.Cancel(cancelCtx, id); err != nil {
			logger.Warnf("cancel before delete: %v", err)
		}
		cancel()
	}

	if deleteRemote {
		if warning := s.deleteRemote(ctx, task); warning != "" {
			logger.Warn(warning)
			result.Warnings = append(result.Warnings, warning)
		}
	}

	s.deps.Store.Remove(id)
	s.snapshot(true)
	logger.Info("task deleted")
	return result, nil
}

func (s *taskService) deleteRemote(ctx context.Context, task domain.Task) string {
	if task.RemoteLocation == "" {
		return ""
	}
	if s.deps.Storage == nil || s.cfg.StorageBucket == "" {
		return "remote storage not configured, remote copy kept"
	}
	prefix, err := storage.ParseLocation(task.RemoteLocation, s.cfg.StorageBucket)
	if err != nil {
		return fmt.Sprintf("remote copy kept: %v", err)
	}
	if err := s.deps.Storage.DeletePrefix(ctx, s.cfg.StorageBucket, prefix); err != nil {
		return fmt.Sprintf("delete remote copy: %v", err)
	}
	return ""
}

// ClearTasks cancels every active task and empties the store. The forced
// snapshot error is returned so callers can report it.
func (s *taskService) ClearTasks(ctx context.Context) (int, error) {
	// a submit between CancelAll and Clear would leave an engine running
	// for a record that no longer exists
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	cancelCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	s.deps.Manager.CancelAll(cancelCtx)
	cancel()

	count := s.deps.Store.Count()
	s.deps.Store.Clear()
	if s.deps.Snapshots != nil {
		if _, err := s.deps.Snapshots.Snapshot(true); err != nil {
			return count, fmt.Errorf("persist cleared tasks: %w", err)
		}
	}
	s.cfg.Logger.Infof("cleared %d tasks", count)
	return count, nil
}

// RecoverInterrupted marks tasks left non-terminal by a previous process.
// It must run before the manager accepts new work.
func (s *taskService) RecoverInterrupted(ctx context.Context) int {
	now := s.now()
	recovered := 0
	for _, task := range s.deps.Store.List() {
		if task.Status.IsTerminal() {
			continue
		}
		err := s.deps.Store.Update(task.ID, func(t *domain.Task) error {
			if err := t.SetStatus(domain.StatusInterrupted()); err != nil {
				return err
			}
			t.FinishedAt = now
			t.Logf(now, "[ERROR] Download interrupted by service restart")
			return nil
		})
		if err != nil {
			continue
		}
		recovered++
		if s.deps.History != nil {
			if updated, ok := s.deps.Store.Get(task.ID); ok {
				if err := s.deps.History.Record(ctx, updated); err != nil {
					s.cfg.Logger.WithField("task_id", task.ID).Warnf("archive interrupted task: %v", err)
				}
			}
		}
	}
	if recovered > 0 {
		s.cfg.Logger.Warnf("marked %d interrupted tasks", recovered)
		s.snapshot(true)
	}
	return recovered
}

func (s *taskService) ListHistory(ctx context.Context, limit int) ([]repository.HistoryEntry, error) {
	if s.deps.History == nil {
		return []repository.HistoryEntry{}, nil
	}
	entries, err := s.deps.History.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

func (s *taskService) GetHistory(ctx context.Context, id string) (*repository.HistoryEntry, error) {
	if s.deps.History == nil {
		return nil, ErrNotFound
	}
	entry, err := s.deps.History.Get(ctx, id)
	if errors.Is(err, repository.ErrTaskNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if s.deps.HistoryLines != nil {
		lines, err := s.deps.HistoryLines.ListByTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list history lines: %w", err)
		}
		entry.Task.Output = lines
	}
	return entry, nil
}

func (s *taskService) ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if s.deps.Storage == nil || s.cfg.StorageBucket == "" {
		return nil, ErrStorageDisabled
	}
	objects, err := s.deps.Storage.ListObjects(ctx, s.cfg.StorageBucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return objects, nil
}

func (s *taskService) snapshot(force bool) {
	if s.deps.Snapshots == nil {
		return
	}
	if _, err := s.deps.Snapshots.Snapshot(force); err != nil {
		s.cfg.Logger.Errorf("save tasks: %v", err)
	}
}
