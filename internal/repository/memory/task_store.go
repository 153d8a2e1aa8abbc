package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/repository"
)

// TaskStore keeps tasks in memory. The index is guarded by mu; each record has
// its own lock so updates to different tasks never contend.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*record
	now   func() time.Time
}

type record struct {
	mu   sync.Mutex
	task domain.Task
}

func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*record),
		now:   time.Now,
	}
}

func (s *TaskStore) Create(id string, kind domain.Kind, url, date string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		return domain.Task{}, fmt.Errorf("%w: %s", repository.ErrTaskExists, id)
	}
	task := domain.NewTask(id, kind, url, date, s.now())
	s.tasks[id] = &record{task: task}
	return task.Clone(), nil
}

func (s *TaskStore) Get(id string) (domain.Task, bool) {
	s.mu.RLock()
	rec, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Task{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.Clone(), true
}

// Update runs mutate on a working copy under the record lock. The copy is
// committed only when mutate returns nil.
func (s *TaskStore) Update(id string, mutate func(*domain.Task) error) error {
	s.mu.RLock()
	rec, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	working := rec.task.Clone()
	if err := mutate(&working); err != nil {
		return err
	}
	working.ID = rec.task.ID
	rec.task = working
	return nil
}

func (s *TaskStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// List returns copies of every task ordered by creation time. Holding the
// index read lock keeps creates and removals out while the snapshot is taken.
func (s *TaskStore) List() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]domain.Task, 0, len(s.tasks))
	for _, rec := range s.tasks {
		rec.mu.Lock()
		tasks = append(tasks, rec.task.Clone())
		rec.mu.Unlock()
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

func (s *TaskStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Restore replaces the store contents, used when loading persisted state.
func (s *TaskStore) Restore(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*record, len(tasks))
	for _, task := range tasks {
		s.tasks[task.ID] = &record{task: task.Clone()}
	}
}

func (s *TaskStore) Clear() {
	s.mu.Lock()
	s.tasks = make(map[string]*record)
	s.mu.Unlock()
}

var _ repository.TaskStore = (*TaskStore)(nil)
