// Package persistence keeps a crash-safe copy of the task store on disk.
package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/repository"
)

const DefaultThrottle = time.Second

var requiredFields = []string{"status", "output", "created_at"}

type Config struct {
	Path     string
	Throttle time.Duration
	Logger   *logrus.Logger
}

// Manager is the only writer of the durable task file.
type Manager struct {
	cfg   Config
	store repository.TaskStore
	now   func() time.Time

	mu       sync.Mutex
	lastSave time.Time
}

// LoadResult describes what Load found on disk.
type LoadResult struct {
	Loaded     int
	Dropped    int
	Converted  int
	BackupPath string
}

func NewManager(cfg Config, store repository.TaskStore) *Manager {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// Snapshot writes the store to disk. Unforced calls are skipped inside the
// throttle window or while another save is running and then return false.
func (m *Manager) Snapshot(force bool) (bool, error) {
	if force {
		m.mu.Lock()
	} else if !m.mu.TryLock() {
		return false, nil
	}
	defer m.mu.Unlock()

	now := m.now()
	if !force && !m.lastSave.IsZero() && now.Sub(m.lastSave) < m.cfg.Throttle {
		return false, nil
	}

	tasks := m.store.List()
	byID := make(map[string]domain.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(byID); err != nil {
		return false, fmt.Errorf("encode tasks: %w", err)
	}

	if err := writeAtomic(m.cfg.Path, buf.Bytes()); err != nil {
		return false, err
	}
	m.lastSave = now
	return true, nil
}

// writeAtomic replaces path with data via a synced temp file in the same
// directory, so readers only ever see the old or the new content.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace tasks file: %w", err)
	}
	return nil
}

// Load restores the store from disk. A missing file yields an empty store;
// an unreadable one is moved aside as <path>.backup.<unix> first. When records
// had to be dropped or converted from the older string-status layout, the
// original file is copied to the same backup name before it is rewritten.
func (m *Manager) Load() (LoadResult, error) {
	var res LoadResult

	data, err := os.ReadFile(m.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		m.store.Restore(nil)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read tasks file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		backup := m.backupPath()
		m.cfg.Logger.Errorf("tasks file corrupted (%v), moving it to %s", err, backup)
		if renameErr := os.Rename(m.cfg.Path, backup); renameErr != nil {
			return res, fmt.Errorf("back up corrupted tasks file: %w", renameErr)
		}
		m.store.Restore(nil)
		res.BackupPath = backup
		return res, nil
	}

	tasks := make([]domain.Task, 0, len(raw))
	for key, record := range raw {
		task, legacy, err := decodeTask(key, record)
		if err != nil {
			m.cfg.Logger.Warnf("dropping task %s: %v", key, err)
			res.Dropped++
			continue
		}
		if legacy {
			res.Converted++
		}
		tasks = append(tasks, task)
	}
	m.store.Restore(tasks)
	res.Loaded = len(tasks)

	if res.Dropped == 0 && res.Converted == 0 {
		return res, nil
	}

	backup := m.backupPath()
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		// without a copy the original stays untouched until the next save
		m.cfg.Logger.Errorf("back up tasks file to %s: %v", backup, err)
		return res, nil
	}
	res.BackupPath = backup
	m.cfg.Logger.Warnf("tasks file rewritten (%d dropped, %d converted), original kept at %s",
		res.Dropped, res.Converted, backup)
	if _, err := m.Snapshot(true); err != nil {
		m.cfg.Logger.Errorf("rewrite tasks file: %v", err)
	}
	return res, nil
}

func (m *Manager) backupPath() string {
	return fmt.Sprintf("%s.backup.%d", m.cfg.Path, m.now().Unix())
}

// storedTask accepts both layouts of a record: the current one with a tagged
// status object and RFC 3339 times, and the older one keyed only by the map
// key with a plain status string and epoch-seconds created_at.
type storedTask struct {
	domain.Task
	Status    json.RawMessage `json:"status"`
	CreatedAt json.RawMessage `json:"created_at"`
}

func decodeTask(key string, record json.RawMessage) (domain.Task, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return domain.Task{}, false, fmt.Errorf("not an object: %w", err)
	}
	for _, name := range requiredFields {
		value, ok := fields[name]
		if !ok || string(value) == "null" {
			return domain.Task{}, false, fmt.Errorf("missing %s", name)
		}
	}

	var stored storedTask
	if err := json.Unmarshal(record, &stored); err != nil {
		return domain.Task{}, false, fmt.Errorf("decode: %w", err)
	}
	task := stored.Task
	legacy := false

	switch task.ID {
	case key:
	case "":
		task.ID = key
		legacy = true
	default:
		return domain.Task{}, false, fmt.Errorf("id %q does not match key", task.ID)
	}

	var statusText string
	if json.Unmarshal(stored.Status, &statusText) == nil {
		status, err := domain.ParseStatus(statusText)
		if err != nil {
			return domain.Task{}, false, err
		}
		task.Status = status
		legacy = true
	} else if err := json.Unmarshal(stored.Status, &task.Status); err != nil {
		return domain.Task{}, false, fmt.Errorf("decode status: %w", err)
	}
	if task.Status.Phase == "" {
		return domain.Task{}, false, fmt.Errorf("missing status phase")
	}

	var epoch float64
	if json.Unmarshal(stored.CreatedAt, &epoch) == nil {
		sec, frac := math.Modf(epoch)
		task.CreatedAt = time.Unix(int64(sec), int64(frac*float64(time.Second)))
		legacy = true
	} else if err := json.Unmarshal(stored.CreatedAt, &task.CreatedAt); err != nil {
		return domain.Task{}, false, fmt.Errorf("decode created_at: %w", err)
	}

	if task.Kind == "" {
		task.Kind = domain.KindRegular
	}
	if task.Title == "" {
		task.Title = domain.DefaultTitle
	}
	if task.Output == nil {
		task.Output = []string{}
	}
	if over := len(task.Output) - domain.MaxOutputLines; over > 0 {
		task.Output = task.Output[over:]
	}
	progress := task.Progress
	task.Progress = 0
	task.SetProgress(progress)
	return task, legacy, nil
}
