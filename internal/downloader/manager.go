package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ytdlp-web/internal/classifier"
	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/repository"
	"ytdlp-web/internal/storage"
)

// Manager supervises one engine process per submitted task.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	CancelAll(ctx context.Context)
	IsActive(taskID string) bool
}

// Snapshotter persists the task store. Implemented by persistence.Manager.
type Snapshotter interface {
	Snapshot(force bool) (bool, error)
}

type Config struct {
	Engine EngineConfig
	Dirs   Dirs

	FirstOutputTimeout time.Duration
	IdleTimeout        time.Duration
	WaitTimeout        time.Duration
	KillGrace          time.Duration
	Heartbeat          time.Duration

	Classifier    *classifier.Classifier
	Snapshots     Snapshotter
	History       repository.HistoryRepository
	HistoryLines  repository.HistoryLineRepository
	UploadOptions storage.UploadOptions
	Logger        *logrus.Logger
}

type manager struct {
	cfg       Config
	store     repository.TaskStore
	storage   storage.Service
	shortcuts *shortcutWriter
	now       func() time.Time

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*taskHandle
}

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	proc *process
}

func (h *taskHandle) setProcess(p *process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

func (h *taskHandle) process() *process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

var ErrManagerStopped = errors.New("download manager stopped")

func NewManager(cfg Config, store repository.TaskStore, storage storage.Service) Manager {
	if cfg.FirstOutputTimeout <= 0 {
		cfg.FirstOutputTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.New(nil, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.Engine = cfg.Engine.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &manager{
		cfg:       cfg,
		store:     store,
		storage:   storage,
		shortcuts: newShortcutWriter(cfg.Dirs.Fallback),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*taskHandle),
	}
}

// Start prepares the download directories and logs which external tools are
// available. Missing tools are not fatal; tasks will fail with spawn_failed.
func (m *manager) Start(ctx context.Context) error {
	for _, dir := range []string{m.cfg.Dirs.Regular, m.cfg.Dirs.VOD} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.cfg.Logger.Warnf("download dir %s unavailable, fallback will be used: %v", dir, err)
		}
	}
	if m.cfg.Dirs.Fallback != "" {
		if err := os.MkdirAll(m.cfg.Dirs.Fallback, 0o755); err != nil {
			return fmt.Errorf("create fallback dir: %w", err)
		}
	}

	deps := CheckDependencies(ctx, m.cfg.Engine.Binary, m.cfg.Engine.Helper)
	if deps.Engine.Installed {
		m.cfg.Logger.Infof("%s found: %s", m.cfg.Engine.Binary, deps.Engine.Info)
	} else {
		m.cfg.Logger.Errorf("%s unavailable: %s", m.cfg.Engine.Binary, deps.Engine.Info)
	}
	if m.cfg.Engine.Helper != "" && !deps.Helper.Installed {
		m.cfg.Logger.Warnf("%s unavailable, downloads will be slower: %s", m.cfg.Engine.Helper, deps.Helper.Info)
	}

	m.cfg.Logger.Info("download manager started")
	return nil
}

func (m *manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
	m.cfg.Logger.Info("download manager stopped")
}

// Enqueue starts supervising taskID and returns without waiting for the
// engine to start.
func (m *manager) Enqueue(ctx context.Context, taskID string) error {
	if err := m.ctx.Err(); err != nil {
		return ErrManagerStopped
	}
	if _, ok := m.store.Get(taskID); !ok {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}
	if m.IsActive(taskID) {
		return fmt.Errorf("task %s already running", taskID)
	}
	m.spawnTask(taskID)
	return nil
}

func (m *manager) spawnTask(taskID string) {
	taskCtx, cancel := context.WithCancel(m.ctx)
	handle := &taskHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.registerTask(taskID, handle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.unregisterTask(taskID)
			close(handle.done)
		}()
		m.handleTask(taskCtx, handle, taskID)
	}()
}

func (m *manager) registerTask(id string, handle *taskHandle) {
	m.mu.Lock()
	m.active[id] = handle
	m.mu.Unlock()
}

func (m *manager) unregisterTask(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) getTaskHandle(id string) (*taskHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	return handle, ok
}

func (m *manager) IsActive(taskID string) bool {
	_, ok := m.getTaskHandle(taskID)
	return ok
}

// Cancel stops the task's process tree and waits, bounded by ctx, until the
// supervisor has recorded the final status. Unknown or finished tasks are a
// no-op.
func (m *manager) Cancel(ctx context.Context, taskID string) error {
	handle, ok := m.getTaskHandle(taskID)
	if !ok {
		return nil
	}

	handle.cancel()
	if p := handle.process(); p != nil && !p.exited() {
		if err := p.interrupt(); err != nil {
			m.cfg.Logger.WithField("task_id", taskID).Warnf("signal process tree: %v", err)
		}
	}

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Cancel(ctx, id); err != nil {
				m.cfg.Logger.WithField("task_id", id).Warnf("cancel on shutdown: %v", err)
			}
		}()
	}
	wg.Wait()
}

// handleTask runs the whole lifecycle of one task. Panics are converted into
// an internal error so a single task can never take the process down.
func (m *manager) handleTask(ctx context.Context, handle *taskHandle, taskID string) {
	logger := m.cfg.Logger.WithField("task_id", taskID)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("task panicked: %v", r)
			if p := handle.process(); p != nil {
				_ = p.stop(m.cfg.KillGrace)
				p.closeOutput()
			}
			m.finish(taskID, domain.StatusInternal(fmt.Sprint(r)), fmt.Sprintf("[ERROR] internal error: %v", r))
		}
	}()

	task, ok := m.store.Get(taskID)
	if !ok {
		logger.Warn("task vanished before start")
		return
	}

	err := m.store.Update(taskID, func(t *domain.Task) error {
		if err := t.SetStatus(domain.StatusStarting()); err != nil {
			return err
		}
		t.Logf(m.now(), "Starting %s", m.cfg.Engine.Binary)
		return nil
	})
	if err != nil {
		logger.Debugf("not starting: %v", err)
		return
	}
	if ctx.Err() != nil {
		m.finish(taskID, domain.StatusCancelled(), "Download cancelled")
		return
	}

	dir, note, err := m.cfg.Dirs.resolve(task.Kind)
	if err != nil {
		m.failTask(taskID, domain.StatusSpawnFailed(err.Error()), err)
		return
	}
	if note != "" {
		logger.Warn(note)
		m.appendLog(taskID, note)
	}

	args := m.cfg.Engine.BuildArgs(task, dir)
	cmd := exec.Command(m.cfg.Engine.Binary, args...)
	setProcessGroup(cmd)

	proc := newProcess(cmd)
	if err := proc.start(); err != nil {
		m.failTask(taskID, domain.StatusSpawnFailed(err.Error()), err)
		return
	}
	handle.setProcess(proc)
	defer proc.closeOutput()

	logger.Infof("engine started (pid %d) for %s", proc.pid(), task.URL)
	err = m.store.Update(taskID, func(t *domain.Task) error {
		if err := t.SetStatus(domain.StatusDownloading()); err != nil {
			return err
		}
		t.Logf(m.now(), "Process started (pid %d)", proc.pid())
		return nil
	})
	if err != nil {
		logger.Warnf("mark downloading: %v", err)
	}
	m.snapshot(false)

	status, message := m.supervise(ctx, taskID, proc, logger)
	if status.Phase == domain.PhaseFinished {
		m.afterSuccess(ctx, taskID, logger)
	}
	m.finish(taskID, status, message)
}

// supervise consumes engine output until the process ends, is cancelled or
// goes quiet for too long, and returns the resulting terminal status.
func (m *manager) supervise(ctx context.Context, taskID string, proc *process, logger *logrus.Entry) (domain.Status, string) {
	stop := make(chan struct{})
	defer close(stop)
	lines := proc.readLines(stop)

	idle := time.NewTimer(m.cfg.FirstOutputTimeout)
	defer idle.Stop()
	heartbeat := time.NewTicker(m.cfg.Heartbeat)
	defer heartbeat.Stop()

	var (
		sawOutput   bool
		sawCritical bool
		lastOutput  = m.now()
	)

	for lines != nil {
		select {
		case <-ctx.Done():
			m.terminate(proc, logger)
			return domain.StatusCancelled(), "Download cancelled"

		case line, ok := <-lines:
			if !ok {
				lines = nil
				break
			}
			sawOutput = true
			lastOutput = m.now()
			idle.Reset(m.cfg.IdleTimeout)
			if m.handleLine(taskID, line, logger) == classifier.SeverityCritical {
				sawCritical = true
			}

		case <-idle.C:
			m.terminate(proc, logger)
			if !sawOutput {
				logger.Warnf("no output within %s", m.cfg.FirstOutputTimeout)
				return domain.StatusTimeout(domain.ReasonTimeoutNoOutput),
					fmt.Sprintf("[ERROR] no output from %s within %s", m.cfg.Engine.Binary, m.cfg.FirstOutputTimeout)
			}
			logger.Warnf("no output for %s", m.cfg.IdleTimeout)
			return domain.StatusTimeout(domain.ReasonTimeoutIdle),
				fmt.Sprintf("[ERROR] no output for %s, download appears stuck", m.cfg.IdleTimeout)

		case <-heartbeat.C:
			logger.Debugf("engine alive, last output %s ago", m.now().Sub(lastOutput).Round(time.Second))
		}
	}

	wait := time.NewTimer(m.cfg.WaitTimeout)
	defer wait.Stop()
	select {
	case <-proc.Done():
	case <-ctx.Done():
		m.terminate(proc, logger)
		return domain.StatusCancelled(), "Download cancelled"
	case <-wait.C:
		m.terminate(proc, logger)
		return domain.StatusTimeout(domain.ReasonTimeoutWait),
			fmt.Sprintf("[ERROR] %s did not exit within %s after closing its output", m.cfg.Engine.Binary, m.cfg.WaitTimeout)
	}

	if ctx.Err() != nil {
		return domain.StatusCancelled(), "Download cancelled"
	}

	code := proc.ExitCode()
	switch {
	case code == 0 && !sawCritical:
		return domain.StatusFinished(), "Download completed successfully"
	case code == 0:
		status := domain.StatusExitCode(code)
		status.Detail = "critical error reported by engine"
		return status, "[ERROR] download failed: critical error reported by engine"
	default:
		return domain.StatusExitCode(code), fmt.Sprintf("[ERROR] download failed with exit code %d", code)
	}
}

func (m *manager) handleLine(taskID, line string, logger *logrus.Entry) classifier.Severity {
	var delta classifier.Delta
	err := m.store.Update(taskID, func(t *domain.Task) error {
		t.Logf(m.now(), "%s", line)
		delta = m.cfg.Classifier.Classify(classifier.Context{Kind: t.Kind, Title: t.Title}, line)
		delta.Apply(t)
		return nil
	})
	if err != nil {
		logger.Debugf("record output: %v", err)
		return classifier.SeverityNone
	}
	if delta.Severity == classifier.SeverityCritical {
		logger.Warnf("critical engine error: %s", line)
	}
	m.snapshot(false)
	return delta.Severity
}

func (m *manager) terminate(proc *process, logger *logrus.Entry) {
	if err := proc.stop(m.cfg.KillGrace); err != nil {
		logger.Errorf("terminate process tree: %v", err)
	}
	proc.closeOutput()
}

// afterSuccess writes the .url shortcut and offloads to object storage.
// Failures here are notes on a finished download, never a status change.
func (m *manager) afterSuccess(ctx context.Context, taskID string, logger *logrus.Entry) {
	task, ok := m.store.Get(taskID)
	if !ok {
		return
	}

	// without a captured destination there is nothing to put a shortcut next to
	var shortcut string
	if task.FilePath != "" {
		path, err := m.shortcuts.Write(ctx, task.FilePath, task.URL)
		if err != nil {
			logger.Warnf("url shortcut: %v", err)
			m.appendLog(taskID, fmt.Sprintf("Warning: could not create URL shortcut: %v", err))
		} else {
			shortcut = path
			m.appendLog(taskID, fmt.Sprintf("Created URL shortcut: %s", path))
		}
	}

	location, err := m.offload(ctx, task, shortcut, logger)
	if err != nil {
		logger.Warnf("offload: %v", err)
		m.appendLog(taskID, fmt.Sprintf("Warning: upload to remote storage failed: %v", err))
		return
	}
	if location == "" {
		return
	}
	err = m.store.Update(taskID, func(t *domain.Task) error {
		t.RemoteLocation = location
		t.Logf(m.now(), "Uploaded to %s", location)
		return nil
	})
	if err != nil {
		logger.Warnf("record remote location: %v", err)
	}
}

func (m *manager) failTask(taskID string, status domain.Status, failErr error) {
	m.cfg.Logger.WithField("task_id", taskID).Error(failErr.Error())
	m.finish(taskID, status, fmt.Sprintf("[ERROR] %v", failErr))
}

// finish records the terminal status, forces a snapshot and archives the
// task. It is a no-op for a task that is already terminal.
func (m *manager) finish(taskID string, status domain.Status, message string) {
	logger := m.cfg.Logger.WithField("task_id", taskID)
	now := m.now()

	var final domain.Task
	err := m.store.Update(taskID, func(t *domain.Task) error {
		if status.Phase == domain.PhaseFinished {
			t.SetProgress(100)
		}
		if err := t.SetStatus(status); err != nil {
			return err
		}
		t.FinishedAt = now
		if message != "" {
			t.Logf(now, "%s", message)
		}
		final = t.Clone()
		return nil
	})
	if err != nil {
		logger.Debugf("final status %s not recorded: %v", status, err)
		return
	}
	logger.Infof("task %s", status)

	m.snapshot(true)
	m.archive(final, logger)
}

func (m *manager) archive(task domain.Task, logger *logrus.Entry) {
	if m.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.cfg.History.Record(ctx, task); err != nil {
		logger.Warnf("archive task: %v", err)
		return
	}
	if m.cfg.HistoryLines != nil {
		if err := m.cfg.HistoryLines.ReplaceForTask(ctx, task.ID, task.Output); err != nil {
			logger.Warnf("archive output: %v", err)
		}
	}
}

func (m *manager) appendLog(taskID, message string) {
	err := m.store.Update(taskID, func(t *domain.Task) error {
		t.Logf(m.now(), "%s", message)
		return nil
	})
	if err != nil {
		m.cfg.Logger.WithField("task_id", taskID).Debugf("append log: %v", err)
	}
}

func (m *manager) snapshot(force bool) {
	if m.cfg.Snapshots == nil {
		return
	}
	if _, err := m.cfg.Snapshots.Snapshot(force); err != nil {
		m.cfg.Logger.Errorf("save tasks: %v", err)
	}
}

var _ Manager = (*manager)(nil)
