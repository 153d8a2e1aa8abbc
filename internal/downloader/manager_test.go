//go:build !windows

package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/repository"
	"ytdlp-web/internal/repository/memory"
	"ytdlp-web/internal/storage"
)

type fakeHistory struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
	lines map[string][]string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{tasks: map[string]domain.Task{}, lines: map[string][]string{}}
}

func (f *fakeHistory) Init(context.Context) error { return nil }

func (f *fakeHistory) Record(_ context.Context, task domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeHistory) Get(_ context.Context, id string) (*repository.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}
	return &repository.HistoryEntry{Task: task}, nil
}

func (f *fakeHistory) List(context.Context, int) ([]repository.HistoryEntry, error) { return nil, nil }

func (f *fakeHistory) Delete(context.Context, string) error { return nil }

func (f *fakeHistory) ReplaceForTask(_ context.Context, taskID string, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines[taskID] = append([]string(nil), lines...)
	return nil
}

func (f *fakeHistory) ListByTask(_ context.Context, taskID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines[taskID], nil
}

type countingSnapshotter struct {
	forced atomic.Int32
	lazy   atomic.Int32
}

func (c *countingSnapshotter) Snapshot(force bool) (bool, error) {
	if force {
		c.forced.Add(1)
	} else {
		c.lazy.Add(1)
	}
	return true, nil
}

type panickingSnapshotter struct{}

func (panickingSnapshotter) Snapshot(force bool) (bool, error) {
	if !force {
		panic("snapshot exploded")
	}
	return true, nil
}

func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-yt-dlp")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write engine script: %v", err)
	}
	return path
}

type testEnv struct {
	store     *memory.TaskStore
	manager   *manager
	history   *fakeHistory
	snapshots *countingSnapshotter
	dir       string
}

func newTestEnv(t *testing.T, engine string, tweak func(*Config)) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	env := &testEnv{
		store:     memory.NewTaskStore(),
		history:   newFakeHistory(),
		snapshots: &countingSnapshotter{},
		dir:       dir,
	}
	cfg := Config{
		Engine: EngineConfig{Binary: engine},
		Dirs: Dirs{
			Regular:  filepath.Join(dir, "regular"),
			VOD:      filepath.Join(dir, "vod"),
			Fallback: filepath.Join(dir, "fallback"),
		},
		FirstOutputTimeout: 5 * time.Second,
		IdleTimeout:        5 * time.Second,
		WaitTimeout:        5 * time.Second,
		KillGrace:          500 * time.Millisecond,
		Heartbeat:          50 * time.Millisecond,
		Snapshots:          env.snapshots,
		History:            env.history,
		HistoryLines:       env.history,
		Logger:             logger,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	env.manager = NewManager(cfg, env.store, nil).(*manager)
	env.manager.shortcuts.backoff = time.Millisecond
	t.Cleanup(env.manager.Shutdown)
	return env
}

func (e *testEnv) submit(t *testing.T, id string) {
	t.Helper()
	if _, err := e.store.Create(id, domain.KindRegular, "https://example.com/watch?v="+id, ""); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := e.manager.Enqueue(context.Background(), id); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (e *testEnv) waitFor(t *testing.T, id string, timeout time.Duration, cond func(domain.Task) bool) domain.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task, ok := e.store.Get(id)
		if !ok {
			t.Fatalf("task %s missing", id)
		}
		if cond(task) {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s, task: status=%s output=%v", timeout, task.Status, task.Output)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *testEnv) waitTerminal(t *testing.T, id string, timeout time.Duration) domain.Task {
	t.Helper()
	task := e.waitFor(t, id, timeout, func(task domain.Task) bool { return task.Status.IsTerminal() })
	deadline := time.Now().Add(timeout)
	for e.manager.IsActive(id) {
		if time.Now().After(deadline) {
			t.Fatalf("handle for %s still registered", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return task
}

func outputContains(task domain.Task, substr string) bool {
	for _, line := range task.Output {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestManager_SuccessfulDownload(t *testing.T) {
	mediaDir := filepath.Join(t.TempDir(), "My_Video")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	media := filepath.Join(mediaDir, "My_Video.mkv")

	engine := writeEngine(t, fmt.Sprintf(`
echo "[youtube] abc: Downloading webpage"
echo "[download] Destination: %s"
printf '[download]  10.0%%%% of 1.00MiB at 1.00MiB/s ETA 00:01\r'
printf '[download]  55.5%%%% of 1.00MiB at 1.00MiB/s ETA 00:01\r'
echo "[download] 100%% of 1.00MiB"
echo "WARNING: something harmless" >&2
exit 0`, media))

	env := newTestEnv(t, engine, nil)
	env.submit(t, "ok")
	task := env.waitTerminal(t, "ok", 10*time.Second)

	if task.Status != domain.StatusFinished() {
		t.Fatalf("expected finished, got %s (%v)", task.Status, task.Output)
	}
	if task.Progress != 100 {
		t.Errorf("expected progress 100, got %v", task.Progress)
	}
	if task.Title != "My_Video" || task.FilePath != media {
		t.Errorf("destination not tracked: title=%q path=%q", task.Title, task.FilePath)
	}
	if task.FileSize != "1.00MiB" {
		t.Errorf("expected file size 1.00MiB, got %q", task.FileSize)
	}
	if task.FinishedAt.IsZero() {
		t.Error("finished_at not set")
	}
	if !outputContains(task, "something harmless") {
		t.Error("stderr line missing from output")
	}
	if !outputContains(task, "Download completed successfully") {
		t.Errorf("completion line missing: %v", task.Output)
	}

	shortcut, err := os.ReadFile(filepath.Join(mediaDir, "My_Video.url"))
	if err != nil {
		t.Fatalf("shortcut not written: %v", err)
	}
	if string(shortcut) != "[InternetShortcut]\nURL=https://example.com/watch?v=ok\n" {
		t.Errorf("unexpected shortcut content %q", shortcut)
	}

	if entry, err := env.history.Get(context.Background(), "ok"); err != nil || entry.Task.Status != domain.StatusFinished() {
		t.Errorf("task not archived: %v %+v", err, entry)
	}
	if env.snapshots.forced.Load() == 0 {
		t.Error("terminal status did not force a snapshot")
	}
}

type recordingStorage struct {
	mu      sync.Mutex
	uploads []storage.TaskUpload
}

func (r *recordingStorage) Upload(_ context.Context, upload storage.TaskUpload) (storage.Uploaded, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, upload)
	return storage.Uploaded{Location: upload.Location(), Objects: len(upload.Files)}, nil
}

func (r *recordingStorage) ListObjects(context.Context, string, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (r *recordingStorage) DeletePrefix(context.Context, string, string) error { return nil }

func TestManager_OffloadsTaskFiles(t *testing.T) {
	remote := &recordingStorage{}
	engine := writeEngine(t, `
dir="$TEST_DOWNLOAD_DIR/My_Video"
mkdir -p "$dir"
echo data > "$dir/My_Video.mkv"
echo partial > "$dir/My_Video.f137.mp4.part"
echo other > "$dir/Unrelated.mkv"
echo "[download] Destination: $dir/My_Video.mkv"
exit 0`)
	env := newTestEnv(t, engine, func(cfg *Config) {
		cfg.UploadOptions = storage.UploadOptions{Bucket: "media", KeyPrefix: "downloads"}
	})
	env.manager.storage = remote
	t.Setenv("TEST_DOWNLOAD_DIR", env.manager.cfg.Dirs.Regular)

	env.submit(t, "up")
	task := env.waitFor(t, "up", 10*time.Second, func(task domain.Task) bool { return task.RemoteLocation != "" })

	if task.RemoteLocation != "s3://media/downloads/up" {
		t.Errorf("unexpected remote location %q", task.RemoteLocation)
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(remote.uploads))
	}
	upload := remote.uploads[0]
	var keys []string
	for _, file := range upload.Files {
		keys = append(keys, upload.Key(file))
	}
	sort.Strings(keys)
	expected := []string{"downloads/up/My_Video/My_Video.mkv", "downloads/up/My_Video/My_Video.url"}
	if !slices.Equal(keys, expected) {
		t.Errorf("expected keys %v, got %v", expected, keys)
	}
}

func TestManager_NoDestinationSkipsShortcut(t *testing.T) {
	env := newTestEnv(t, writeEngine(t, "echo '[youtube] abc: Downloading webpage'\nexit 0"), nil)
	env.submit(t, "nodest")
	task := env.waitTerminal(t, "nodest", 10*time.Second)

	if task.Status != domain.StatusFinished() {
		t.Fatalf("expected finished, got %s", task.Status)
	}
	if outputContains(task, "URL shortcut") {
		t.Errorf("no shortcut should be attempted without a destination: %v", task.Output)
	}
}

func TestManager_ExitStatuses(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected domain.Status
	}{
		{
			name:     "non-zero exit",
			body:     "echo 'ERROR: Unsupported URL'\nexit 2",
			expected: domain.StatusExitCode(2),
		},
		{
			name: "critical line overrides exit 0",
			body: "echo 'ERROR: Private video'\nexit 0",
			expected: domain.Status{
				Phase:  domain.PhaseError,
				Reason: domain.ReasonExitCode,
				Detail: "critical error reported by engine",
			},
		},
		{
			name:     "suppressed shortcut error does not fail",
			body:     "echo 'ERROR: Cannot write internet shortcut file'\nexit 0",
			expected: domain.StatusFinished(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, writeEngine(t, tt.body), nil)
			env.submit(t, "task")
			task := env.waitTerminal(t, "task", 10*time.Second)
			if task.Status != tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, task.Status)
			}
		})
	}
}

func TestManager_SpawnFailure(t *testing.T) {
	env := newTestEnv(t, filepath.Join(t.TempDir(), "missing-yt-dlp"), nil)
	env.submit(t, "nospawn")
	task := env.waitTerminal(t, "nospawn", 5*time.Second)

	if task.Status.Phase != domain.PhaseError || task.Status.Reason != domain.ReasonSpawnFailed {
		t.Fatalf("expected spawn_failed, got %+v", task.Status)
	}
	if !outputContains(task, "[ERROR]") {
		t.Errorf("expected an [ERROR] line, got %v", task.Output)
	}
}

func TestManager_CancelRunningTask(t *testing.T) {
	engine := writeEngine(t, "echo started\nsleep 30")
	env := newTestEnv(t, engine, nil)
	env.submit(t, "c")

	env.waitFor(t, "c", 5*time.Second, func(task domain.Task) bool {
		return task.Status == domain.StatusDownloading() && outputContains(task, "started")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	if err := env.manager.Cancel(ctx, "c"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 3*time.Second {
		t.Errorf("cancel took %s", elapsed)
	}

	task, _ := env.store.Get("c")
	if task.Status != domain.StatusCancelled() {
		t.Errorf("expected cancelled, got %s", task.Status)
	}
	if env.manager.IsActive("c") {
		t.Error("handle still registered after cancel returned")
	}

	if err := env.manager.Cancel(ctx, "c"); err != nil {
		t.Errorf("second cancel should be a no-op, got %v", err)
	}
}

func TestManager_CancelKillsProcessTree(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "child-survived")
	engine := writeEngine(t, fmt.Sprintf(`
( sleep 1; touch %q ) &
echo started
wait`, marker))

	env := newTestEnv(t, engine, nil)
	env.submit(t, "tree")
	env.waitFor(t, "tree", 5*time.Second, func(task domain.Task) bool { return outputContains(task, "started") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.manager.Cancel(ctx, "tree"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("grandchild survived cancellation (stat err: %v)", err)
	}
}

func TestManager_Timeouts(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		tweak    func(*Config)
		expected domain.Reason
	}{
		{
			name:     "no output at all",
			body:     "sleep 30",
			tweak:    func(c *Config) { c.FirstOutputTimeout = 200 * time.Millisecond },
			expected: domain.ReasonTimeoutNoOutput,
		},
		{
			name:     "stalls after output",
			body:     "echo '[download]   1.0% of 10.00MiB'\nsleep 30",
			tweak:    func(c *Config) { c.IdleTimeout = 200 * time.Millisecond },
			expected: domain.ReasonTimeoutIdle,
		},
		{
			name:     "output closed but process lingers",
			body:     "echo done\nexec >/dev/null 2>&1\nsleep 30",
			tweak:    func(c *Config) { c.WaitTimeout = 200 * time.Millisecond },
			expected: domain.ReasonTimeoutWait,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, writeEngine(t, tt.body), tt.tweak)
			begin := time.Now()
			env.submit(t, "slow")
			task := env.waitTerminal(t, "slow", 10*time.Second)

			if task.Status != domain.StatusTimeout(tt.expected) {
				t.Errorf("expected %s, got %+v", tt.expected, task.Status)
			}
			if !task.Status.IsTimeout() {
				t.Error("status should report as timeout")
			}
			if elapsed := time.Since(begin); elapsed > 5*time.Second {
				t.Errorf("timeout took %s", elapsed)
			}
		})
	}
}

func TestManager_PanicBecomesInternalError(t *testing.T) {
	env := newTestEnv(t, writeEngine(t, "echo hi\nsleep 30"), func(c *Config) {
		c.Snapshots = panickingSnapshotter{}
	})
	env.submit(t, "boom")
	task := env.waitTerminal(t, "boom", 10*time.Second)

	if task.Status.Reason != domain.ReasonInternal {
		t.Fatalf("expected internal error, got %+v", task.Status)
	}
	if !strings.Contains(task.Status.Detail, "snapshot exploded") {
		t.Errorf("panic detail not recorded: %q", task.Status.Detail)
	}
}

func TestManager_EnqueueUnknownTask(t *testing.T) {
	env := newTestEnv(t, "true", nil)
	err := env.manager.Enqueue(context.Background(), "ghost")
	if !errors.Is(err, repository.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestManager_CancelAll(t *testing.T) {
	env := newTestEnv(t, writeEngine(t, "echo up\nsleep 30"), nil)
	for _, id := range []string{"a", "b", "c"} {
		env.submit(t, id)
	}
	for _, id := range []string{"a", "b", "c"} {
		env.waitFor(t, id, 5*time.Second, func(task domain.Task) bool { return outputContains(task, "up") })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env.manager.CancelAll(ctx)

	for _, id := range []string{"a", "b", "c"} {
		task, _ := env.store.Get(id)
		if task.Status != domain.StatusCancelled() {
			t.Errorf("%s: expected cancelled, got %s", id, task.Status)
		}
		if env.manager.IsActive(id) {
			t.Errorf("%s still active", id)
		}
	}
}
