package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ytdlp-web/internal/fsutil"
)

const shortcutAttempts = 3

// shortcutWriter places an Internet Shortcut (.url) next to a finished
// download. Network shares fail intermittently, so writes are retried with
// exponential backoff and finally redirected to the fallback directory.
type shortcutWriter struct {
	fallbackDir string
	backoff     time.Duration
	writeFile   func(name string, data []byte, perm os.FileMode) error
}

func newShortcutWriter(fallbackDir string) *shortcutWriter {
	return &shortcutWriter{
		fallbackDir: fallbackDir,
		backoff:     time.Second,
		writeFile:   os.WriteFile,
	}
}

// newBackOff doubles the wait after every failed attempt, without jitter.
func (w *shortcutWriter) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = w.backoff << shortcutAttempts
	b.MaxElapsedTime = 0
	return b
}

func shortcutContent(url string) []byte {
	return []byte(fmt.Sprintf("[InternetShortcut]\nURL=%s\n", url))
}

// Write returns the path of the shortcut that was written.
func (w *shortcutWriter) Write(ctx context.Context, mediaPath, url string) (string, error) {
	if mediaPath == "" {
		return "", fmt.Errorf("no destination file known")
	}
	content := shortcutContent(url)
	target := fsutil.ReplaceExt(mediaPath, ".url")

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = w.writeFile(target, content, 0o644)
		return lastErr
	}, backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), shortcutAttempts-1), ctx))
	if err == nil {
		return target, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if w.fallbackDir == "" {
		return "", fmt.Errorf("write shortcut %s: %w", target, lastErr)
	}
	if err := os.MkdirAll(w.fallbackDir, 0o755); err != nil {
		return "", fmt.Errorf("create shortcut fallback dir: %w", err)
	}
	fallback := filepath.Join(w.fallbackDir, filepath.Base(target))
	if err := w.writeFile(fallback, content, 0o644); err != nil {
		return "", fmt.Errorf("write shortcut %s (fallback after %v): %w", fallback, lastErr, err)
	}
	return fallback, nil
}
