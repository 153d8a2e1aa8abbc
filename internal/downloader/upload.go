package downloader

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/storage"
)

// offload copies the finished task's files to object storage and returns the
// remote location. shortcut is the written .url file, if any; it is sent
// along even when it had to go to the fallback directory.
func (m *manager) offload(ctx context.Context, task domain.Task, shortcut string, logger *logrus.Entry) (string, error) {
	if m.storage == nil || m.cfg.UploadOptions.Bucket == "" {
		return "", nil
	}
	if task.FilePath == "" {
		return "", fmt.Errorf("no destination file known")
	}

	files, err := storage.TaskFiles(task.FilePath)
	if err != nil {
		return "", err
	}
	if shortcut != "" && !slices.Contains(files, shortcut) {
		files = append(files, shortcut)
	}

	upload := m.cfg.UploadOptions.ForTask(task.ID, m.downloadRoot(task), files)
	logger.Infof("uploading %d files to %s", len(files), upload.Location())
	res, err := m.storage.Upload(ctx, upload)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	logger.Infof("uploaded %d objects (%s) to %s", res.Objects, formatBytes(res.Bytes), res.Location)
	return res.Location, nil
}

// downloadRoot is the configured directory the task's file was written
// below, so object keys mirror the on-disk layout from there.
func (m *manager) downloadRoot(task domain.Task) string {
	candidates := []string{m.cfg.Dirs.Regular, m.cfg.Dirs.Fallback}
	if task.Kind == domain.KindVOD {
		candidates = []string{m.cfg.Dirs.VOD, m.cfg.Dirs.Fallback}
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(dir, task.FilePath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return dir
		}
	}
	return filepath.Dir(task.FilePath)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
