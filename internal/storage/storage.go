package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions names the bucket and the key prefix finished downloads are
// offloaded under.
type UploadOptions struct {
	Bucket    string
	KeyPrefix string
}

// TaskUpload is the set of files one finished task sends to the bucket. Each
// file is stored as <Prefix>/<path below Root>.
type TaskUpload struct {
	TaskID string
	Bucket string
	Prefix string
	Root   string
	Files  []string
}

// Uploaded summarizes a completed TaskUpload.
type Uploaded struct {
	Location string
	Objects  int
	Bytes    int64
}

// Service offloads finished downloads to remote object storage.
type Service interface {
	Upload(ctx context.Context, upload TaskUpload) (Uploaded, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// ForTask places a task's files under <KeyPrefix>/<taskID>.
func (o UploadOptions) ForTask(taskID, root string, files []string) TaskUpload {
	prefix := taskID
	if p := strings.Trim(o.KeyPrefix, "/"); p != "" {
		prefix = p + "/" + taskID
	}
	return TaskUpload{
		TaskID: taskID,
		Bucket: o.Bucket,
		Prefix: prefix,
		Root:   root,
		Files:  files,
	}
}

// Key returns the object key for a local file. Files outside Root keep only
// their base name so a key can never climb out of the task prefix.
func (u TaskUpload) Key(file string) string {
	rel, err := filepath.Rel(u.Root, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(file)
	}
	return path.Join(u.Prefix, filepath.ToSlash(rel))
}

func (u TaskUpload) Location() string {
	return fmt.Sprintf("s3://%s/%s", u.Bucket, u.Prefix)
}

// ParseLocation splits an "s3://bucket/prefix" location. The bucket must
// match when one is given.
func ParseLocation(location, bucket string) (string, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", fmt.Errorf("invalid s3 location")
	}
	name, prefix, found := strings.Cut(rest, "/")
	if name == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && name != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	prefix = strings.Trim(prefix, "/")
	if !found || prefix == "" {
		return "", fmt.Errorf("s3 prefix missing")
	}
	return prefix, nil
}

// formatSuffixRe matches the per-format part yt-dlp adds before merging,
// e.g. ".f137" in "Clip.f137.mp4".
var formatSuffixRe = regexp.MustCompile(`\.f\d+$`)

// TaskFiles lists the finished files that belong to the download at dest:
// every file in its directory sharing its stem, such as the merged video,
// the .url shortcut or subtitles. Partial leftovers are skipped.
func TaskFiles(dest string) ([]string, error) {
	dir := filepath.Dir(dest)
	name := filepath.Base(dest)
	stem := formatSuffixRe.ReplaceAllString(strings.TrimSuffix(name, filepath.Ext(name)), "")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read download dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || isPartial(entry.Name()) {
			continue
		}
		if entry.Name() == stem || strings.HasPrefix(entry.Name(), stem+".") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no finished files for %s", name)
	}
	return files, nil
}

// isPartial matches leftovers of interrupted engine runs.
func isPartial(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".part", ".ytdl", ".aria2", ".temp":
		return true
	}
	return false
}
