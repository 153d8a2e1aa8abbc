package downloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/fsutil"
)

// DefaultCommonArgs keep yt-dlp quiet, line-buffered and persistent across
// flaky connections.
var DefaultCommonArgs = []string{
	"--newline",
	"-i",
	"--no-warnings",
	"--write-sub",
	"--write-auto-sub",
	"--sub-lang", "en,en-US,en-GB",
	"--embed-subs",
	"--convert-subs=srt",
	"--ignore-config",
	"--no-mtime",
	"--force-ipv4",
	"--socket-timeout", "30",
	"--retries", "10",
	"--fragment-retries", "10",
	"--retry-sleep", "3",
}

// DefaultFormat prefers AV1, then VP9, HEVC and H.264 at 1080p or better.
const DefaultFormat = "bestvideo[vcodec^=av01][height>=1080]+bestaudio/" +
	"bestvideo[vcodec^=av01]+bestaudio/" +
	"bestvideo[vcodec=vp9.2][height>=1080]+bestaudio/" +
	"bestvideo[vcodec=vp9][height>=1080]+bestaudio/" +
	"bestvideo[vcodec^=hev][height>=1080]+bestaudio/" +
	"bestvideo[vcodec^=avc][height>=1080]+bestaudio/" +
	"bestvideo+bestaudio/" +
	"best"

// DefaultHelperArgs are passed to aria2c. --summary-interval=1 is what makes
// aria2c report progress often enough to drive the idle timer.
const DefaultHelperArgs = "--console-log-level=error " +
	"--summary-interval=1 " +
	"--continue=true " +
	"--max-connection-per-server=16 " +
	"--min-split-size=1M " +
	"--split=16 " +
	"--max-concurrent-downloads=16 " +
	"--max-tries=10 " +
	"--retry-wait=3 " +
	"--timeout=30 " +
	"--connect-timeout=30 " +
	"--max-file-not-found=5 " +
	"--allow-overwrite=false " +
	"--auto-file-renaming=true " +
	"--file-allocation=none"

// DefaultMaxFilenameLength is passed to --trim-filenames.
const DefaultMaxFilenameLength = 50

// EngineConfig describes how the download engine is invoked. It is static
// configuration; only the URL, kind, date and directory vary per task.
type EngineConfig struct {
	Binary            string
	Helper            string
	HelperArgs        string
	Format            string
	CommonArgs        []string
	MaxFilenameLength int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Binary == "" {
		c.Binary = "yt-dlp"
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.CommonArgs == nil {
		c.CommonArgs = DefaultCommonArgs
	}
	if c.HelperArgs == "" {
		c.HelperArgs = DefaultHelperArgs
	}
	if c.MaxFilenameLength <= 0 {
		c.MaxFilenameLength = DefaultMaxFilenameLength
	}
	return c
}

// Dirs are the download targets per kind. Fallback is used whenever the
// configured directory is not writable, e.g. an unmounted network share.
type Dirs struct {
	Regular  string
	VOD      string
	Fallback string
}

// OutputTemplate returns the yt-dlp -o template for a task written below dir.
func OutputTemplate(dir string, kind domain.Kind, date string, maxFilenameLength int) string {
	file := "%(title).50s.%(ext)s"
	switch {
	case kind == domain.KindVOD && date != "":
		return filepath.Join(dir, fsutil.Sanitize(date, maxFilenameLength)+" - %(title).30s", file)
	case kind == domain.KindVOD:
		return filepath.Join(dir, "%(upload_date>%Y-%m-%d)s - %(title).30s", file)
	default:
		return filepath.Join(dir, "%(title).50s", file)
	}
}

// BuildArgs assembles the full engine argv (without the binary) for task.
func (c EngineConfig) BuildArgs(task domain.Task, dir string) []string {
	c = c.withDefaults()

	args := make([]string, 0, len(c.CommonArgs)+24)
	args = append(args, c.CommonArgs...)
	args = append(args, "-f", c.Format, "--merge-output-format", "mkv")
	if c.Helper != "" {
		args = append(args,
			"--external-downloader", c.Helper,
			"--external-downloader-args", c.Helper+":"+c.HelperArgs,
		)
	}
	args = append(args, "--embed-thumbnail", "--embed-metadata", "--embed-chapters")
	args = append(args,
		"-o", OutputTemplate(dir, task.Kind, task.Date, c.MaxFilenameLength),
		"--restrict-filenames",
		"--windows-filenames",
		"--trim-filenames", strconv.Itoa(c.MaxFilenameLength),
		task.URL,
	)
	return args
}

// resolve picks the directory for kind. The returned note is non-empty when
// the fallback had to be used.
func (d Dirs) resolve(kind domain.Kind) (string, string, error) {
	target := d.Regular
	if kind == domain.KindVOD && d.VOD != "" {
		target = d.VOD
	}
	if target != "" {
		if fsutil.IsWritableDir(target) {
			return target, "", nil
		}
		if err := os.MkdirAll(target, 0o755); err == nil && fsutil.IsWritableDir(target) {
			return target, "", nil
		}
	}

	fallback := d.Fallback
	if fallback == "" {
		fallback = "downloads"
	}
	if err := os.MkdirAll(fallback, 0o755); err != nil {
		return "", "", fmt.Errorf("create fallback dir: %w", err)
	}
	if target == "" || target == fallback {
		return fallback, "", nil
	}
	return fallback, fmt.Sprintf("download directory %s not available, using %s", target, fallback), nil
}
