// Package classifier turns single lines of download engine output into
// structured task deltas. The patterns here are the de facto wire contract
// with yt-dlp, aria2c and ffmpeg and must follow their output formats.
package classifier

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/fsutil"
)

// Severity of an error or warning line.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// DefaultCriticalPatterns mark a download as failed even if the engine exits 0.
var DefaultCriticalPatterns = []string{
	"error: unable to download",
	"error: video not available",
	"error: private video",
	"error: this video is not available",
	"http error 404",
	"http error 403",
}

// DefaultIgnorePatterns are messages about shortcut files that the service
// writes itself.
var DefaultIgnorePatterns = []string{
	"cannot write internet shortcut",
	"write url link",
}

const maxTitleLength = 50

var (
	destinationRe = regexp.MustCompile(`Destination:\s+(.+)`)
	mergerRe      = regexp.MustCompile(`Merging formats into\s+"(.+)"`)
	percentRe     = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	sizeRe        = regexp.MustCompile(`of\s+~?\s*([\d.]+\s*[KMGT]i?B)`)
	speedRe       = regexp.MustCompile(`at\s+([\d.]+\s*[KMGT]i?B/s)`)
	aria2SpeedRe  = regexp.MustCompile(`\[?DL:([^\]\s]+)`)
	etaRe         = regexp.MustCompile(`ETA\s+(\d+:\d+(?::\d+)?)`)
	ffmpegTimeRe  = regexp.MustCompile(`time=(\d+:\d+:\d+\.\d+)`)
	ffmpegSpeedRe = regexp.MustCompile(`speed=\s*([\d.]+x)`)
)

// Context carries what the classifier may consult about the task.
type Context struct {
	Kind  domain.Kind
	Title string
}

// Delta is the set of fields a line updates. Nil fields are untouched.
type Delta struct {
	Progress        *float64
	Speed           *string
	ETA             *string
	FileSize        *string
	Title           *string
	DestinationPath *string
	ProcessingTime  *string
	ProcessingSpeed *string
	Severity        Severity
}

// Empty reports whether the line produced nothing.
func (d Delta) Empty() bool {
	return d.Progress == nil && d.Speed == nil && d.ETA == nil && d.FileSize == nil &&
		d.Title == nil && d.DestinationPath == nil && d.ProcessingTime == nil &&
		d.ProcessingSpeed == nil && d.Severity == SeverityNone
}

// Apply merges the delta into task. Progress only ever moves forward.
func (d Delta) Apply(task *domain.Task) {
	if d.Progress != nil {
		task.SetProgress(*d.Progress)
	}
	if d.Speed != nil {
		task.Speed = *d.Speed
	}
	if d.ETA != nil {
		task.ETA = *d.ETA
	}
	if d.FileSize != nil {
		task.FileSize = *d.FileSize
	}
	if d.Title != nil {
		task.Title = *d.Title
	}
	if d.DestinationPath != nil {
		task.FilePath = *d.DestinationPath
	}
	if d.ProcessingTime != nil {
		task.ProcessingTime = *d.ProcessingTime
	}
	if d.ProcessingSpeed != nil {
		task.ProcessingSpeed = *d.ProcessingSpeed
	}
}

// Classifier is stateless; the pattern lists are fixed at construction.
type Classifier struct {
	critical []string
	ignore   []string
}

// New builds a classifier. Nil lists fall back to the defaults; an empty,
// non-nil list disables that rule.
func New(critical, ignore []string) *Classifier {
	if critical == nil {
		critical = DefaultCriticalPatterns
	}
	if ignore == nil {
		ignore = DefaultIgnorePatterns
	}
	return &Classifier{
		critical: lowerAll(critical),
		ignore:   lowerAll(ignore),
	}
}

// Classify inspects one trimmed output line.
func (c *Classifier) Classify(ctx Context, line string) Delta {
	var d Delta
	line = strings.TrimSpace(line)
	if line == "" {
		return d
	}
	lower := strings.ToLower(line)

	for _, pattern := range c.ignore {
		if strings.Contains(lower, pattern) {
			return d
		}
	}

	if path := destinationOf(line); path != "" {
		d.DestinationPath = &path
		if title := titleFromPath(path); title != "" && title != ctx.Title {
			d.Title = &title
		}
	}

	switch {
	case strings.Contains(line, "[download]"):
		if m := percentRe.FindStringSubmatch(line); m != nil {
			d.Progress = parsePercent(m[1])
		}
		if m := sizeRe.FindStringSubmatch(line); m != nil {
			d.FileSize = strPtr(m[1])
		}
		if m := speedRe.FindStringSubmatch(line); m != nil {
			d.Speed = strPtr(m[1])
		}
		if m := etaRe.FindStringSubmatch(line); m != nil {
			d.ETA = strPtr(m[1])
		}
	case isAria2Summary(line, lower):
		if m := percentRe.FindStringSubmatch(line); m != nil {
			d.Progress = parsePercent(m[1])
		}
		if m := aria2SpeedRe.FindStringSubmatch(line); m != nil {
			d.Speed = strPtr(m[1])
		}
	case strings.Contains(line, "frame=") && strings.Contains(line, "time="):
		if m := ffmpegTimeRe.FindStringSubmatch(line); m != nil {
			d.ProcessingTime = strPtr(m[1])
		}
		if m := ffmpegSpeedRe.FindStringSubmatch(line); m != nil {
			d.ProcessingSpeed = strPtr(m[1])
		}
	}

	d.Severity = c.severity(lower)
	return d
}

func (c *Classifier) severity(lower string) Severity {
	for _, pattern := range c.critical {
		if strings.Contains(lower, pattern) {
			return SeverityCritical
		}
	}
	if strings.Contains(lower, "error") || strings.Contains(lower, "warning") {
		return SeverityWarning
	}
	return SeverityNone
}

func destinationOf(line string) string {
	if m := destinationRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := mergerRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// titleFromPath names the task after the per-download folder the engine
// writes into.
func titleFromPath(path string) string {
	normalized := strings.ReplaceAll(path, `\`, "/")
	dir := filepath.Base(filepath.Dir(filepath.FromSlash(normalized)))
	if dir == "." || dir == "/" || dir == "" || dir == string(filepath.Separator) {
		return ""
	}
	return fsutil.Sanitize(dir, maxTitleLength)
}

// aria2c summary lines look like "[#2089b0 400.0KiB/33.2MiB(1%) CN:1 DL:115.7KiB ETA:4m46s]".
func isAria2Summary(line, lower string) bool {
	if !strings.Contains(line, "%") {
		return false
	}
	return strings.Contains(lower, "aria2") || (strings.HasPrefix(line, "[#") && strings.Contains(line, "DL:"))
}

func parsePercent(raw string) *float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func strPtr(s string) *string {
	s = strings.TrimSpace(s)
	return &s
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
