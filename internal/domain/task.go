package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes regular downloads from dated archive (VOD) downloads.
type Kind string

const (
	KindRegular Kind = "regular"
	KindVOD     Kind = "vod"
)

const (
	// MaxOutputLines bounds Task.Output; the oldest lines are dropped first.
	MaxOutputLines = 200
	// DefaultTitle is shown until the engine announces a destination.
	DefaultTitle = "Processing..."
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Task represents one submitted download job tracked by the system.
type Task struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"type"`
	URL             string    `json:"url"`
	Date            string    `json:"date,omitempty"`
	Status          Status    `json:"status"`
	Output          []string  `json:"output"`
	Progress        float64   `json:"progress"`
	Speed           string    `json:"speed,omitempty"`
	ETA             string    `json:"eta,omitempty"`
	FileSize        string    `json:"file_size,omitempty"`
	ProcessingTime  string    `json:"processing_time,omitempty"`
	ProcessingSpeed string    `json:"processing_speed,omitempty"`
	Title           string    `json:"title"`
	FilePath        string    `json:"file_path,omitempty"`
	RemoteLocation  string    `json:"remote_location,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// NewTask returns a task in the initializing state.
func NewTask(id string, kind Kind, url, date string, now time.Time) Task {
	return Task{
		ID:        id,
		Kind:      kind,
		URL:       url,
		Date:      date,
		Status:    StatusInitializing(),
		Output:    []string{},
		Title:     DefaultTitle,
		CreatedAt: now,
	}
}

// AppendOutput adds a line, evicting the oldest entries beyond MaxOutputLines.
func (t *Task) AppendOutput(line string) {
	t.Output = append(t.Output, line)
	if over := len(t.Output) - MaxOutputLines; over > 0 {
		kept := make([]string, MaxOutputLines)
		copy(kept, t.Output[over:])
		t.Output = kept
	}
}

// Logf appends a "[HH:MM:SS] message" line.
func (t *Task) Logf(now time.Time, format string, args ...any) {
	t.AppendOutput(fmt.Sprintf("[%s] %s", now.Format("15:04:05"), fmt.Sprintf(format, args...)))
}

// SetProgress raises progress, clamped to [0,100]. Lower values are ignored.
func (t *Task) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p > t.Progress {
		t.Progress = p
	}
}

// SetStatus moves the task along the state machine. Terminal statuses are final
// and non-terminal phases can only move forward.
func (t *Task) SetStatus(next Status) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	if !next.IsTerminal() && next.Phase.rank() < t.Status.Phase.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (t Task) Clone() Task {
	out := t
	out.Output = make([]string, len(t.Output))
	copy(out.Output, t.Output)
	return out
}

// Runtime reports the time elapsed since creation.
func (t Task) Runtime(now time.Time) time.Duration {
	if t.CreatedAt.IsZero() {
		return 0
	}
	if !t.FinishedAt.IsZero() {
		return t.FinishedAt.Sub(t.CreatedAt)
	}
	return now.Sub(t.CreatedAt)
}
