package classifier

import (
	"testing"
	"time"

	"ytdlp-web/internal/domain"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ptrValue[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func TestClassify_DownloadProgressLine(t *testing.T) {
	c := New(nil, nil)
	d := c.Classify(Context{Kind: domain.KindRegular}, "[download]  45.2% of 123.45MiB at 2.34MiB/s ETA 00:30")

	if d.Progress == nil || *d.Progress != 45.2 {
		t.Errorf("expected progress 45.2, got %v", ptrValue(d.Progress))
	}
	if d.FileSize == nil || *d.FileSize != "123.45MiB" {
		t.Errorf("expected file size 123.45MiB, got %v", ptrValue(d.FileSize))
	}
	if d.Speed == nil || *d.Speed != "2.34MiB/s" {
		t.Errorf("expected speed 2.34MiB/s, got %v", ptrValue(d.Speed))
	}
	if d.ETA == nil || *d.ETA != "00:30" {
		t.Errorf("expected eta 00:30, got %v", ptrValue(d.ETA))
	}
	if d.Title != nil || d.DestinationPath != nil {
		t.Error("progress line should not produce a destination")
	}
	if d.Severity != SeverityNone {
		t.Errorf("expected no severity, got %v", d.Severity)
	}
}

func TestClassify_Destination(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		currentTitle string
		wantPath     string
		wantTitle    any
	}{
		{
			name:      "unix path",
			line:      "[download] Destination: /srv/dl/My_Video/My_Video.f137.mp4",
			wantPath:  "/srv/dl/My_Video/My_Video.f137.mp4",
			wantTitle: "My_Video",
		},
		{
			name:      "windows share path",
			line:      `[download] Destination: \\nas\share\ALL TO SORT\Some Title\Some Title.mkv`,
			wantPath:  `\\nas\share\ALL TO SORT\Some Title\Some Title.mkv`,
			wantTitle: "Some Title",
		},
		{
			name:      "merger announcement",
			line:      `[Merger] Merging formats into "/srv/dl/2024-01-02 - Stream/Stream.mkv"`,
			wantPath:  "/srv/dl/2024-01-02 - Stream/Stream.mkv",
			wantTitle: "2024-01-02 - Stream",
		},
		{
			name:         "title unchanged is not re-emitted",
			line:         "[download] Destination: /srv/dl/Same/Same.mkv",
			currentTitle: "Same",
			wantPath:     "/srv/dl/Same/Same.mkv",
			wantTitle:    nil,
		},
		{
			name:      "bare file name yields no title",
			line:      "[download] Destination: video.mkv",
			wantPath:  "video.mkv",
			wantTitle: nil,
		},
	}

	c := New(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(Context{Kind: domain.KindRegular, Title: tt.currentTitle}, tt.line)
			if d.DestinationPath == nil || *d.DestinationPath != tt.wantPath {
				t.Errorf("expected path %q, got %v", tt.wantPath, ptrValue(d.DestinationPath))
			}
			if got := ptrValue(d.Title); got != tt.wantTitle {
				t.Errorf("expected title %v, got %v", tt.wantTitle, got)
			}
		})
	}
}

func TestClassify_Aria2Summary(t *testing.T) {
	c := New(nil, nil)
	d := c.Classify(Context{}, "[#2089b0 400.0KiB/33.2MiB(12%) CN:16 DL:1.2MiB ETA:26s]")

	if d.Progress == nil || *d.Progress != 12 {
		t.Errorf("expected progress 12, got %v", ptrValue(d.Progress))
	}
	if d.Speed == nil || *d.Speed != "1.2MiB" {
		t.Errorf("expected speed 1.2MiB, got %v", ptrValue(d.Speed))
	}
}

func TestClassify_FFmpegProgress(t *testing.T) {
	c := New(nil, nil)
	d := c.Classify(Context{}, "frame= 1200 fps=240 q=-1.0 size=   10240kB time=00:00:50.04 bitrate=1676.3kbits/s speed=10.0x")

	if d.ProcessingTime == nil || *d.ProcessingTime != "00:00:50.04" {
		t.Errorf("unexpected processing time %v", ptrValue(d.ProcessingTime))
	}
	if d.ProcessingSpeed == nil || *d.ProcessingSpeed != "10.0x" {
		t.Errorf("unexpected processing speed %v", ptrValue(d.ProcessingSpeed))
	}
	if d.Progress != nil {
		t.Error("ffmpeg line should not report download progress")
	}
}

func TestClassify_Severity(t *testing.T) {
	tests := []struct {
		line     string
		expected Severity
	}{
		{"ERROR: [youtube] abc: Private video. Sign in if you've been granted access", SeverityWarning},
		{"ERROR: Private video", SeverityCritical},
		{"ERROR: unable to download video data: HTTP Error 403: Forbidden", SeverityCritical},
		{"ERROR: [generic] HTTP Error 404: Not Found", SeverityCritical},
		{"WARNING: [youtube] Falling back to generic n function search", SeverityWarning},
		{"[youtube] abc123: Downloading webpage", SeverityNone},
	}

	c := New(nil, nil)
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if got := c.Classify(Context{}, tt.line).Severity; got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestClassify_IgnorablePatternSuppressed(t *testing.T) {
	c := New(nil, nil)
	lines := []string{
		"ERROR: Cannot write internet shortcut file /share/Title/Title.url",
		"WARNING: Unable to write URL link: permission denied",
	}
	for _, line := range lines {
		d := c.Classify(Context{}, line)
		if !d.Empty() {
			t.Errorf("expected empty delta for %q, got %+v", line, d)
		}
		if d.Severity != SeverityNone {
			t.Errorf("expected no severity for %q, got %v", line, d.Severity)
		}
	}
}

func TestClassify_ConfigurablePatterns(t *testing.T) {
	c := New([]string{"Sign In To Confirm"}, []string{})

	if got := c.Classify(Context{}, "ERROR: Sign in to confirm your age").Severity; got != SeverityCritical {
		t.Errorf("custom critical pattern not applied, got %v", got)
	}
	if got := c.Classify(Context{}, "ERROR: cannot write internet shortcut").Severity; got != SeverityWarning {
		t.Errorf("empty ignore list should not suppress, got %v", got)
	}
	if got := c.Classify(Context{}, "ERROR: Private video").Severity; got != SeverityWarning {
		t.Errorf("default critical list should be replaced, got %v", got)
	}
}

func TestClassify_UnrecognizedLine(t *testing.T) {
	c := New(nil, nil)
	for _, line := range []string{"", "   ", "[info] abc123: Downloading 1 format(s): 401+251"} {
		if d := c.Classify(Context{}, line); !d.Empty() {
			t.Errorf("expected empty delta for %q, got %+v", line, d)
		}
	}
}

func TestDelta_Apply(t *testing.T) {
	task := domain.NewTask("t", domain.KindRegular, "u", "", testTime)
	task.SetProgress(50)

	low := 10.0
	speed := "1MiB/s"
	path := "/x/T/T.mkv"
	title := "T"
	Delta{Progress: &low, Speed: &speed, DestinationPath: &path, Title: &title}.Apply(&task)

	if task.Progress != 50 {
		t.Errorf("progress went backwards: %v", task.Progress)
	}
	if task.Speed != speed || task.FilePath != path || task.Title != title {
		t.Errorf("delta not applied: %+v", task)
	}
}
