package service

import (
	"context"

	"ytdlp-web/internal/downloader"
)

const (
	ApplicationName    = "YT-DLP Web Downloader"
	ApplicationVersion = "2.0.0"
)

type Health struct {
	Status          string                  `json:"status"`
	Dependencies    downloader.Dependencies `json:"dependencies"`
	ActiveTasks     int                     `json:"active_tasks"`
	TotalTasks      int                     `json:"total_tasks"`
	ActiveProcesses int                     `json:"active_processes"`
	Config          HealthConfig            `json:"config"`
}

type HealthConfig struct {
	MaxTasks       int     `json:"max_tasks"`
	RetentionHours float64 `json:"retention_hours"`
	DownloadPath   string  `json:"download_path"`
	VODPath        string  `json:"vod_path"`
}

// Healthy reports whether every required tool is installed.
func (h Health) Healthy() bool {
	return h.Dependencies.AllOK
}

type Info struct {
	Application             string                  `json:"application"`
	Version                 string                  `json:"version"`
	Features                map[string]bool         `json:"features"`
	SupportedCodecsPriority []string                `json:"supported_codecs_priority"`
	SupportedPlatforms      []string                `json:"supported_platforms"`
	Dependencies            downloader.Dependencies `json:"dependencies"`
	Configuration           InfoConfig              `json:"configuration"`
}

type InfoConfig struct {
	MaxConcurrentConnections int     `json:"max_concurrent_connections"`
	MaxTasks                 int     `json:"max_tasks"`
	RetentionHours           float64 `json:"retention_hours"`
	RemoteStorage            bool    `json:"remote_storage"`
}

func (s *taskService) Health(ctx context.Context) Health {
	deps := downloader.CheckDependencies(ctx, s.cfg.EngineBinary, s.cfg.HelperBinary)

	tasks := s.deps.Store.List()
	active, processes := 0, 0
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			active++
		}
		if s.deps.Manager.IsActive(task.ID) {
			processes++
		}
	}

	status := "healthy"
	if !deps.AllOK {
		status = "degraded"
	}
	return Health{
		Status:          status,
		Dependencies:    deps,
		ActiveTasks:     active,
		TotalTasks:      len(tasks),
		ActiveProcesses: processes,
		Config: HealthConfig{
			MaxTasks:       s.cfg.MaxTasks,
			RetentionHours: s.cfg.Retention.Hours(),
			DownloadPath:   s.cfg.DownloadPath,
			VODPath:        s.cfg.VODPath,
		},
	}
}

func (s *taskService) Info(ctx context.Context) Info {
	deps := downloader.CheckDependencies(ctx, s.cfg.EngineBinary, s.cfg.HelperBinary)
	return Info{
		Application: ApplicationName,
		Version:     ApplicationVersion,
		Features: map[string]bool{
			"aria2c_acceleration":  deps.Helper.Installed,
			"av1_codec_priority":   true,
			"subtitle_download":    true,
			"url_shortcut_saving":  true,
			"metadata_embedding":   true,
			"thumbnail_embedding":  true,
			"chapter_embedding":    true,
			"progress_tracking":    true,
			"eta_display":          true,
			"concurrent_downloads": true,
			"remote_offload":       s.deps.Storage != nil && s.cfg.StorageBucket != "",
			"task_history":         s.deps.History != nil,
		},
		SupportedCodecsPriority: []string{"AV1", "VP9.2", "VP9", "HEVC/H.265", "H.264"},
		SupportedPlatforms:      SupportedDomains,
		Dependencies:            deps,
		Configuration: InfoConfig{
			MaxConcurrentConnections: 16,
			MaxTasks:                 s.cfg.MaxTasks,
			RetentionHours:           s.cfg.Retention.Hours(),
			RemoteStorage:            s.deps.Storage != nil && s.cfg.StorageBucket != "",
		},
	}
}
