// Package retention prunes old and excess tasks from the store.
package retention

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ytdlp-web/internal/repository"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultMaxTasks      = 50
	DefaultCancelTimeout = 10 * time.Second
)

// Canceller stops a running task. Implemented by downloader.Manager.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) error
	IsActive(taskID string) bool
}

type Config struct {
	Retention time.Duration
	// CancelTimeout bounds the wait for each expired task that is still running.
	CancelTimeout time.Duration
	Logger        *logrus.Logger
}

type Policy struct {
	cfg       Config
	store     repository.TaskStore
	canceller Canceller
	now       func() time.Time
}

func NewPolicy(cfg Config, store repository.TaskStore, canceller Canceller) *Policy {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Policy{
		cfg:       cfg,
		store:     store,
		canceller: canceller,
		now:       time.Now,
	}
}

// Sweep removes every task created more than the retention window ago.
// Tasks that are still running are cancelled before removal.
func (p *Policy) Sweep(ctx context.Context) int {
	cutoff := p.now().Add(-p.cfg.Retention)
	removed := 0
	for _, task := range p.store.List() {
		if !task.CreatedAt.Before(cutoff) {
			continue
		}
		logger := p.cfg.Logger.WithField("task_id", task.ID)
		if p.canceller != nil && (p.canceller.IsActive(task.ID) || !task.Status.IsTerminal()) {
			cancelCtx, cancel := context.WithTimeout(ctx, p.cfg.CancelTimeout)
			if err := p.canceller.Cancel(cancelCtx, task.ID); err != nil {
				logger.Warnf("cancel expired task: %v", err)
			}
			cancel()
		}
		if p.store.Remove(task.ID) {
			removed++
			logger.Debug("expired task removed")
		}
	}
	if removed > 0 {
		p.cfg.Logger.Infof("removed %d expired tasks", removed)
	}
	return removed
}

// EnforceCapacity removes the oldest terminal tasks until at most max
// remain. Tasks that have not reached a terminal status are never evicted,
// so the store may stay above max.
func (p *Policy) EnforceCapacity(ctx context.Context, max int) int {
	if max < 0 {
		max = 0
	}
	tasks := p.store.List()
	excess := len(tasks) - max
	removed := 0
	for _, task := range tasks {
		if excess <= 0 || ctx.Err() != nil {
			break
		}
		if !task.Status.IsTerminal() {
			continue
		}
		if p.store.Remove(task.ID) {
			removed++
			excess--
		}
	}
	if removed > 0 {
		p.cfg.Logger.Infof("evicted %d tasks to stay within capacity %d", removed, max)
	}
	return removed
}
