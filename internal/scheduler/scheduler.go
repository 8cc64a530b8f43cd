package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/cache"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
)

// Scheduler runs the periodic cache sweep, deleting entries past the
// configured retention.
type Scheduler struct {
	cache     cache.Service
	c         *cron.Cron
	logger    *slog.Logger
	spec      string
	retention time.Duration
}

// New creates a scheduler from the config.
func New(cacheSvc cache.Service, cfg *config.Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cache:     cacheSvc,
		c:         cron.New(),
		logger:    logger.With("component", "scheduler"),
		spec:      cfg.Scheduler.CacheSweepCron,
		retention: time.Duration(cfg.Scheduler.CacheRetentionDays) * 24 * time.Hour,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.c.AddFunc(s.spec, s.sweep)
	if err != nil {
		return err
	}
	s.c.Start()
	s.logger.Info("Cache sweep scheduled", "cron", s.spec, "retention", s.retention)
	return nil
}

func (s *Scheduler) sweep() {
	retention := s.retention
	deleted, err := s.cache.Clear(&retention)
	if err != nil {
		s.logger.Error("Cache sweep failed", "error", err)
		return
	}
	s.logger.Info("Cache sweep finished", "deleted", deleted)
}

// Stop stops the cron loop.
func (s *Scheduler) Stop() {
	s.c.Stop()
}
