// Package scheduler runs the housekeeping jobs: audit retention purge and
// rule cache warming.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eugenelo428937/Admin3-sub006/internal/config"
	"github.com/eugenelo428937/Admin3-sub006/internal/database"
	"github.com/eugenelo428937/Admin3-sub006/internal/engine"
	"github.com/eugenelo428937/Admin3-sub006/internal/metrics"
	"github.com/eugenelo428937/Admin3-sub006/internal/rules"
)

// Scheduler owns the cron runner for the service's periodic jobs.
type Scheduler struct {
	config   config.SchedulerConfig
	logger   *slog.Logger
	cron     *cron.Cron
	execRepo *database.ExecutionRepository
	provider *rules.Provider
	metrics  *metrics.Collector
}

// New creates the housekeeping scheduler. Jobs are registered in Start.
func New(
	cfg config.SchedulerConfig,
	logger *slog.Logger,
	execRepo *database.ExecutionRepository,
	provider *rules.Provider,
	collector *metrics.Collector,
) *Scheduler {
	return &Scheduler{
		config:   cfg,
		logger:   logger,
		cron:     cron.New(),
		execRepo: execRepo,
		provider: provider,
		metrics:  collector,
	}
}

// Start registers the jobs and launches the cron runner. A scheduler with
// enabled=false starts nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.config.PurgeSchedule, func() { s.purgeAudit(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.config.CacheWarmSchedule, func() { s.warmCache(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Scheduler started",
		"purge_schedule", s.config.PurgeSchedule,
		"cache_warm_schedule", s.config.CacheWarmSchedule,
		"audit_retention_days", s.config.AuditRetentionDays)
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) purgeAudit(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.AuditRetentionDays)
	purged, err := s.execRepo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Audit purge failed", "error", err)
		return
	}
	s.metrics.AuditPurged(purged)
}

func (s *Scheduler) warmCache(ctx context.Context) {
	s.provider.Warm(ctx, engine.EntryPoints)
	s.metrics.CacheRefresh("warm")
}
