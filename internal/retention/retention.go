// Package retention runs the periodic audit log maintenance job.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/iliyamo/agent-gateway/internal/metrics"
)

// AuditStore is the subset of the audit repository the job uses.
type AuditStore interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	FailStalePending(ctx context.Context, olderThan time.Time) (int64, error)
	CountByStatusSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

type Options struct {
	Schedule   string        // robfig/cron spec, e.g. "@every 1h" or "15 3 * * *"
	AuditDays  int           // finalized records older than this are deleted; <= 0 keeps all
	StaleAfter time.Duration // pending records older than this are marked failed
}

// Report summarises one run.
type Report struct {
	Purged int64
	Stale  int64
	Last24 map[string]int64
}

type Job struct {
	store   AuditStore
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewJob(store AuditStore, m *metrics.Metrics, opts Options) *Job {
	if opts.Schedule == "" {
		opts.Schedule = "@every 1h"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &Job{store: store, opts: opts, metrics: m, now: time.Now}
}

// RunOnce performs a single maintenance pass.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	now := j.now().UTC()
	var rep Report
	var err error

	if rep.Stale, err = j.store.FailStalePending(ctx, now.Add(-j.opts.StaleAfter)); err != nil {
		return rep, fmt.Errorf("fail stale pending: %w", err)
	}
	if j.opts.AuditDays > 0 {
		cutoff := now.AddDate(0, 0, -j.opts.AuditDays)
		if rep.Purged, err = j.store.PurgeOlderThan(ctx, cutoff); err != nil {
			return rep, fmt.Errorf("purge audit: %w", err)
		}
		j.metrics.AuditPurged(rep.Purged)
	}
	if rep.Last24, err = j.store.CountByStatusSince(ctx, now.Add(-24*time.Hour)); err != nil {
		return rep, fmt.Errorf("audit stats: %w", err)
	}
	return rep, nil
}

// Start schedules the job and blocks until ctx is cancelled.
func (j *Job) Start(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(j.opts.Schedule, func() {
		rep, err := j.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("retention run failed")
			return
		}
		log.Info().
			Int64("purged", rep.Purged).
			Int64("stale_failed", rep.Stale).
			Interface("last_24h", rep.Last24).
			Msg("retention run finished")
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", j.opts.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
