// Package scheduler runs the pool's background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
)

// Reconciler restores promotions that did not complete.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// StatsSource reports pool health.
type StatsSource interface {
	Stats(ctx context.Context) (models.PoolStats, error)
}

// Pruner deletes expired events.
type Pruner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Scheduler owns the cron runner. Jobs whose dependency is nil or whose
// schedule is empty are not registered.
type Scheduler struct {
	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	reconciler Reconciler
	stats      StatsSource
	pruner     Pruner
}

// cronLogger adapts the package logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// New registers the configured jobs. It fails on an unparseable schedule.
func New(cfg config.JobsConfig, r Reconciler, s StatsSource, p Pruner) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{
		cron:       cron.New(cron.WithLogger(cronLogger{}), cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		ctx:        ctx,
		cancel:     cancel,
		reconciler: r,
		stats:      s,
		pruner:     p,
	}

	jobs := []struct {
		name string
		spec string
		on   bool
		run  func(context.Context)
	}{
		{"reconcile", cfg.Reconcile, r != nil, sch.RunReconcile},
		{"snapshot", cfg.Snapshot, s != nil, sch.RunSnapshot},
		{"retention", cfg.Retention, p != nil, sch.RunRetention},
	}
	for _, j := range jobs {
		if j.spec == "" || !j.on {
			continue
		}
		run := j.run
		if _, err := sch.cron.AddFunc(j.spec, func() { run(sch.ctx) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
		logger.Debug("scheduled job", "job", j.name, "spec", j.spec)
	}
	return sch, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunReconcile restores pending promotions once.
func (s *Scheduler) RunReconcile(ctx context.Context) {
	n, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		logger.Error("reconcile job failed", "error", err)
		return
	}
	if n > 0 {
		logger.Warn("reconcile job restored promotions", "restored", n)
	}
}

// RunSnapshot logs the pool's health once. An empty pool or backup stock
// is logged as a warning.
func (s *Scheduler) RunSnapshot(ctx context.Context) {
	st, err := s.stats.Stats(ctx)
	if err != nil {
		logger.Error("snapshot job failed", "error", err)
		return
	}
	args := []any{
		"total", st.Total, "healthy", st.Healthy, "rate_limited", st.RateLimited,
		"exhausted", st.Exhausted, "error", st.Errored, "backups", st.BackupsAvailable,
	}
	switch {
	case st.Healthy == 0:
		logger.Error("no selectable credential in pool", args...)
	case st.BackupsAvailable == 0:
		logger.Warn("backup stock empty", args...)
	default:
		logger.Info("pool snapshot", args...)
	}
}

// RunRetention prunes expired events once.
func (s *Scheduler) RunRetention(ctx context.Context) {
	n, err := s.pruner.Cleanup(ctx)
	if err != nil {
		logger.Warn("event retention failed", "error", err)
		return
	}
	if n > 0 {
		logger.Debug("pruned pool events", "count", n)
	}
}
