package provisioning

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/platform/go/metrics"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// Requeuer publishes a pending job again.
type Requeuer interface {
	Requeue(ctx context.Context, id uuid.UUID) error
}

type WatchdogConfig struct {
	Jobs     JobSweeper
	Requeuer Requeuer
	// TimeoutAfter closes jobs still pending or validating this long after creation.
	TimeoutAfter time.Duration
	// RequeueAfter re-publishes jobs untouched in pending for this long.
	RequeueAfter time.Duration
	Interval     time.Duration
	// Batch caps the jobs handled per sweep and action.
	Batch  int
	Logger *zap.Logger
}

// Watchdog times out stuck jobs and re-publishes pending jobs whose message was lost.
type Watchdog struct {
	jobs         JobSweeper
	requeuer     Requeuer
	timeoutAfter time.Duration
	requeueAfter time.Duration
	interval     time.Duration
	batch        int
	logger       *zap.Logger
	now          func() time.Time
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	TimedOut int
	Requeued int
}

func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	if cfg.Jobs == nil || cfg.Requeuer == nil {
		panic("watchdog requires job sweeper and requeuer")
	}
	w := &Watchdog{
		jobs:         cfg.Jobs,
		requeuer:     cfg.Requeuer,
		timeoutAfter: cfg.TimeoutAfter,
		requeueAfter: cfg.RequeueAfter,
		interval:     cfg.Interval,
		batch:        cfg.Batch,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if w.timeoutAfter <= 0 {
		w.timeoutAfter = 30 * time.Minute
	}
	if w.requeueAfter <= 0 {
		w.requeueAfter = 2 * time.Minute
	}
	if w.interval <= 0 {
		w.interval = 30 * time.Second
	}
	if w.batch <= 0 {
		w.batch = 100
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Start sweeps on every tick until ctx is done.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("provisioning watchdog started",
		zap.Duration("interval", w.interval),
		zap.Duration("timeout_after", w.timeoutAfter),
		zap.Duration("requeue_after", w.requeueAfter))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("provisioning watchdog stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("provisioning watchdog sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass. Timeouts run first so a job is never both timed out and requeued.
func (w *Watchdog) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := w.now()

	expired, err := w.jobs.ListCreatedBefore(ctx,
		[]persistence.JobStatus{persistence.JobPending, persistence.JobValidating}, now.Add(-w.timeoutAfter), w.batch)
	if err != nil {
		return res, err
	}
	timedOut := make(map[uuid.UUID]struct{}, len(expired))
	for _, job := range expired {
		err := w.jobs.Timeout(ctx, job.ID)
		if errors.Is(err, persistence.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			w.logger.Warn("time out provisioning job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		timedOut[job.ID] = struct{}{}
		res.TimedOut++
		metrics.ObserveProvisioningJob(string(persistence.JobTimeout))
		w.logger.Warn("provisioning job timed out",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(job.Status)),
			zap.Time("created_at", job.CreatedAt))
	}

	stale, err := w.jobs.ListStale(ctx, []persistence.JobStatus{persistence.JobPending}, now.Add(-w.requeueAfter), w.batch)
	if err != nil {
		return res, err
	}
	for _, job := range stale {
		if _, done := timedOut[job.ID]; done {
			continue
		}
		if err := w.requeuer.Requeue(ctx, job.ID); err != nil {
			w.logger.Warn("requeue provisioning job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		res.Requeued++
		w.logger.Info("provisioning job requeued", zap.String("job_id", job.ID.String()))
	}
	return res, nil
}
