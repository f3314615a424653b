package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
)

// Consumer is the queue side the worker drains.
type Consumer interface {
	Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery) error
	RecoverInFlight(ctx context.Context, workerID string) (int, error)
}

// Runner executes one provisioning job.
type Runner interface {
	Run(ctx context.Context, msg queue.JobMessage) error
}

type WorkerConfig struct {
	Queue  Consumer
	Runner Runner
	// Concurrency is the number of consumer loops; each runs one job at a time.
	Concurrency int
	// ID prefixes the per-loop processing lists; it defaults to hostname:pid.
	ID          string
	PollTimeout time.Duration
	// RetryDelay is the pause after a nack or a broker error.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Worker drains the provisioning queue with a fixed number of loops.
type Worker struct {
	queue       Consumer
	runner      Runner
	concurrency int
	id          string
	pollTimeout time.Duration
	retryDelay  time.Duration
	logger      *zap.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Queue == nil || cfg.Runner == nil {
		panic("worker requires queue and runner")
	}
	w := &Worker{
		queue:       cfg.Queue,
		runner:      cfg.Runner,
		concurrency: cfg.Concurrency,
		id:          cfg.ID,
		pollTimeout: cfg.PollTimeout,
		retryDelay:  cfg.RetryDelay,
		logger:      cfg.Logger,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.id == "" {
		w.id = DefaultWorkerID()
	}
	if w.pollTimeout <= 0 {
		w.pollTimeout = 5 * time.Second
	}
	if w.retryDelay <= 0 {
		w.retryDelay = time.Second
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Start runs the loops until ctx is done. A job already running finishes first.
func (w *Worker) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		id := fmt.Sprintf("%s-%d", w.id, i)
		g.Go(func() error { return w.loop(ctx, id) })
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id string) error {
	logger := w.logger.With(zap.String("worker_id", id))

	recovered, err := w.queue.RecoverInFlight(ctx, id)
	if err != nil {
		return fmt.Errorf("recover in-flight messages for %s: %w", id, err)
	}
	if recovered > 0 {
		logger.Info("recovered in-flight provisioning messages", zap.Int("count", recovered))
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := w.queue.Dequeue(ctx, id, w.pollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, queue.ErrInvalidMessage):
			continue
		case ctx.Err() != nil:
			return nil
		default:
			logger.Warn("dequeue provisioning message", zap.Error(err))
			w.pause(ctx)
			continue
		}

		if !w.handle(ctx, logger, d) {
			w.pause(ctx)
		}
	}
}

// handle runs one delivery and settles it. It reports false when the message went back to the queue.
func (w *Worker) handle(ctx context.Context, logger *zap.Logger, d *queue.Delivery) bool {
	// Shutdown must not abort a job between stages.
	runCtx := context.WithoutCancel(ctx)
	logger = logger.With(zap.String("job_id", d.Message.JobID.String()))

	err := w.runner.Run(runCtx, d.Message)
	if settled(err) {
		if err != nil {
			logger.Info("provisioning message settled", zap.Error(err))
		}
		if ackErr := w.queue.Ack(runCtx, d); ackErr != nil {
			logger.Error("ack provisioning message", zap.Error(ackErr))
		}
		return true
	}

	var connErr *persistence.ConnectionError
	if errors.As(err, &connErr) {
		logger.Warn("database unavailable; returning provisioning message", zap.String("database", connErr.Database), zap.Error(err))
	} else {
		logger.Error("provisioning run aborted; returning message", zap.Error(err))
	}
	if nackErr := w.queue.Nack(runCtx, d); nackErr != nil {
		logger.Error("nack provisioning message", zap.Error(nackErr))
	}
	return false
}

// settled reports whether the job needs no further delivery of this message.
func settled(err error) bool {
	if err == nil {
		return true
	}
	var perr *ProvisioningError
	return errors.As(err, &perr) || errors.Is(err, ErrSuperseded) || errors.Is(err, ErrUnknownJob)
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
