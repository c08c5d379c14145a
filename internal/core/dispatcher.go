package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/datamorph/internal/logging"
)

// dequeueErrorDelay is the pause after a failed dequeue.
const dequeueErrorDelay = time.Second

// Dispatcher pulls job messages from the queue and hands them to the
// Service, one message per worker at a time.
type Dispatcher struct {
	svc     *Service
	queue   Queue
	workers int
}

// NewDispatcher creates a dispatcher with the given number of workers
// (at least one).
func NewDispatcher(svc *Service, queue Queue, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{svc: svc, queue: queue, workers: workers}
}

// Run blocks until ctx is cancelled. Workers never exit on a job failure;
// Run returns nil on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started", "workers", d.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			d.loop(ctx, worker)
			return nil
		})
	}
	err := g.Wait()

	slog.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		msg, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorDelay):
			}
			continue
		}
		if msg == nil {
			continue
		}
		d.handle(ctx, worker, *msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, worker int, msg Message) {
	ctx = logging.WithRequestID(ctx, uuid.NewString())
	if err := d.svc.HandleMessage(ctx, msg); err != nil {
		logging.FromContext(ctx).Error("job outcome not recorded",
			"worker", worker,
			"job_id", msg.JobID,
			"kind", msg.Kind,
			"error", err,
		)
	}
}
