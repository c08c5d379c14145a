package core

// scheduler.go runs the maintenance sweep that keeps jobs moving when the
// queue and the job table disagree:
//  1. running jobs without a heartbeat are failed as an attempt, then retried
//     or abandoned like any other failure
//  2. queued jobs whose run_after passed long ago are enqueued again
//  3. uploaded files with no live extraction job get a fresh one
//
// Every step is idempotent; ClaimJob absorbs the duplicate deliveries a
// sweep may cause.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/datamorph/internal/logging"
)

// errHeartbeatLost is the cause recorded for a running job reclaimed by the sweeper.
var errHeartbeatLost = errors.New("job stopped reporting progress")

// SweepResult counts what one sweep did.
type SweepResult struct {
	Reclaimed   int `json:"reclaimed"`
	Requeued    int `json:"requeued"`
	Rescheduled int `json:"rescheduled"`
}

// RunSweeper sweeps immediately, then every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	slog.Info("sweeper started",
		"interval", interval,
		"stale_after", s.opts.StaleAfter,
		"batch_size", s.opts.SweepBatch,
	)

	s.sweepOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	start := time.Now()
	res, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		return
	}
	if res.Reclaimed+res.Requeued+res.Rescheduled == 0 {
		slog.Debug("sweep completed, nothing to do")
		return
	}
	slog.Info("sweep completed",
		"reclaimed", res.Reclaimed,
		"requeued", res.Requeued,
		"rescheduled", res.Rescheduled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Sweep runs one pass. Steps that fail are reported together; later steps
// still run.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	cutoff := s.now().Add(-s.opts.StaleAfter)

	n, err := s.reclaimStale(ctx, cutoff)
	res.Reclaimed = n
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaim stale jobs: %w", err))
	}

	n, err = s.requeueOverdue(ctx, cutoff)
	res.Requeued = n
	if err != nil {
		errs = append(errs, fmt.Errorf("requeue overdue jobs: %w", err))
	}

	n, err = s.scheduleOrphanUploads(ctx, cutoff)
	res.Rescheduled = n
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule uploads: %w", err))
	}

	return res, errors.Join(errs...)
}

func (s *Service) reclaimStale(ctx context.Context, before time.Time) (int, error) {
	jobs, err := s.store.ListStaleRunning(ctx, before, s.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range jobs {
		job := &jobs[i]
		h, ok := s.handlers[job.Kind]
		if !ok {
			continue
		}
		log := logging.WithFields(ctx, "job_id", job.ID, "kind", job.Kind, "target_id", job.TargetID)
		log.Warn("reclaiming stale job", "attempt", job.Attempts, "last_heartbeat", job.UpdatedAt)
		if err := s.recordFailure(ctx, h, job, Transient(errHeartbeatLost), log); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Service) requeueOverdue(ctx context.Context, before time.Time) (int, error) {
	jobs, err := s.store.ListOverdueQueued(ctx, before, s.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range jobs {
		if s.submit(ctx, &jobs[i]) {
			n++
		}
	}
	return n, nil
}

func (s *Service) scheduleOrphanUploads(ctx context.Context, before time.Time) (int, error) {
	files, err := s.store.ListUnscheduledUploads(ctx, before, s.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range files {
		f := &files[i]
		job := s.newJob(JobExtraction, f.ID, f.TenantID, nil)
		if err := s.store.CreateJob(ctx, job); err != nil {
			return n, err
		}
		logging.WithFields(ctx, "file_id", f.ID, "job_id", job.ID).Info("extraction scheduled for orphaned upload")
		s.submit(ctx, job)
		n++
	}
	return n, nil
}
