package core

// jobs.go is the state machine shared by the extraction, export and training
// runners. A job row moves queued -> running -> succeeded|failed; a failed
// attempt with budget left goes back to queued with a delayed message.
//
// Each runner implements jobHandler:
//   - run does the work and, on success, finishes the job inside its own
//     commit transaction
//   - retrying records a non-terminal failure on the target entity
//   - fail records the terminal failure on the target entity
//
// retrying and fail run in the same transaction as the job row update, so
// the target entity never disagrees with the job. Every job row update is
// conditional on the attempt still running; an attempt the sweeper already
// reclaimed has its outcome dropped.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/datamorph/internal/logging"
	"github.com/google/uuid"
)

// RetryPolicy bounds the attempts of one job kind.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the delay after the given attempt (1-based): base doubled
// per prior attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// DefaultRetryPolicies mirrors the configured defaults.
func DefaultRetryPolicies() map[JobKind]RetryPolicy {
	return map[JobKind]RetryPolicy{
		JobExtraction: {MaxAttempts: 3, BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute},
		JobExport:     {MaxAttempts: 2, BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute},
		JobTraining:   {MaxAttempts: 3, BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute},
	}
}

type jobHandler interface {
	run(ctx context.Context, job *Job) error
	retrying(ctx context.Context, repo Repository, job *Job, cause error) error
	fail(ctx context.Context, repo Repository, job *Job, cause error) error
}

// maxErrorLen bounds error text stored on jobs and entities.
const maxErrorLen = 500

// errorSummary truncates err's text to maxErrorLen bytes without splitting
// a UTF-8 sequence.
func errorSummary(err error) string {
	msg := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func (s *Service) policy(kind JobKind) RetryPolicy {
	if p, ok := s.opts.Retry[kind]; ok && p.MaxAttempts > 0 {
		return p
	}
	return DefaultRetryPolicies()[kind]
}

// newJob builds a queued job for kind against target.
func (s *Service) newJob(kind JobKind, targetID, tenantID uuid.UUID, params map[string]string) *Job {
	now := s.now()
	return &Job{
		ID:          uuid.New(),
		Kind:        kind,
		TargetID:    targetID,
		TenantID:    tenantID,
		Status:      JobQueued,
		MaxAttempts: s.policy(kind).MaxAttempts,
		Params:      params,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// submit enqueues a committed job. A failed enqueue is logged and reported
// as false; the sweeper picks the job up later.
func (s *Service) submit(ctx context.Context, job *Job) bool {
	msg := Message{Kind: job.Kind, JobID: job.ID, TargetID: job.TargetID}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		logging.WithFields(ctx, "job_id", job.ID, "kind", job.Kind).
			Warn("enqueue failed, job left for sweeper", "error", err)
		return false
	}
	return true
}

// HandleMessage runs one delivery of a job message. Duplicate and stale
// deliveries are no-ops. The returned error is only for infrastructure
// failures while recording the outcome.
func (s *Service) HandleMessage(ctx context.Context, msg Message) error {
	h, ok := s.handlers[msg.Kind]
	if !ok {
		logging.FromContext(ctx).Warn("dropping message of unknown kind", "kind", msg.Kind, "job_id", msg.JobID)
		return nil
	}
	return s.execute(ctx, msg, h)
}

func (s *Service) execute(ctx context.Context, msg Message, h jobHandler) error {
	log := logging.WithFields(ctx, "job_id", msg.JobID, "kind", msg.Kind, "target_id", msg.TargetID)

	job, ok, err := s.store.ClaimJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debug("job no longer exists, ignoring message")
			return nil
		}
		return fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		log.Debug("duplicate delivery ignored")
		return nil
	}
	log.Info("job claimed", "attempt", job.Attempts, "max_attempts", job.MaxAttempts)

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	runErr := runSafely(runCtx, h, job)
	cancel()

	if runErr == nil {
		log.Info("job succeeded", "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
	return s.recordFailure(context.WithoutCancel(ctx), h, job, runErr, log)
}

func runSafely(ctx context.Context, h jobHandler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h.run(ctx, job)
}

func (s *Service) recordFailure(ctx context.Context, h jobHandler, job *Job, cause error, log *slog.Logger) error {
	if errors.Is(cause, ErrJobSuperseded) {
		log.Info("job outcome dropped, attempt superseded", "attempt", job.Attempts)
		return nil
	}
	if errors.Is(cause, errTargetGone) {
		log.Info("job target gone, nothing to do")
		err := s.store.FinishJob(ctx, job.ID, job.Attempts, JobFailed, errTargetGone.Error())
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrJobSuperseded) {
			return fmt.Errorf("finish job: %w", err)
		}
		return nil
	}

	if IsRetryable(cause) && job.Attempts < job.MaxAttempts {
		return s.scheduleRetry(ctx, h, job, cause, log)
	}

	err := s.abandon(ctx, h, job, cause)
	if errors.Is(err, ErrJobSuperseded) {
		log.Info("job failure dropped, attempt superseded", "attempt", job.Attempts, "error", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}
	log.Info("job failed", "attempt", job.Attempts, "error", cause)
	return nil
}

func (s *Service) scheduleRetry(ctx context.Context, h jobHandler, job *Job, cause error, log *slog.Logger) error {
	delay := s.policy(job.Kind).Backoff(job.Attempts)
	runAfter := s.now().Add(delay)

	err := s.store.InTx(ctx, func(tx Repository) error {
		if err := tx.RequeueJob(ctx, job.ID, job.Attempts, runAfter, errorSummary(cause)); err != nil {
			return err
		}
		if err := h.retrying(ctx, tx, job, cause); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
	if errors.Is(err, ErrJobSuperseded) {
		log.Info("job retry dropped, attempt superseded", "attempt", job.Attempts, "error", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	log.Info("job retry scheduled",
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"delay", delay,
		"error", cause,
	)

	msg := Message{Kind: job.Kind, JobID: job.ID, TargetID: job.TargetID}
	if err := s.queue.EnqueueAfter(ctx, msg, delay); err != nil {
		log.Warn("retry enqueue failed, job left for sweeper", "error", err)
	}
	return nil
}

// abandon ends a job terminally and lets its handler record the failure on
// the target entity. It returns ErrJobSuperseded, with nothing written, when
// the attempt no longer owns the job.
func (s *Service) abandon(ctx context.Context, h jobHandler, job *Job, cause error) error {
	return s.store.InTx(ctx, func(tx Repository) error {
		if err := tx.FinishJob(ctx, job.ID, job.Attempts, JobFailed, errorSummary(cause)); err != nil {
			return err
		}
		if err := h.fail(ctx, tx, job, cause); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
}

// GetJob returns a job if its tenant matches.
func (s *Service) GetJob(ctx context.Context, id, tenantID uuid.UUID) (*Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, NotFound("job", id)
	}
	return job, nil
}
