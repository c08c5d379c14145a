package core

import (
	"time"
)

// DefaultPresignTTL is the lifetime of download URLs when unset.
const DefaultPresignTTL = time.Hour

// DefaultJobTimeout bounds one job attempt when unset.
const DefaultJobTimeout = 10 * time.Minute

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	// PresignTTL is the lifetime of export download URLs.
	PresignTTL time.Duration

	// Retry overrides the per-kind retry policy.
	Retry map[JobKind]RetryPolicy

	// JobTimeout bounds a single job attempt.
	JobTimeout time.Duration

	// MaxFileSize rejects larger uploads before admission. 0 disables.
	MaxFileSize int64

	// Limiter bounds concurrent uploads. nil disables.
	Limiter *UploadLimiter

	// Extractors replaces or extends the default extractor per format.
	Extractors map[Format]Extractor

	// StaleAfter is how long a running job may go without a heartbeat
	// before the sweeper reclaims it.
	StaleAfter time.Duration

	// SweepBatch limits rows handled per sweep step.
	SweepBatch int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service implements the ingestion and versioning pipeline. Handlers and
// workers share one Service; all of its state lives in the injected
// collaborators.
type Service struct {
	store      Store
	blobs      BlobStore
	queue      Queue
	trainer    Trainer
	extractors map[Format]Extractor
	handlers   map[JobKind]jobHandler
	opts       Options
}

// NewService wires the pipeline. trainer may be nil, in which case training
// jobs fail with a non-retryable capability error.
func NewService(store Store, blobs BlobStore, queue Queue, trainer Trainer, opts Options) *Service {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = DefaultPresignTTL
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		store:      store,
		blobs:      blobs,
		queue:      queue,
		trainer:    trainer,
		extractors: DefaultExtractors(),
		opts:       opts,
	}
	for f, e := range opts.Extractors {
		s.extractors[f] = e
	}
	s.handlers = map[JobKind]jobHandler{
		JobExtraction: &extractionHandler{s: s},
		JobExport:     &exportHandler{s: s},
		JobTraining:   &trainingHandler{s: s},
	}
	return s
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

// UploadLimiter returns the configured limiter, or nil.
func (s *Service) UploadLimiter() *UploadLimiter { return s.opts.Limiter }
