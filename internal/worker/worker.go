// Package worker runs the loops that lease jobs from the store, dispatch
// them to a strategy and report the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docworker/internal/blob"
	"github.com/kiranshivaraju/docworker/internal/store"
	"github.com/kiranshivaraju/docworker/internal/strategy"
	"github.com/kiranshivaraju/docworker/pkg/models"
)

// maxErrorMessage caps the failure message persisted on jobs and documents.
const maxErrorMessage = 2000

// JobStore is the part of the store a worker drives.
type JobStore interface {
	ClaimJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, lease models.Lease, result *models.JobResult) error
	FailJob(ctx context.Context, lease models.Lease, failure models.JobFailure) (string, error)
}

// DocumentReader loads the document a job points at.
type DocumentReader interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

// StatusCache is invalidated whenever a worker changes a job's status.
type StatusCache interface {
	DeleteJobStatus(ctx context.Context, jobID uuid.UUID) error
}

// Deps are the collaborators shared by every worker. Cache, Metrics and
// Logger are optional.
type Deps struct {
	Jobs      JobStore
	Documents DocumentReader
	Fetcher   blob.Fetcher
	Registry  *strategy.Registry
	Cache     StatusCache
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Config controls polling and leasing.
type Config struct {
	IDPrefix        string
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ShutdownTimeout time.Duration
}

// Worker leases and processes one job at a time.
type Worker struct {
	id     string
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a worker with a stable id.
func New(id string, deps Deps, cfg Config) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("worker_id", id),
	}
}

// ID returns the worker's lease-holder id.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. A job that is already executing when
// ctx ends is finished and reported before Run returns.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval, "lease_duration", w.cfg.LeaseDuration)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		case <-timer.C:
		}

		processed, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("poll failed", "error", err)
		}

		// Go straight back for more work after a job; otherwise wait.
		next := w.cfg.PollInterval
		if processed && err == nil {
			next = 0
		}
		timer.Reset(next)
	}
}

// ProcessOne claims at most one job and carries it through to a report. It
// returns whether a job was claimed. Only claim errors are returned; every
// failure after the claim is recorded on the job instead.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.deps.Jobs.ClaimJob(ctx, w.id, w.cfg.LeaseDuration)
	if err != nil {
		w.deps.Metrics.claimFailed()
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	lease, ok := job.Lease()
	if !ok {
		return true, fmt.Errorf("claimed job %s carries no lease", job.ID)
	}

	// The claim is done; stopping the loop must not abandon the job.
	w.handle(context.WithoutCancel(ctx), job, lease)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *models.Job, lease models.Lease) {
	start := time.Now()
	log := w.logger.With("job_id", job.ID, "document_id", job.DocumentID)
	log.Info("job claimed", "kind", job.Kind, "attempt", job.RetryCount+1, "max_retries", job.MaxRetries)
	w.invalidate(ctx, log, job.ID)

	// The lease is the only timeout: past its expiry another worker may own the job.
	execCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt)
	defer cancel()

	doc, err := w.deps.Documents.GetDocument(execCtx, job.DocumentID)
	if err != nil {
		w.fail(ctx, log, job, lease, start, models.JobFailure{
			Message:   fmt.Sprintf("load document: %v", err),
			Permanent: errors.Is(err, store.ErrNotFound),
		})
		return
	}

	s, err := w.resolve(job, doc)
	if err != nil {
		w.fail(ctx, log, job, lease, start, models.JobFailure{
			Message:   err.Error(),
			Permanent: true,
		})
		return
	}
	log = log.With("strategy", s.Name())

	content, err := w.deps.Fetcher.Fetch(execCtx, doc.BlobURL)
	if err != nil {
		w.fail(ctx, log, job, lease, start, models.JobFailure{
			Strategy: s.Name(),
			Message:  fmt.Sprintf("fetch content: %v", err),
		})
		return
	}

	res, details, err := execute(execCtx, s, content, metadataFor(doc))
	if err == nil {
		err = w.deps.Registry.Validate(s.Name(), res.Fields)
	}
	if err != nil {
		w.fail(ctx, log, job, lease, start, models.JobFailure{
			Strategy: s.Name(),
			Message:  err.Error(),
			Details:  details,
		})
		return
	}

	err = w.deps.Jobs.CompleteJob(ctx, lease, &models.JobResult{
		Strategy:       s.Name(),
		Text:           res.Text,
		Fields:         res.Fields,
		Classification: res.Classification,
	})
	switch {
	case errors.Is(err, store.ErrLeaseLost):
		log.Warn("lease lost before completion; result dropped")
		w.deps.Metrics.jobFinished(s.Name(), OutcomeLeaseLost, time.Since(start))
		return
	case err != nil:
		// The lease will expire and another worker will redo the job.
		log.Error("complete job", "error", err)
		return
	}

	w.invalidate(ctx, log, job.ID)
	w.deps.Metrics.jobFinished(s.Name(), OutcomeCompleted, time.Since(start))
	log.Info("job completed", "classification", res.Classification, "duration", time.Since(start))
}

// resolve picks the strategy for job: an explicit hint by name, else the
// document type.
func (w *Worker) resolve(job *models.Job, doc *models.Document) (strategy.Strategy, error) {
	if job.StrategyHint != nil && *job.StrategyHint != "" {
		s, ok := w.deps.Registry.Get(*job.StrategyHint)
		if !ok {
			return nil, fmt.Errorf("%w: hint %q is not registered", strategy.ErrNoStrategy, *job.StrategyHint)
		}
		return s, nil
	}
	s, ok := w.deps.Registry.Resolve(doc.FileType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", strategy.ErrNoStrategy, doc.FileType)
	}
	return s, nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, job *models.Job, lease models.Lease, start time.Time, failure models.JobFailure) {
	failure.Message = truncate(failure.Message, maxErrorMessage)

	status, err := w.deps.Jobs.FailJob(ctx, lease, failure)
	switch {
	case errors.Is(err, store.ErrLeaseLost):
		log.Warn("lease lost before failure report", "error_message", failure.Message)
		w.deps.Metrics.jobFinished(failure.Strategy, OutcomeLeaseLost, time.Since(start))
		return
	case err != nil:
		log.Error("fail job", "error", err, "error_message", failure.Message)
		return
	}

	w.invalidate(ctx, log, job.ID)

	outcome := OutcomeRetry
	if status == models.JobStatusFailed {
		outcome = OutcomeFailed
	}
	w.deps.Metrics.jobFinished(failure.Strategy, outcome, time.Since(start))
	log.Warn("job attempt failed",
		"status", status,
		"attempt", job.RetryCount+1,
		"permanent", failure.Permanent,
		"error", failure.Message)
}

func (w *Worker) invalidate(ctx context.Context, log *slog.Logger, jobID uuid.UUID) {
	if w.deps.Cache == nil {
		return
	}
	if err := w.deps.Cache.DeleteJobStatus(ctx, jobID); err != nil {
		log.Warn("invalidate job status cache", "error", err)
	}
}

// execute runs s and converts a panic into an error carrying the stack.
func execute(ctx context.Context, s strategy.Strategy, content []byte, meta strategy.Metadata) (res *strategy.Result, details string, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
			details = string(debug.Stack())
		}
	}()

	res, err = s.Process(ctx, content, meta)
	if err != nil {
		return nil, "", err
	}
	if res == nil {
		return nil, "", fmt.Errorf("strategy %s returned no result", s.Name())
	}
	return res, "", nil
}

func metadataFor(doc *models.Document) strategy.Metadata {
	meta := strategy.Metadata{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		Filename:   doc.Filename,
		FileType:   doc.FileType,
		Size:       doc.FileSize,
	}
	if len(doc.Metadata) > 0 {
		// Malformed metadata is not a reason to fail the job.
		_ = json.Unmarshal(doc.Metadata, &meta.Extra)
	}
	return meta
}

// truncate cuts s to maxBytes without splitting UTF-8 runes.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
