// Package queue is the producer side of the job queue: it enqueues work for
// documents, serves status polls from the cache and cancels jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docworker/internal/config"
	"github.com/kiranshivaraju/docworker/internal/store"
	"github.com/kiranshivaraju/docworker/pkg/models"
)

var (
	ErrInvalidDocument = errors.New("invalid document")
	ErrInvalidKind     = errors.New("invalid job kind")
	ErrInvalidRetries  = errors.New("max_retries must be at least 1")
)

// reprocessPriority puts explicit reprocess requests ahead of regular uploads.
const reprocessPriority = 1

// Store is the slice of the data layer the service needs.
type Store interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (bool, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	CountJobsByStatus(ctx context.Context, tenantID uuid.UUID) (map[string]int, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

// StatusCache holds job status views for pollers. It is never authoritative.
type StatusCache interface {
	SetJobStatus(ctx context.Context, view models.JobStatusView, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobStatusView, bool, error)
	DeleteJobStatus(ctx context.Context, jobID uuid.UUID) error
}

// EnqueueRequest asks for a job on one document. Nil Priority and
// MaxRetries take the configured defaults; an empty Kind means regular
// processing. A non-nil TenantID must own the document.
type EnqueueRequest struct {
	DocumentID   uuid.UUID
	TenantID     uuid.UUID
	Kind         string
	StrategyHint string
	Priority     *int
	MaxRetries   *int
}

// ListResult is one page of jobs plus the tenant-wide status breakdown.
type ListResult struct {
	Jobs   []*models.Job
	Total  int
	Counts map[string]int
}

// Service enqueues and tracks processing jobs.
type Service struct {
	store     Store
	cache     StatusCache
	defaults  config.JobsConfig
	statusTTL time.Duration
	logger    *slog.Logger
}

// NewService creates a Service. cache may be nil.
func NewService(st Store, c StatusCache, defaults config.JobsConfig, statusTTL time.Duration) *Service {
	if defaults.DefaultMaxRetries < 1 {
		defaults.DefaultMaxRetries = 3
	}
	if statusTTL <= 0 {
		statusTTL = 30 * time.Minute
	}
	return &Service{
		store:     st,
		cache:     c,
		defaults:  defaults,
		statusTTL: statusTTL,
		logger:    slog.Default(),
	}
}

// Enqueue records a pending job for the document. It does not wait for any
// worker.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	if req.DocumentID == uuid.Nil {
		return nil, fmt.Errorf("%w: document_id is required", ErrInvalidDocument)
	}

	kind := req.Kind
	if kind == "" {
		kind = models.JobKindProcessing
	}
	if !models.ValidJobKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	priority := s.defaults.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxRetries := s.defaults.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 1 {
		return nil, ErrInvalidRetries
	}

	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: document %s not found", ErrInvalidDocument, req.DocumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if req.TenantID != uuid.Nil && doc.TenantID != req.TenantID {
		return nil, fmt.Errorf("%w: document %s not found", ErrInvalidDocument, req.DocumentID)
	}

	job := &models.Job{
		TenantID:   doc.TenantID,
		Kind:       kind,
		DocumentID: doc.ID,
		Priority:   priority,
		MaxRetries: maxRetries,
	}
	if req.StrategyHint != "" {
		hint := req.StrategyHint
		job.StrategyHint = &hint
	}

	if err := s.store.EnqueueJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: document %s not found", ErrInvalidDocument, req.DocumentID)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.cacheStatus(ctx, job)
	s.logger.Info("job enqueued",
		"job_id", job.ID, "document_id", job.DocumentID, "kind", job.Kind, "priority", job.Priority)
	return job, nil
}

// Reprocess enqueues a reprocessing job for a document that was already
// processed, ahead of regular work.
func (s *Service) Reprocess(ctx context.Context, documentID, tenantID uuid.UUID, strategyHint string) (*models.Job, error) {
	priority := reprocessPriority
	return s.Enqueue(ctx, EnqueueRequest{
		DocumentID:   documentID,
		TenantID:     tenantID,
		Kind:         models.JobKindReprocessing,
		StrategyHint: strategyHint,
		Priority:     &priority,
	})
}

// Status returns the job's status view, from the cache when possible.
func (s *Service) Status(ctx context.Context, id, tenantID uuid.UUID) (*models.JobStatusView, error) {
	if s.cache != nil {
		view, ok, err := s.cache.GetJobStatus(ctx, id)
		switch {
		case err != nil:
			s.logger.Warn("read job status cache", "job_id", id, "error", err)
		case ok && view.TenantID == tenantID:
			return view, nil
		}
	}

	job, err := s.store.GetJob(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, job)
	view := job.StatusView()
	return &view, nil
}

// Get returns the full job record, result included.
func (s *Service) Get(ctx context.Context, id, tenantID uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id, tenantID)
}

// Cancel stops a pending or processing job. A worker already running it is
// not interrupted; its report is discarded. Returns false when the job had
// already finished.
func (s *Service) Cancel(ctx context.Context, id, tenantID uuid.UUID) (bool, error) {
	cancelled, err := s.store.CancelJob(ctx, id, tenantID)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.invalidate(ctx, id)
		s.logger.Info("job cancelled", "job_id", id)
	}
	return cancelled, nil
}

// List returns one page of the tenant's jobs.
func (s *Service) List(ctx context.Context, filter store.JobFilter) (*ListResult, error) {
	jobs, total, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	counts, err := s.store.CountJobsByStatus(ctx, filter.TenantID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return &ListResult{Jobs: jobs, Total: total, Counts: counts}, nil
}

// cacheStatus stores only terminal views. A pending or processing snapshot
// can be overtaken by a worker between the read and the write, and would then
// outlive the worker's invalidation.
func (s *Service) cacheStatus(ctx context.Context, job *models.Job) {
	if s.cache == nil || !models.IsTerminalStatus(job.Status) {
		return
	}
	if err := s.cache.SetJobStatus(ctx, job.StatusView(), s.statusTTL); err != nil {
		s.logger.Warn("cache job status", "job_id", job.ID, "error", err)
	}
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteJobStatus(ctx, id); err != nil {
		s.logger.Warn("invalidate job status cache", "job_id", id, "error", err)
	}
}
