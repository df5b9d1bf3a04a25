// Package handler holds the HTTP handlers of the job API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/docworker/internal/api/middleware"
	"github.com/kiranshivaraju/docworker/internal/api/response"
	"github.com/kiranshivaraju/docworker/internal/queue"
	"github.com/kiranshivaraju/docworker/internal/store"
	"github.com/kiranshivaraju/docworker/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// JobService is the queue surface the job handlers drive.
type JobService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.Job, error)
	Reprocess(ctx context.Context, documentID, tenantID uuid.UUID, strategyHint string) (*models.Job, error)
	Status(ctx context.Context, id, tenantID uuid.UUID) (*models.JobStatusView, error)
	Get(ctx context.Context, id, tenantID uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, id, tenantID uuid.UUID) (bool, error)
	List(ctx context.Context, filter store.JobFilter) (*queue.ListResult, error)
}

type enqueueRequest struct {
	DocumentID   string `json:"document_id"`
	Kind         string `json:"kind"`
	StrategyHint string `json:"strategy_hint"`
	Priority     *int   `json:"priority"`
	MaxRetries   *int   `json:"max_retries"`
}

type acceptedJob struct {
	JobID      uuid.UUID `json:"job_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
}

func accepted(j *models.Job) acceptedJob {
	return acceptedJob{
		JobID:      j.ID,
		DocumentID: j.DocumentID,
		Kind:       j.Kind,
		Status:     j.Status,
		Priority:   j.Priority,
		MaxRetries: j.MaxRetries,
		CreatedAt:  j.CreatedAt,
	}
}

// NewCreateJobHandler returns the handler for POST /api/v1/jobs. A strategy
// hint must name a registered strategy.
func NewCreateJobHandler(svc JobService, strategies StrategyCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		docID, err := uuid.Parse(req.DocumentID)
		if err != nil {
			response.BadRequest(w, "document_id must be a UUID")
			return
		}
		if !knownStrategy(strategies, req.StrategyHint) {
			response.BadRequest(w, "strategy_hint does not name a registered strategy")
			return
		}

		job, err := svc.Enqueue(r.Context(), queue.EnqueueRequest{
			DocumentID:   docID,
			TenantID:     tenantID,
			Kind:         req.Kind,
			StrategyHint: req.StrategyHint,
			Priority:     req.Priority,
			MaxRetries:   req.MaxRetries,
		})
		if err != nil {
			writeEnqueueError(w, err)
			return
		}
		response.Accepted(w, accepted(job))
	}
}

// NewReprocessHandler returns the handler for
// POST /api/v1/documents/{documentID}/reprocess. The body is optional.
func NewReprocessHandler(svc JobService, strategies StrategyCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		docID, ok := pathUUID(w, r, "documentID")
		if !ok {
			return
		}

		var req struct {
			StrategyHint string `json:"strategy_hint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if !knownStrategy(strategies, req.StrategyHint) {
			response.BadRequest(w, "strategy_hint does not name a registered strategy")
			return
		}

		job, err := svc.Reprocess(r.Context(), docID, tenantID, req.StrategyHint)
		if err != nil {
			writeEnqueueError(w, err)
			return
		}
		response.Accepted(w, accepted(job))
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.Get(r.Context(), id, tenantID)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{jobID}/status,
// the cheap endpoint meant for polling.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		view, err := svc.Status(r.Context(), id, tenantID)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewCancelJobHandler returns the handler for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		cancelled, err := svc.Cancel(r.Context(), id, tenantID)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		if !cancelled {
			response.Error(w, http.StatusConflict, response.CodeConflict, "Job has already finished", nil)
			return
		}
		response.JSON(w, map[string]any{"job_id": id, "status": models.JobStatusCancelled})
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := store.JobFilter{
			TenantID: tenantID,
			Status:   q.Get("status"),
			Kind:     q.Get("kind"),
			Limit:    defaultPageLimit,
		}
		if filter.Status != "" && !slices.Contains(models.JobStatuses, filter.Status) {
			response.BadRequest(w, "status is not a known job status")
			return
		}
		if filter.Kind != "" && !models.ValidJobKind(filter.Kind) {
			response.BadRequest(w, "kind is not a known job kind")
			return
		}
		if v := q.Get("document_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				response.BadRequest(w, "document_id must be a UUID")
				return
			}
			filter.DocumentID = id
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.BadRequest(w, "limit must be a positive integer")
				return
			}
			filter.Limit = min(n, maxPageLimit)
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				response.BadRequest(w, "offset must be a non-negative integer")
				return
			}
			filter.Offset = n
		}

		res, err := svc.List(r.Context(), filter)
		if err != nil {
			response.Internal(w)
			return
		}
		meta := response.NewPageMeta(filter.Limit, filter.Offset, res.Total)
		meta.Counts = res.Counts
		response.Page(w, res.Jobs, meta)
	}
}

func requireTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.TenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing tenant", nil)
	}
	return id, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.BadRequest(w, param+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func knownStrategy(strategies StrategyCatalog, name string) bool {
	if name == "" || strategies == nil {
		return true
	}
	_, ok := strategies.Get(name)
	return ok
}

func writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidDocument):
		response.NotFound(w, "Document not found")
	case errors.Is(err, queue.ErrInvalidKind), errors.Is(err, queue.ErrInvalidRetries):
		response.BadRequest(w, err.Error())
	default:
		response.Internal(w)
	}
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.NotFound(w, "Job not found")
		return
	}
	response.Internal(w)
}
