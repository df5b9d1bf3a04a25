// Package models contains the data models shared by the queue, the workers
// and the HTTP API.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const (
	JobKindProcessing   = "document_processing"
	JobKindReprocessing = "document_reprocessing"
	JobKindBulk         = "bulk_processing"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []string{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// ValidJobKind reports whether kind is one of the known job kinds.
func ValidJobKind(kind string) bool {
	switch kind {
	case JobKindProcessing, JobKindReprocessing, JobKindBulk:
		return true
	}
	return false
}

// IsTerminalStatus reports whether a job in status can never change again.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// Job is one unit of document work. Workers lease it through the store; the
// lease fields are only meaningful while Status is processing.
type Job struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	TenantID     uuid.UUID `db:"tenant_id"     json:"tenant_id"`
	Kind         string    `db:"kind"          json:"kind"`
	Status       string    `db:"status"        json:"status"`
	DocumentID   uuid.UUID `db:"document_id"   json:"document_id"`
	StrategyHint *string   `db:"strategy_hint" json:"strategy_hint,omitempty"`
	Priority     int       `db:"priority"      json:"priority"`
	RetryCount   int       `db:"retry_count"   json:"retry_count"`
	MaxRetries   int       `db:"max_retries"   json:"max_retries"`

	WorkerID      *string    `db:"worker_id"       json:"worker_id,omitempty"`
	LeaseToken    *uuid.UUID `db:"lease_token"     json:"-"`
	LockedAt      *time.Time `db:"locked_at"       json:"locked_at,omitempty"`
	LockExpiresAt *time.Time `db:"lock_expires_at" json:"lock_expires_at,omitempty"`

	StartedAt        *time.Time `db:"started_at"         json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at"       json:"completed_at,omitempty"`
	ProcessingTimeMs *int64     `db:"processing_time_ms" json:"processing_time_ms,omitempty"`

	Strategy     *string         `db:"strategy"      json:"strategy,omitempty"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	ErrorDetails *string         `db:"error_details" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Lease identifies one claim generation of a job. Completion and failure
// reports must present the lease they were handed; a reclaimed or cancelled
// job has a different (or no) token and rejects them.
type Lease struct {
	JobID     uuid.UUID
	WorkerID  string
	Token     uuid.UUID
	ExpiresAt time.Time
}

// Lease returns the lease currently recorded on j, or false when j holds none.
func (j *Job) Lease() (Lease, bool) {
	if j.WorkerID == nil || j.LeaseToken == nil || j.LockExpiresAt == nil {
		return Lease{}, false
	}
	return Lease{
		JobID:     j.ID,
		WorkerID:  *j.WorkerID,
		Token:     *j.LeaseToken,
		ExpiresAt: *j.LockExpiresAt,
	}, true
}

// JobStatusView is the status-polling projection of a job.
type JobStatusView struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	DocumentID  uuid.UUID  `json:"document_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Error       *string    `json:"error,omitempty"`
}

// StatusView projects j into the shape served to status pollers.
func (j *Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:          j.ID,
		TenantID:    j.TenantID,
		DocumentID:  j.DocumentID,
		Kind:        j.Kind,
		Status:      j.Status,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		Error:       j.ErrorMessage,
	}
}
