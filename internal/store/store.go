package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docworker/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrLeaseLost is returned by CompleteJob and FailJob when the caller's
	// lease no longer matches the job: it was reclaimed after expiry,
	// cancelled, or already reported. Nothing is written.
	ErrLeaseLost = errors.New("job lease lost")
)

// JobStore is the persisted work queue. ClaimJob is safe for any number of
// concurrent callers across processes.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
	ClaimJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, lease models.Lease, result *models.JobResult) error
	FailJob(ctx context.Context, lease models.Lease, failure models.JobFailure) (string, error)
	CancelJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	CountJobsByStatus(ctx context.Context, tenantID uuid.UUID) (map[string]int, error)
}

// DocumentStore is the narrow document accessor the processing core needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

// KeyStore backs API-key authentication.
type KeyStore interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	JobStore
	DocumentStore
	KeyStore
	Ping(ctx context.Context) error
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	TenantID   uuid.UUID
	Status     string
	Kind       string
	DocumentID uuid.UUID
	Limit      int
	Offset     int
}
