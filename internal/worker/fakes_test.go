package worker_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docworker/internal/store"
	"github.com/kiranshivaraju/docworker/pkg/models"
)

// memStore is an in-memory job queue with the same lease rules as the
// Postgres store: claim by priority then age, guarded complete/fail.
type memStore struct {
	mu     sync.Mutex
	offset time.Duration
	seq    int
	jobs   map[uuid.UUID]*memJob
	docs   map[uuid.UUID]*models.Document

	claimErr    error
	completeErr error
	failures    []models.JobFailure
}

type memJob struct {
	job    models.Job
	seq    int
	result *models.JobResult
}

func newMemStore() *memStore {
	return &memStore{
		jobs: make(map[uuid.UUID]*memJob),
		docs: make(map[uuid.UUID]*models.Document),
	}
}

// clock is wall time shifted by advance; callers hold mu.
func (s *memStore) clock() time.Time { return time.Now().Add(s.offset) }

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += d
}

func (s *memStore) addDocument(fileType, filename string) *models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := &models.Document{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Filename: filename,
		FileType: fileType,
		BlobURL:  "mem://" + filename,
		Status:   models.DocumentStatusPending,
	}
	s.docs[doc.ID] = doc
	return doc
}

func (s *memStore) enqueue(doc *models.Document, priority, maxRetries int, hint string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j := models.Job{
		ID:         uuid.New(),
		TenantID:   doc.TenantID,
		Kind:       models.JobKindProcessing,
		Status:     models.JobStatusPending,
		DocumentID: doc.ID,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  s.clock(),
	}
	if hint != "" {
		j.StrategyHint = &hint
	}
	s.jobs[j.ID] = &memJob{job: j, seq: s.seq}
	return &j
}

func (s *memStore) get(id uuid.UUID) (models.Job, *models.JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.jobs[id]
	return m.job, m.result
}

func (s *memStore) document(id uuid.UUID) models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.docs[id]
}

func (s *memStore) recordedFailures() []models.JobFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobFailure(nil), s.failures...)
}

func (s *memStore) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var eligible []*memJob
	for _, m := range s.jobs {
		j := &m.job
		abandoned := j.Status == models.JobStatusProcessing &&
			(j.LockExpiresAt == nil || j.LockExpiresAt.Before(s.clock()))
		switch {
		case abandoned && j.RetryCount+1 >= j.MaxRetries:
			msg := "lease expired before the worker reported a result"
			j.Status = models.JobStatusFailed
			j.RetryCount = j.MaxRetries
			j.LeaseToken, j.WorkerID, j.LockExpiresAt = nil, nil, nil
			j.ErrorMessage = &msg
			doc := s.docs[j.DocumentID]
			doc.Status = models.DocumentStatusFailed
			doc.ErrorMessage = &msg
		case abandoned, j.Status == models.JobStatusPending:
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].job.Priority != eligible[b].job.Priority {
			return eligible[a].job.Priority > eligible[b].job.Priority
		}
		return eligible[a].seq < eligible[b].seq
	})

	m := eligible[0]
	now, token, wid := s.clock(), uuid.New(), workerID
	expires := now.Add(lease)
	if m.job.Status == models.JobStatusProcessing {
		m.job.RetryCount++
	}
	m.job.Status = models.JobStatusProcessing
	m.job.WorkerID = &wid
	m.job.LeaseToken = &token
	m.job.LockedAt = &now
	m.job.LockExpiresAt = &expires
	m.job.StartedAt = &now
	s.docs[m.job.DocumentID].Status = models.DocumentStatusProcessing

	claimed := m.job
	return &claimed, nil
}

func (s *memStore) holds(m *memJob, l models.Lease) bool {
	j := m.job
	return j.Status == models.JobStatusProcessing &&
		j.WorkerID != nil && *j.WorkerID == l.WorkerID &&
		j.LeaseToken != nil && *j.LeaseToken == l.Token
}

func (s *memStore) CompleteJob(_ context.Context, l models.Lease, r *models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	m, ok := s.jobs[l.JobID]
	if !ok || !s.holds(m, l) {
		return store.ErrLeaseLost
	}
	now := s.clock()
	m.job.Status = models.JobStatusCompleted
	m.job.CompletedAt = &now
	m.job.LeaseToken = nil
	m.job.Strategy = &r.Strategy
	m.result = r

	doc := s.docs[m.job.DocumentID]
	doc.Status = models.DocumentStatusReady
	doc.TextContent = &r.Text
	doc.Classification = &r.Classification
	doc.ErrorMessage = nil
	return nil
}

func (s *memStore) FailJob(_ context.Context, l models.Lease, f models.JobFailure) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[l.JobID]
	if !ok || !s.holds(m, l) {
		return "", store.ErrLeaseLost
	}
	s.failures = append(s.failures, f)

	m.job.RetryCount++
	m.job.LeaseToken = nil
	m.job.WorkerID = nil
	m.job.LockExpiresAt = nil
	msg := f.Message
	m.job.ErrorMessage = &msg

	doc := s.docs[m.job.DocumentID]
	if f.Permanent || m.job.RetryCount >= m.job.MaxRetries {
		m.job.Status = models.JobStatusFailed
		doc.Status = models.DocumentStatusFailed
		doc.ErrorMessage = &msg
	} else {
		m.job.Status = models.JobStatusPending
		doc.Status = models.DocumentStatusPending
	}
	return m.job.Status, nil
}

func (s *memStore) cancel(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.jobs[id]
	m.job.Status = models.JobStatusCancelled
	m.job.LeaseToken = nil
}

func (s *memStore) GetDocument(_ context.Context, id uuid.UUID) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// memFetcher serves content by blob reference.
type memFetcher struct {
	mu      sync.Mutex
	content map[string][]byte
	err     error
}

func (f *memFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.content[ref]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return b, nil
}

func (f *memFetcher) put(doc *models.Document, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.content == nil {
		f.content = make(map[string][]byte)
	}
	f.content[doc.BlobURL] = []byte(content)
}

// recordingCache counts invalidations.
type recordingCache struct {
	mu      sync.Mutex
	deleted []uuid.UUID
}

func (c *recordingCache) DeleteJobStatus(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *recordingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deleted)
}
