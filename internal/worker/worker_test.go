package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/docworker/internal/strategy"
	"github.com/kiranshivaraju/docworker/internal/strategy/mock"
	"github.com/kiranshivaraju/docworker/internal/worker"
	"github.com/kiranshivaraju/docworker/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

type harness struct {
	st      *memStore
	fetch   *memFetcher
	reg     *strategy.Registry
	cache   *recordingCache
	promReg *prometheus.Registry
	metrics *worker.Metrics
}

func newHarness(t *testing.T, defaultStrategy strategy.Strategy, strategies ...strategy.Strategy) *harness {
	t.Helper()
	reg := strategy.NewRegistry()
	for _, s := range strategies {
		require.NoError(t, reg.Register(s, false))
	}
	if defaultStrategy != nil {
		require.NoError(t, reg.Register(defaultStrategy, true))
	}
	reg.Freeze()

	promReg := prometheus.NewRegistry()
	return &harness{
		st:      newMemStore(),
		fetch:   &memFetcher{},
		reg:     reg,
		cache:   &recordingCache{},
		promReg: promReg,
		metrics: worker.NewMetrics(promReg),
	}
}

func (h *harness) deps() worker.Deps {
	return worker.Deps{
		Jobs:      h.st,
		Documents: h.st,
		Fetcher:   h.fetch,
		Registry:  h.reg,
		Cache:     h.cache,
		Metrics:   h.metrics,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testConfig() worker.Config {
	return worker.Config{
		IDPrefix:        "doc-worker",
		PollInterval:    10 * time.Millisecond,
		LeaseDuration:   time.Minute,
		ShutdownTimeout: 2 * time.Second,
	}
}

func (h *harness) worker(id string) *worker.Worker {
	return worker.New(id, h.deps(), testConfig())
}

// seed creates a document with content and enqueues a job for it.
func (h *harness) seed(fileType, filename, content string, maxRetries int, hint string) *models.Job {
	doc := h.st.addDocument(fileType, filename)
	h.fetch.put(doc, content)
	return h.st.enqueue(doc, 0, maxRetries, hint)
}

func processOne(t *testing.T, w *worker.Worker) bool {
	t.Helper()
	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	return processed
}

// --- ProcessOne ---

func TestProcessOne_NothingToClaim(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"))
	assert.False(t, processOne(t, h.worker("w-1")))
}

func TestProcessOne_Success(t *testing.T) {
	var seen strategy.Metadata
	s := mock.NewMockStrategy("pdf", "application/pdf")
	inner := s.ProcessFunc
	s.ProcessFunc = func(ctx context.Context, content []byte, meta strategy.Metadata) (*strategy.Result, error) {
		seen = meta
		return inner(ctx, content, meta)
	}
	h := newHarness(t, nil, s)

	job := h.seed("application/pdf", "invoice-7.pdf", "%PDF-1.4 body", 3, "")
	h.st.docs[job.DocumentID].Metadata = []byte(`{"source":"upload"}`)

	assert.True(t, processOne(t, h.worker("w-1")))

	got, result := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, result)
	assert.Equal(t, "pdf", result.Strategy)
	assert.Equal(t, "Mock extracted text from invoice-7.pdf", result.Text)
	assert.Equal(t, "invoice", result.Classification)

	doc := h.st.document(job.DocumentID)
	assert.Equal(t, models.DocumentStatusReady, doc.Status)

	assert.Equal(t, "invoice-7.pdf", seen.Filename)
	assert.Equal(t, "application/pdf", seen.FileType)
	assert.Equal(t, map[string]any{"source": "upload"}, seen.Extra)

	// Invalidated once on claim and once on report.
	assert.Equal(t, 2, h.cache.count())
}

func TestProcessOne_RetryCeiling(t *testing.T) {
	failing := mock.NewFailingStrategy("failing", errors.New("boom"), "pdf")
	h := newHarness(t, nil, failing)
	job := h.seed("pdf", "a.pdf", "x", 3, "")
	w := h.worker("w-1")

	wantStatus := []string{models.JobStatusPending, models.JobStatusPending, models.JobStatusFailed}
	for i, want := range wantStatus {
		require.True(t, processOne(t, w), "attempt %d", i+1)
		got, _ := h.st.get(job.ID)
		assert.Equal(t, want, got.Status, "attempt %d", i+1)
		assert.Equal(t, i+1, got.RetryCount)

		doc := h.st.document(job.DocumentID)
		if want == models.JobStatusPending {
			assert.Nil(t, doc.ErrorMessage, "intermediate failures stay off the document")
		} else {
			require.NotNil(t, doc.ErrorMessage)
			assert.Equal(t, "boom", *doc.ErrorMessage)
		}
	}

	assert.False(t, processOne(t, w), "no fourth attempt")
	assert.Equal(t, 3, failing.Calls())

	expected := `
# HELP docworker_jobs_total Jobs finished by a worker, by strategy and outcome.
# TYPE docworker_jobs_total counter
docworker_jobs_total{outcome="failed",strategy="failing"} 1
docworker_jobs_total{outcome="retry",strategy="failing"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(h.promReg, strings.NewReader(expected), "docworker_jobs_total"))
}

func TestProcessOne_DispatchFallsBackToDefault(t *testing.T) {
	h := newHarness(t, mock.NewMockStrategy("fallback"), mock.NewMockStrategy("pdf", "pdf"))
	job := h.seed("application/zip", "bundle.zip", "PK", 3, "")

	assert.True(t, processOne(t, h.worker("w-1")))

	got, result := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "fallback", result.Strategy)
}

func TestProcessOne_NoStrategyFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"))
	job := h.seed("image/png", "photo.png", "png", 3, "")

	assert.True(t, processOne(t, h.worker("w-1")))

	got, _ := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	failures := h.st.recordedFailures()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Permanent)
	assert.Contains(t, failures[0].Message, strategy.ErrNoStrategy.Error())
}

func TestProcessOne_HintOverridesType(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"), mock.NewMockStrategy("text", "txt"))
	job := h.seed("pdf", "a.pdf", "x", 3, "text")

	assert.True(t, processOne(t, h.worker("w-1")))

	_, result := h.st.get(job.ID)
	require.NotNil(t, result)
	assert.Equal(t, "text", result.Strategy)
}

func TestProcessOne_UnknownHintFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, mock.NewMockStrategy("fallback"), mock.NewMockStrategy("pdf", "pdf"))
	job := h.seed("pdf", "a.pdf", "x", 3, "ocr")

	assert.True(t, processOne(t, h.worker("w-1")))

	got, _ := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	failures := h.st.recordedFailures()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Permanent)
	assert.Contains(t, failures[0].Message, `"ocr"`)
}

func TestProcessOne_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t, nil, mock.NewPanickingStrategy("panicky", "kaboom", "pdf"))
	job := h.seed("pdf", "a.pdf", "x", 3, "")
	w := h.worker("w-1")

	assert.NotPanics(t, func() { processOne(t, w) })

	got, _ := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status, "panics are retried like any failure")

	failures := h.st.recordedFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "panicky", failures[0].Strategy)
	assert.Contains(t, failures[0].Message, "panicked: kaboom")
	assert.Contains(t, failures[0].Details, "goroutine")
	assert.False(t, failures[0].Permanent)
}

func TestProcessOne_NilResultIsFailure(t *testing.T) {
	s := &mock.MockStrategy{
		Name_:     "empty",
		MatchFunc: strategy.MatchAll,
		ProcessFunc: func(context.Context, []byte, strategy.Metadata) (*strategy.Result, error) {
			return nil, nil
		},
	}
	h := newHarness(t, nil, s)
	h.seed("pdf", "a.pdf", "x", 3, "")

	processOne(t, h.worker("w-1"))

	failures := h.st.recordedFailures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "returned no result")
}

func TestProcessOne_FetchErrorIsRetried(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"))
	job := h.seed("pdf", "a.pdf", "x", 3, "")
	h.fetch.err = errors.New("connection reset")

	processOne(t, h.worker("w-1"))

	got, _ := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	failures := h.st.recordedFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "pdf", failures[0].Strategy)
	assert.Contains(t, failures[0].Message, "fetch content: connection reset")
}

// schemaMock declares a schema its results never satisfy.
type schemaMock struct{ *mock.MockStrategy }

func (schemaMock) FieldSchema() string {
	return `{"type":"object","required":["page_count"]}`
}

func TestProcessOne_SchemaViolationIsFailure(t *testing.T) {
	h := newHarness(t, nil, schemaMock{mock.NewMockStrategy("strict", "pdf")})
	job := h.seed("pdf", "a.pdf", "x", 1, "")

	processOne(t, h.worker("w-1"))

	got, result := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Nil(t, result)
	failures := h.st.recordedFailures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, strategy.ErrInvalidFields.Error())
}

func TestProcessOne_ExecutionDeadlineIsLeaseExpiry(t *testing.T) {
	var (
		deadline time.Time
		hasDL    bool
	)
	s := &mock.MockStrategy{
		Name_:     "timed",
		MatchFunc: strategy.MatchAll,
		ProcessFunc: func(ctx context.Context, _ []byte, _ strategy.Metadata) (*strategy.Result, error) {
			deadline, hasDL = ctx.Deadline()
			return &strategy.Result{}, nil
		},
	}
	h := newHarness(t, nil, s)
	job := h.seed("pdf", "a.pdf", "x", 3, "")

	processOne(t, h.worker("w-1"))

	got, _ := h.st.get(job.ID)
	require.True(t, hasDL)
	require.NotNil(t, got.LockExpiresAt)
	assert.True(t, deadline.Equal(*got.LockExpiresAt))
}

func TestProcessOne_CancelledWhileRunningDropsResult(t *testing.T) {
	h := newHarness(t, nil)
	jobID := h.seed("pdf", "a.pdf", "x", 3, "").ID

	s := &mock.MockStrategy{
		Name_:     "slow",
		MatchFunc: strategy.MatchAll,
		ProcessFunc: func(context.Context, []byte, strategy.Metadata) (*strategy.Result, error) {
			h.st.cancel(jobID)
			return &strategy.Result{Text: "too late"}, nil
		},
	}
	h.reg = strategy.NewRegistry()
	require.NoError(t, h.reg.Register(s, true))

	assert.True(t, processOne(t, h.worker("w-1")))

	got, result := h.st.get(jobID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, result)

	expected := `
# HELP docworker_jobs_total Jobs finished by a worker, by strategy and outcome.
# TYPE docworker_jobs_total counter
docworker_jobs_total{outcome="lease_lost",strategy="slow"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.promReg, strings.NewReader(expected), "docworker_jobs_total"))
}

func TestProcessOne_LateReportAfterReclaimIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	job := h.seed("pdf", "a.pdf", "x", 3, "")

	var stolen *models.Job
	s := &mock.MockStrategy{
		Name_:     "stalled",
		MatchFunc: strategy.MatchAll,
		ProcessFunc: func(ctx context.Context, _ []byte, _ strategy.Metadata) (*strategy.Result, error) {
			// Stall past the lease; another worker takes over.
			h.st.advance(2 * time.Minute)
			var err error
			stolen, err = h.st.ClaimJob(ctx, "w-2", time.Minute)
			return &strategy.Result{Text: "stale"}, err
		},
	}
	h.reg = strategy.NewRegistry()
	require.NoError(t, h.reg.Register(s, true))

	assert.True(t, processOne(t, h.worker("w-1")))

	require.NotNil(t, stolen)
	got, result := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "w-2", *got.WorkerID)
	assert.Equal(t, 1, got.RetryCount, "the stalled attempt counts")
	assert.Nil(t, result)
}

func TestProcessOne_AbandonedLastAttemptIsFailed(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"))
	job := h.seed("pdf", "a.pdf", "x", 1, "")

	claimed, err := h.st.ClaimJob(context.Background(), "w-crashed", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	h.st.advance(2 * time.Minute)

	assert.False(t, processOne(t, h.worker("w-1")))

	got, _ := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, models.DocumentStatusFailed, h.st.document(job.DocumentID).Status)
}

func TestProcessOne_ClaimError(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"))
	h.st.claimErr = errors.New("connection refused")

	processed, err := h.worker("w-1").ProcessOne(context.Background())
	assert.False(t, processed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim job: connection refused")
}

func TestProcessOne_CompleteErrorLeavesJobForReclaim(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"))
	job := h.seed("pdf", "a.pdf", "x", 3, "")
	h.st.completeErr = errors.New("connection reset")

	assert.True(t, processOne(t, h.worker("w-1")))

	got, _ := h.st.get(job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

// --- Run ---

func TestRun_DrainsBacklogAndStops(t *testing.T) {
	s := mock.NewMockStrategy("pdf", "pdf")
	h := newHarness(t, nil, s)
	var ids []models.Job
	for i := 0; i < 5; i++ {
		ids = append(ids, *h.seed("pdf", "a.pdf", "x", 3, ""))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker("w-1").Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Calls() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for _, j := range ids {
		got, _ := h.st.get(j.ID)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
	}
}

func TestRun_SurvivesClaimErrors(t *testing.T) {
	h := newHarness(t, nil, mock.NewMockStrategy("pdf", "pdf"))
	h.st.mu.Lock()
	h.st.claimErr = errors.New("database is down")
	h.st.mu.Unlock()
	job := h.seed("pdf", "a.pdf", "x", 3, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker("w-1").Run(ctx)

	time.Sleep(50 * time.Millisecond)
	h.st.mu.Lock()
	h.st.claimErr = nil
	h.st.mu.Unlock()

	assert.Eventually(t, func() bool {
		got, _ := h.st.get(job.ID)
		return got.Status == models.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	families, err := h.promReg.Gather()
	require.NoError(t, err)
	var claimErrors float64
	for _, mf := range families {
		if mf.GetName() == "docworker_claim_errors_total" {
			claimErrors = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.GreaterOrEqual(t, claimErrors, 1.0)
}
