package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

// memStore is an in-memory JobStore that records every status transition so
// tests can assert state machine legality.
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	transitions map[string][]models.JobStatus
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        map[string]*models.Job{},
		transitions: map[string][]models.JobStatus{},
	}
}

func (s *memStore) record(j *models.Job) {
	s.transitions[j.ID] = append(s.transitions[j.ID], j.Status)
}

func (s *memStore) InsertJob(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *j
	s.jobs[j.ID] = &clone
	s.record(&clone)
	return nil
}

func (s *memStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, &pipeline.NotFoundError{Kind: "job", ID: jobID}
	}
	clone := *j
	return &clone, nil
}

func (s *memStore) MarkJobProcessing(ctx context.Context, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.Status != models.JobPending && j.Status != models.JobRetryPending {
		return false, nil
	}
	j.Status = models.JobProcessing
	j.Error = nil
	s.record(j)
	return true, nil
}

func (s *memStore) CompleteJob(ctx context.Context, jobID string, result any, progress models.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.Status != models.JobProcessing {
		return nil
	}
	raw, _ := json.Marshal(result)
	now := time.Now()
	j.Status = models.JobCompleted
	j.Result = raw
	j.Progress = progress
	j.CompletedAt = &now
	s.record(j)
	return nil
}

func (s *memStore) FailJob(_ context.Context, jobID string, jobErr models.JobError, progress models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.Status != models.JobProcessing {
		return nil
	}
	j.Status = models.JobFailed
	j.Error = &jobErr
	j.Progress = progress
	s.record(j)
	return nil
}

func (s *memStore) UpdateJobProgress(_ context.Context, jobID string, progress models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Progress = progress
	return nil
}

func (s *memStore) MarkJobRetry(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.Status != models.JobFailed || j.Error == nil || !j.Error.Retryable || j.RetryCount >= j.MaxRetries {
		return false, nil
	}
	j.Status = models.JobRetryPending
	j.RetryCount++
	s.record(j)
	return true, nil
}

func (s *memStore) StaleJobs(_ context.Context, olderThan time.Duration) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var stale []models.Job
	for _, j := range s.jobs {
		staleStatus := j.Status == models.JobProcessing || j.Status == models.JobPending
		if staleStatus && j.UpdatedAt.Before(cutoff) {
			stale = append(stale, *j)
		}
	}
	return stale, nil
}

func (s *memStore) RequeueStaleJob(_ context.Context, jobID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.Status != models.JobProcessing {
		return false, nil
	}
	j.Status = models.JobRetryPending
	s.record(j)
	return true, nil
}

func (s *memStore) sequence(jobID string) []models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobStatus(nil), s.transitions[jobID]...)
}

func newOrchestrator(store JobStore) *Orchestrator {
	return New(store, zap.NewNop(), 3, time.Minute)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, progress func(models.Progress)) (any, error) {
		progress(models.Progress{Total: 2, Completed: 2})
		return models.FetchResult{FilesUploaded: 2}, nil
	})

	job, err := o.Submit(context.Background(), "u1", models.JobEmailFetch, models.FetchPayload{})
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Contains(t, job.ID, "email_fetch_u1_")

	o.Wait()

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 2, final.Progress.Completed)
	assert.NotNil(t, final.CompletedAt)

	assert.Equal(t,
		[]models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted},
		store.sequence(job.ID))
}

func TestSubmitUnknownTypeRejected(t *testing.T) {
	o := newOrchestrator(newMemStore())

	_, err := o.Submit(context.Background(), "u1", models.JobType("BOGUS"), nil)

	var valErr *pipeline.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestFailureClassification(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		return nil, pipeline.Transient("gmail list messages", errors.New("429 rate limited"))
	})

	job, err := o.Submit(context.Background(), "u1", models.JobEmailFetch, nil)
	require.NoError(t, err)
	o.Wait()

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.True(t, final.Error.Retryable)
	assert.True(t, final.Retryable())
}

func TestValidationFailureNotRetryable(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		return nil, &pipeline.ValidationError{Field: "fromDate", Reason: "malformed"}
	})

	job, _ := o.Submit(context.Background(), "u1", models.JobEmailFetch, nil)
	o.Wait()

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.False(t, final.Error.Retryable)
	assert.False(t, final.Retryable())
}

func TestRetryAfterTransientFailure(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	var attempts int
	var mu sync.Mutex
	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, pipeline.Transient("gmail search", errors.New("timeout"))
		}
		return models.FetchResult{FilesUploaded: 1}, nil
	})

	job, err := o.Submit(context.Background(), "u1", models.JobEmailFetch, nil)
	require.NoError(t, err)
	o.Wait()

	retried, err := o.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	o.Wait()

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)

	assert.Equal(t,
		[]models.JobStatus{
			models.JobPending, models.JobProcessing, models.JobFailed,
			models.JobRetryPending, models.JobProcessing, models.JobCompleted,
		},
		store.sequence(job.ID))
}

func TestRetryGating(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		return models.FetchResult{}, nil
	})
	o.Register(models.JobVendorSync, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		return nil, &pipeline.ValidationError{Field: "userId", Reason: "missing"}
	})

	t.Run("completed job", func(t *testing.T) {
		job, _ := o.Submit(context.Background(), "u1", models.JobEmailFetch, nil)
		o.Wait()

		_, err := o.Retry(context.Background(), job.ID)
		var valErr *pipeline.ValidationError
		require.ErrorAs(t, err, &valErr)

		final, _ := store.GetJob(context.Background(), job.ID)
		assert.Equal(t, models.JobCompleted, final.Status)
		assert.Equal(t, 0, final.RetryCount, "rejected retry must have no side effects")
	})

	t.Run("non-retryable error", func(t *testing.T) {
		job, _ := o.Submit(context.Background(), "u1", models.JobVendorSync, nil)
		o.Wait()

		_, err := o.Retry(context.Background(), job.ID)
		var valErr *pipeline.ValidationError
		require.ErrorAs(t, err, &valErr)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := o.Retry(context.Background(), "nope")
		var nfErr *pipeline.NotFoundError
		require.ErrorAs(t, err, &nfErr)
	})
}

func TestRetryBudgetExhaustion(t *testing.T) {
	store := newMemStore()
	o := New(store, zap.NewNop(), 2, time.Minute)

	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		return nil, pipeline.Transient("always failing", errors.New("boom"))
	})

	job, _ := o.Submit(context.Background(), "u1", models.JobEmailFetch, nil)
	o.Wait()

	for i := 1; i <= 2; i++ {
		retried, err := o.Retry(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, i, retried.RetryCount)
		o.Wait()
	}

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.True(t, final.Terminal())

	_, err := o.Retry(context.Background(), job.ID)
	var valErr *pipeline.ValidationError
	require.ErrorAs(t, err, &valErr)

	final, _ = store.GetJob(context.Background(), job.ID)
	assert.Equal(t, 2, final.RetryCount, "retry count never exceeds the budget")
}

func TestTerminalFailureHookFires(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		return nil, &pipeline.CredentialError{UserID: "u1", Reason: "disconnected"}
	})

	var mu sync.Mutex
	var notified []string
	o.OnTerminalFailure(func(job *models.Job) {
		mu.Lock()
		notified = append(notified, job.ID)
		mu.Unlock()
	})

	job, _ := o.Submit(context.Background(), "u1", models.JobEmailFetch, nil)
	o.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{job.ID}, notified)
}

func TestQueuedJobGetsFullRunTimeout(t *testing.T) {
	store := newMemStore()
	o := New(store, zap.NewNop(), 3, 150*time.Millisecond)

	o.Register(models.JobEmailFetch, func(ctx context.Context, job *models.Job, _ func(models.Progress)) (any, error) {
		var p models.FetchPayload
		_ = json.Unmarshal(job.Payload, &p)
		if p.ForceSync {
			// Holds the user lock for the whole run timeout.
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil, pipeline.Transient("gmail sync", ctx.Err())
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return models.FetchResult{FilesUploaded: 1}, nil
	})

	blocker, err := o.Submit(context.Background(), "u1", models.JobEmailFetch, models.FetchPayload{ForceSync: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := store.GetJob(context.Background(), blocker.ID)
		return j.Status == models.JobProcessing
	}, 2*time.Second, 5*time.Millisecond)

	queued, err := o.Submit(context.Background(), "u1", models.JobEmailFetch, models.FetchPayload{})
	require.NoError(t, err)

	o.Wait()

	first, _ := store.GetJob(context.Background(), blocker.ID)
	assert.Equal(t, models.JobFailed, first.Status)
	require.NotNil(t, first.Error)
	assert.True(t, first.Error.Retryable)

	second, _ := store.GetJob(context.Background(), queued.ID)
	assert.Equal(t, models.JobCompleted, second.Status,
		"time spent queued behind another job must not count against the run timeout")
}

func TestReconcilerRedispatchesStalePendingJob(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		return models.FetchResult{}, nil
	})

	// A PENDING job whose runner died before starting it.
	stranded := &models.Job{
		ID:         "email_fetch_u1_2",
		UserID:     "u1",
		Type:       models.JobEmailFetch,
		Status:     models.JobPending,
		MaxRetries: 3,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}
	store.mu.Lock()
	store.jobs[stranded.ID] = stranded
	store.mu.Unlock()

	o.reconcile(context.Background(), 15*time.Minute)
	o.Wait()

	final, _ := store.GetJob(context.Background(), stranded.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 0, final.RetryCount)
}

func TestReconcilerRequeuesStaleJob(t *testing.T) {
	store := newMemStore()
	o := newOrchestrator(store)

	done := make(chan struct{}, 1)
	o.Register(models.JobEmailFetch, func(_ context.Context, _ *models.Job, _ func(models.Progress)) (any, error) {
		done <- struct{}{}
		return models.FetchResult{}, nil
	})

	// Simulate a crash: a PROCESSING job with an old heartbeat and no
	// goroutine driving it.
	stale := &models.Job{
		ID:         "email_fetch_u1_1",
		UserID:     "u1",
		Type:       models.JobEmailFetch,
		Status:     models.JobProcessing,
		MaxRetries: 3,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}
	store.mu.Lock()
	store.jobs[stale.ID] = stale
	store.mu.Unlock()

	o.reconcile(context.Background(), 15*time.Minute)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale job was not re-run")
	}
	o.Wait()

	final, _ := store.GetJob(context.Background(), stale.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 0, final.RetryCount, "reconciler requeue does not consume a retry")
}
