package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"villagecal/pkg/models"
	"villagecal/pkg/queue"
)

// StoreSuite runs against a real postgres; the claim protocol's SKIP
// LOCKED semantics have no sqlite analogue. Set TEST_DB_URL to enable.
type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		s.T().Skip("Skipping postgres store tests (TEST_DB_URL not set)")
	}

	store, err := NewStore(dbURL, 16)
	if err != nil {
		s.T().Skipf("Skipping postgres store tests: %v", err)
	}
	s.store = store
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *StoreSuite) SetupTest() {
	require.NoError(s.T(), s.store.DB().Exec("DELETE FROM jobs").Error)
}

func (s *StoreSuite) enqueue(opts queue.EnqueueOptions) uuid.UUID {
	id, err := s.store.Enqueue(s.ctx, "test_queue", json.RawMessage(`{"n":1}`), opts)
	require.NoError(s.T(), err)
	return id
}

func (s *StoreSuite) TestEnqueueDefaults() {
	id := s.enqueue(queue.EnqueueOptions{})

	job, err := s.store.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), queue.DefaultPriority, job.Priority)
	assert.Equal(s.T(), queue.DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(s.T(), 0, job.Attempts)
	assert.Equal(s.T(), models.JobStatePending, job.State())
}

func (s *StoreSuite) TestEnqueueRejectsBadOptions() {
	_, err := s.store.Enqueue(s.ctx, "test_queue", nil, queue.EnqueueOptions{Priority: 101})
	assert.Error(s.T(), err)
	_, err = s.store.Enqueue(s.ctx, "test_queue", nil, queue.EnqueueOptions{MaxAttempts: 11})
	assert.Error(s.T(), err)
}

func (s *StoreSuite) TestDedupeReturnsExistingID() {
	opts := queue.EnqueueOptions{DedupeKey: "rollup:2026-07-31"}
	first := s.enqueue(opts)
	second := s.enqueue(opts)
	assert.Equal(s.T(), first, second)

	// A terminal row frees the key.
	_, err := s.store.CancelPending(s.ctx, first)
	require.NoError(s.T(), err)
	third := s.enqueue(opts)
	assert.NotEqual(s.T(), first, third)
}

func (s *StoreSuite) TestClaimOrdering() {
	now := time.Now().UTC()

	later := now.Add(-1 * time.Second)
	mid := now.Add(-2 * time.Second)
	earliest := now.Add(-3 * time.Second)

	// A: high priority, latest run_at. B and C tie on priority; C has
	// the earlier run_at.
	idA := s.enqueue(queue.EnqueueOptions{Priority: 10, RunAt: &later})
	idB := s.enqueue(queue.EnqueueOptions{Priority: 5, RunAt: &mid})
	idC := s.enqueue(queue.EnqueueOptions{Priority: 5, RunAt: &earliest})

	var order []uuid.UUID
	for i := 0; i < 3; i++ {
		jobs, err := s.store.ClaimBatch(s.ctx, "w1", 1, time.Minute)
		require.NoError(s.T(), err)
		require.Len(s.T(), jobs, 1)
		order = append(order, jobs[0].ID)
		require.NoError(s.T(), s.store.CompleteSuccess(s.ctx, jobs[0].ID, "w1"))
	}

	assert.Equal(s.T(), []uuid.UUID{idA, idC, idB}, order)
}

func (s *StoreSuite) TestCreatedBreaksTies() {
	now := time.Now().UTC().Truncate(time.Second)
	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		want = append(want, s.enqueue(queue.EnqueueOptions{Priority: 5, RunAt: &now}))
		time.Sleep(5 * time.Millisecond)
	}

	var got []uuid.UUID
	for range want {
		jobs, err := s.store.ClaimBatch(s.ctx, "w1", 1, time.Minute)
		require.NoError(s.T(), err)
		require.Len(s.T(), jobs, 1)
		got = append(got, jobs[0].ID)
		require.NoError(s.T(), s.store.CompleteSuccess(s.ctx, jobs[0].ID, "w1"))
	}
	assert.Equal(s.T(), want, got)
}

func (s *StoreSuite) TestSkipLockedClaimersSplitTheSet() {
	for i := 0; i < 10; i++ {
		s.enqueue(queue.EnqueueOptions{})
	}

	var wg sync.WaitGroup
	results := make([][]models.Job, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			jobs, err := s.store.ClaimBatch(s.ctx, fmt.Sprintf("claimer-%d", w), 10, time.Minute)
			require.NoError(s.T(), err)
			results[w] = jobs
		}(w)
	}
	wg.Wait()

	seen := make(map[uuid.UUID]bool)
	total := 0
	for _, jobs := range results {
		for _, j := range jobs {
			assert.False(s.T(), seen[j.ID], "job %s claimed twice", j.ID)
			seen[j.ID] = true
			total++
		}
	}
	assert.Equal(s.T(), 10, total)
}

func (s *StoreSuite) TestReclaimAndLockLost() {
	id := s.enqueue(queue.EnqueueOptions{})

	jobs, err := s.store.ClaimBatch(s.ctx, "sleepy", 1, time.Minute)
	require.NoError(s.T(), err)
	require.Len(s.T(), jobs, 1)

	// TTL of zero makes the fresh lock immediately stale.
	count, err := s.store.ReclaimStuck(s.ctx, 0)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), count)

	job, err := s.store.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatePending, job.State())
	assert.Equal(s.T(), 1, job.Attempts, "reclaim must not change attempts")

	// The sleepy worker wakes up and must be told it lost the lock.
	err = s.store.CompleteSuccess(s.ctx, id, "sleepy")
	assert.ErrorIs(s.T(), err, queue.ErrLockLost)
	err = s.store.CompleteFailure(s.ctx, id, "sleepy", "late", queue.TerminalFailure())
	assert.ErrorIs(s.T(), err, queue.ErrLockLost)

	// A second worker picks it up cleanly.
	jobs, err = s.store.ClaimBatch(s.ctx, "fresh", 1, time.Minute)
	require.NoError(s.T(), err)
	require.Len(s.T(), jobs, 1)
	assert.Equal(s.T(), 2, jobs[0].Attempts)
	require.NoError(s.T(), s.store.CompleteSuccess(s.ctx, id, "fresh"))
}

func (s *StoreSuite) TestCompleteFailureRetrySchedules() {
	id := s.enqueue(queue.EnqueueOptions{})
	_, err := s.store.ClaimBatch(s.ctx, "w1", 1, time.Minute)
	require.NoError(s.T(), err)

	retryAt := time.Now().UTC().Add(90 * time.Second)
	require.NoError(s.T(), s.store.CompleteFailure(s.ctx, id, "w1", "storage_unavailable: 503", queue.RetryAt(retryAt)))

	job, err := s.store.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatePending, job.State())
	assert.WithinDuration(s.T(), retryAt, job.RunAt, time.Second)
	require.NotNil(s.T(), job.LastError)
	assert.Contains(s.T(), *job.LastError, "storage_unavailable")

	// Not runnable until retry_at passes.
	jobs, err := s.store.ClaimBatch(s.ctx, "w1", 1, time.Minute)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), jobs)
}

func (s *StoreSuite) TestTerminalStatesAreExclusiveAndFinal() {
	id := s.enqueue(queue.EnqueueOptions{})
	_, err := s.store.ClaimBatch(s.ctx, "w1", 1, time.Minute)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.CompleteFailure(s.ctx, id, "w1", "decode", queue.TerminalFailure()))

	job, err := s.store.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	assert.True(s.T(), job.CompletedWithFailure)
	assert.False(s.T(), job.Complete)
	assert.NotNil(s.T(), job.FailedAt)

	// Terminal rows are never claimed again.
	jobs, err := s.store.ClaimBatch(s.ctx, "w2", 10, time.Minute)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), jobs)
}

func (s *StoreSuite) TestCancelPending() {
	id := s.enqueue(queue.EnqueueOptions{})

	ok, err := s.store.CancelPending(s.ctx, id)
	require.NoError(s.T(), err)
	assert.True(s.T(), ok)

	job, err := s.store.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStateFailed, job.State())
	require.NotNil(s.T(), job.LastError)
	assert.Equal(s.T(), "cancelled", *job.LastError)

	// Second cancel is a no-op returning false, as is cancelling a
	// locked row.
	ok, err = s.store.CancelPending(s.ctx, id)
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)

	id2 := s.enqueue(queue.EnqueueOptions{})
	_, err = s.store.ClaimBatch(s.ctx, "w1", 1, time.Minute)
	require.NoError(s.T(), err)
	ok, err = s.store.CancelPending(s.ctx, id2)
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)
}

func (s *StoreSuite) TestLastErrorTruncated() {
	id := s.enqueue(queue.EnqueueOptions{})
	_, err := s.store.ClaimBatch(s.ctx, "w1", 1, time.Minute)
	require.NoError(s.T(), err)

	huge := strings.Repeat("x", 64*1024)
	require.NoError(s.T(), s.store.CompleteFailure(s.ctx, id, "w1", huge, queue.TerminalFailure()))

	job, err := s.store.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), job.LastError)
	assert.LessOrEqual(s.T(), len(*job.LastError), lastErrorMaxBytes)
}

func (s *StoreSuite) TestListFilters() {
	pendingID := s.enqueue(queue.EnqueueOptions{ActorID: "cal-1"})
	doneID := s.enqueue(queue.EnqueueOptions{ActorID: "cal-2"})
	_, err := s.store.ClaimBatch(s.ctx, "w1", 2, time.Minute)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.CompleteSuccess(s.ctx, pendingID, "w1"))
	require.NoError(s.T(), s.store.CompleteFailure(s.ctx, doneID, "w1", "boom", queue.TerminalFailure()))

	succeeded, err := s.store.List(s.ctx, queue.ListFilter{State: models.JobStateSucceeded}, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), succeeded, 1)
	assert.Equal(s.T(), pendingID, succeeded[0].ID)

	failed, err := s.store.List(s.ctx, queue.ListFilter{State: models.JobStateFailed, ActorID: "cal-2"}, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), failed, 1)
	assert.Equal(s.T(), doneID, failed[0].ID)
}

// TestAtMostOneConcurrentExecution stresses the claim protocol: many
// claimers, every claim finalized, and the books must balance exactly.
func (s *StoreSuite) TestAtMostOneConcurrentExecution() {
	const numJobs = 60
	const numClaimers = 16

	for i := 0; i < numJobs; i++ {
		s.enqueue(queue.EnqueueOptions{})
	}

	var mu sync.Mutex
	claims := make(map[uuid.UUID]int)

	var wg sync.WaitGroup
	for w := 0; w < numClaimers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			workerID := fmt.Sprintf("stress-%d", w)
			for {
				jobs, err := s.store.ClaimBatch(s.ctx, workerID, 3, time.Minute)
				require.NoError(s.T(), err)
				if len(jobs) == 0 {
					return
				}
				for _, j := range jobs {
					mu.Lock()
					claims[j.ID]++
					mu.Unlock()
					require.NoError(s.T(), s.store.CompleteSuccess(s.ctx, j.ID, workerID))
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(s.T(), claims, numJobs)
	for id, n := range claims {
		assert.Equal(s.T(), 1, n, "job %s claimed %d times", id, n)
	}

	var totalAttempts int64
	require.NoError(s.T(), s.store.DB().Raw("SELECT COALESCE(SUM(attempts), 0) FROM jobs").Scan(&totalAttempts).Error)
	assert.Equal(s.T(), int64(numJobs), totalAttempts)
}
