package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	testingpkg "github.com/aristath/nextaction/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testingpkg.NewCoreDB(t)
	return NewStore(db.Conn(), zerolog.Nop())
}

func activityItem(opportunity, prospect string) domain.QueueItem {
	ref := domain.NewActivityRef("m-"+opportunity, domain.ModelEmailActivity)
	return domain.QueueItem{
		Type:        domain.QueueItemActivity,
		Opportunity: opportunity,
		Prospect:    prospect,
		Activity:    &ref,
	}
}

func TestStore_EnqueueIsIdempotentPerOpportunityAndType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, enqueued, err := store.Enqueue(ctx, activityItem("opp-1", "p-1"))
	require.NoError(t, err)
	require.True(t, enqueued)
	assert.Equal(t, domain.QueuePending, first.Status)
	assert.Equal(t, 0, first.Attempts)
	require.NotNil(t, first.Activity)
	assert.Equal(t, domain.ModelEmailActivity, first.Activity.Model)

	second, enqueued, err := store.Enqueue(ctx, activityItem("opp-1", "p-1"))
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, first.ID, second.ID)

	// Different type is not equivalent
	_, enqueued, err = store.Enqueue(ctx, domain.QueueItem{Type: domain.QueueItemReprocessing, Opportunity: "opp-1"})
	require.NoError(t, err)
	assert.True(t, enqueued)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.QueuePending])
}

func TestStore_SiblingOpportunitiesOfOneProspectEachGetAnItem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, enqueued, err := store.Enqueue(ctx, activityItem("opp-a", "acme"))
	require.NoError(t, err)
	require.True(t, enqueued)

	b, enqueued, err := store.Enqueue(ctx, activityItem("opp-b", "acme"))
	require.NoError(t, err)
	require.True(t, enqueued)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "opp-b", b.Opportunity)

	// An item without an opportunity is keyed by its prospect
	p, enqueued, err := store.Enqueue(ctx, activityItem("", "acme"))
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, a.ID, p.ID)

	// Both siblings are processed, one at a time per prospect
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "opp-a", claimed.Opportunity)

	next, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, store.Complete(ctx, claimed.ID))
	claimed, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "opp-b", claimed.Opportunity)
}

func TestStore_EnqueueAfterCompletionCreatesNewItem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, _, err := store.Enqueue(ctx, activityItem("opp-1", ""))
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.Complete(ctx, claimed.ID))

	second, enqueued, err := store.Enqueue(ctx, activityItem("opp-1", ""))
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStore_EnqueueValidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, domain.QueueItem{Type: "bogus", Opportunity: "opp-1"})
	assert.Error(t, err)

	_, _, err = store.Enqueue(ctx, domain.QueueItem{Type: domain.QueueItemActivity})
	assert.Error(t, err)
}

func TestStore_ClaimNextOrderAndExclusivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	a, _, err := store.Enqueue(ctx, activityItem("opp-a", "p-1"))
	require.NoError(t, err)
	store.now = func() time.Time { return base.Add(time.Second) }
	_, _, err = store.Enqueue(ctx, domain.QueueItem{Type: domain.QueueItemReprocessing, Opportunity: "opp-a", Prospect: "p-1"})
	require.NoError(t, err)
	store.now = func() time.Time { return base.Add(2 * time.Second) }
	c, _, err := store.Enqueue(ctx, activityItem("opp-c", "p-2"))
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, a.ID, claimed.ID)
	assert.Equal(t, domain.QueueProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// opp-a is processing, so its second item is skipped
	claimed, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, c.ID, claimed.ID)

	claimed, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, store.Complete(ctx, a.ID))
	claimed, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, domain.QueueItemReprocessing, claimed.Type)
}

func TestStore_ConcurrentClaimsNeverShareAKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := store.Enqueue(ctx, activityItem("opp-shared", ""))
		require.NoError(t, err)
		_, _, err = store.Enqueue(ctx, domain.QueueItem{Type: domain.QueueItemReprocessing, Opportunity: "opp-shared"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var claimed []*domain.QueueItem
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := store.ClaimNext(ctx)
			if err != nil || item == nil {
				return
			}
			mu.Lock()
			claimed = append(claimed, item)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 1)
	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.QueueProcessing])
}

func TestStore_FailIsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, activityItem("opp-1", ""))
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, item.ID, errors.New("generator unavailable")))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, got.Status)
	assert.Equal(t, "generator unavailable", got.LastError)
	assert.NotNil(t, got.ProcessedAt)

	// Not processing any more
	assert.Error(t, store.Complete(ctx, item.ID))

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	failed, err := store.List(ctx, domain.QueueFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, item.ID, failed[0].ID)
}

func TestStore_AcquireBlocksOtherWork(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquired, ok, err := store.Acquire(ctx, domain.QueueItem{Type: domain.QueueItemReprocessing, Opportunity: "opp-1", Prospect: "p-1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.QueueProcessing, acquired.Status)

	// A second acquire on the same key fails
	_, ok, err = store.Acquire(ctx, domain.QueueItem{Type: domain.QueueItemReprocessing, Opportunity: "opp-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	// A queued activity for the same prospect is not claimable meanwhile
	_, enqueued, err := store.Enqueue(ctx, activityItem("opp-2", "p-1"))
	require.NoError(t, err)
	require.True(t, enqueued)
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, store.Complete(ctx, acquired.ID))
	claimed, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "opp-2", claimed.Opportunity)
}

func TestStore_AcquireRefusesWhenPendingExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, activityItem("opp-1", ""))
	require.NoError(t, err)

	_, ok, err := store.Acquire(ctx, domain.QueueItem{Type: domain.QueueItemReprocessing, Opportunity: "opp-1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ActiveKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, activityItem("opp-pending", "p-pending"))
	require.NoError(t, err)
	done, _, err := store.Enqueue(ctx, activityItem("opp-done", "p-done"))
	require.NoError(t, err)
	require.NoError(t, forceStatus(store, done.ID, domain.QueueCompleted))

	keys, err := store.ActiveKeys(ctx)
	require.NoError(t, err)
	assert.True(t, keys.Covers("opp-pending", ""))
	assert.True(t, keys.Covers("other", "p-pending"))
	assert.False(t, keys.Covers("opp-done", "p-done"))
	assert.False(t, keys.Covers("other", ""))
}

func TestStore_DeleteCompletedBeforeKeepsFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour)
	store.now = func() time.Time { return old }

	done, _, err := store.Enqueue(ctx, activityItem("opp-1", ""))
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done.ID))

	failed, _, err := store.Enqueue(ctx, activityItem("opp-2", ""))
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, failed.ID, errors.New("boom")))

	n, err := store.DeleteCompletedBefore(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStore_FailAbandoned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stuck, _, err := store.Enqueue(ctx, activityItem("opp-1", ""))
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	store.now = time.Now
	fresh, _, err := store.Enqueue(ctx, activityItem("opp-2", ""))
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	n, err := store.FailAbandoned(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, got.Status)
	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueProcessing, got.Status)
}

func forceStatus(s *Store, id string, status domain.QueueStatus) error {
	_, err := s.db.Exec(`UPDATE queue_items SET status = ? WHERE id = ?`, string(status), id)
	return err
}
