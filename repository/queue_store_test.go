package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestValkey(t *testing.T) (*valkey.Client, *miniredis.Miniredis) {
	return dialTestValkey(t, false)
}

// dialTestValkey starts miniredis. With cluster set the client discovers
// slots through CLUSTER SLOTS, which miniredis answers with a single node.
func dialTestValkey(t *testing.T, cluster bool) (*valkey.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.Config{
		Address:        mr.Addr(),
		KeyPrefix:      "azpub-test",
		Cluster:        cluster,
		DisableCache:   true,
		ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Skipf("valkey client cannot talk to miniredis: %v", err)
	}
	t.Cleanup(client.Close)
	return client, mr
}

type storeFactory func(t *testing.T) queue.Store

func queueStores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) queue.Store { return NewMemoryQueueStore() },
		"valkey": func(t *testing.T) queue.Store {
			client, _ := newTestValkey(t)
			return NewValkeyQueueStore(client)
		},
		"valkey-cluster": func(t *testing.T) queue.Store {
			client, _ := dialTestValkey(t, true)
			return NewValkeyQueueStore(client)
		},
	}
}

func newJob(id, platform string, p queue.Priority) *queue.Job {
	return &queue.Job{
		ID:            id,
		PublicationID: "pub-1",
		Platform:      platform,
		PayloadRef:    "content/" + id,
		Priority:      p,
		State:         queue.StateQueued,
		MaxAttempts:   3,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func scheduledJob(id, platform string, at time.Time) *queue.Job {
	j := newJob(id, platform, queue.PriorityNormal)
	j.State = queue.StateScheduled
	j.ScheduledAt = at
	return j
}

func runStoreSuite(t *testing.T, name string, test func(t *testing.T, s queue.Store)) {
	for backend, factory := range queueStores() {
		t.Run(backend+"/"+name, func(t *testing.T) {
			test(t, factory(t))
		})
	}
}

func TestQueueStore_InsertGet(t *testing.T) {
	runStoreSuite(t, "insert-get", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		job := newJob("j1", "twitter", queue.PriorityHigh)
		job.Account = "brand"
		job.Topic = "launch"
		require.NoError(t, s.Insert(ctx, job))

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "twitter", got.Platform)
		assert.Equal(t, "brand", got.Account)
		assert.Equal(t, "launch", got.Topic)
		assert.Equal(t, queue.PriorityHigh, got.Priority)
		assert.Equal(t, queue.StateQueued, got.State)
		assert.Equal(t, 3, got.MaxAttempts)
		assert.True(t, got.CreatedAt.Equal(t0))

		err = s.Insert(ctx, job)
		assert.ErrorIs(t, err, queue.ErrStateConflict)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})
}

func TestQueueStore_ClaimOrdersByPriorityThenFIFO(t *testing.T) {
	runStoreSuite(t, "ordering", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, newJob("n1", "twitter", queue.PriorityNormal)))
		require.NoError(t, s.Insert(ctx, newJob("l1", "twitter", queue.PriorityLow)))
		require.NoError(t, s.Insert(ctx, newJob("n2", "twitter", queue.PriorityNormal)))
		require.NoError(t, s.Insert(ctx, newJob("u1", "twitter", queue.PriorityUrgent)))
		require.NoError(t, s.Insert(ctx, newJob("h1", "twitter", queue.PriorityHigh)))
		require.NoError(t, s.Insert(ctx, newJob("other", "ghost", queue.PriorityUrgent)))

		var order []string
		for {
			j, err := s.Claim(ctx, "twitter", "w1", t0)
			require.NoError(t, err)
			if j == nil {
				break
			}
			assert.Equal(t, queue.StateProcessing, j.State)
			assert.Equal(t, "w1", j.Owner)
			order = append(order, j.ID)
		}
		assert.Equal(t, []string{"u1", "h1", "n1", "n2", "l1"}, order)
	})
}

func TestQueueStore_ConcurrentClaimIsExclusive(t *testing.T) {
	runStoreSuite(t, "exclusive", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		const jobs = 40
		for i := 0; i < jobs; i++ {
			require.NoError(t, s.Insert(ctx, newJob(fmt.Sprintf("j%02d", i), "linkedin", queue.PriorityNormal)))
		}

		var mu sync.Mutex
		claimed := map[string]string{}
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			owner := fmt.Sprintf("w%d", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.Claim(ctx, "linkedin", owner, t0)
					if err != nil || j == nil {
						return
					}
					mu.Lock()
					if prev, dup := claimed[j.ID]; dup {
						t.Errorf("job %s claimed by %s and %s", j.ID, prev, owner)
					}
					claimed[j.ID] = owner
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, claimed, jobs)
	})
}

func TestQueueStore_ApplyCompareAndSwap(t *testing.T) {
	runStoreSuite(t, "cas", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, newJob("j1", "ghost", queue.PriorityNormal)))
		_, err := s.Claim(ctx, "ghost", "w1", t0)
		require.NoError(t, err)

		_, err = s.Apply(ctx, "j1", queue.Transition{From: []queue.State{queue.StateProcessing}, To: queue.StateCompleted, ExpectedOwner: "w2", Now: t0})
		assert.ErrorIs(t, err, queue.ErrNotOwner)

		_, err = s.Apply(ctx, "j1", queue.Transition{From: []queue.State{queue.StateQueued}, To: queue.StateProcessing, Now: t0})
		assert.ErrorIs(t, err, queue.ErrStateConflict)

		retryAt := t0.Add(time.Minute)
		j, err := s.Apply(ctx, "j1", queue.Transition{
			From:              []queue.State{queue.StateProcessing},
			To:                queue.StateScheduled,
			ExpectedOwner:     "w1",
			RunAt:             retryAt,
			Now:               t0,
			IncrementAttempts: true,
			LastError:         "timeout",
			LastErrorKind:     "connection_timeout",
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateScheduled, j.State)
		assert.Equal(t, 1, j.Attempts)
		assert.Equal(t, "", j.Owner)
		assert.Equal(t, "connection_timeout", j.LastErrorKind)
		assert.True(t, j.ScheduledAt.Equal(retryAt))

		next, err := s.NextScheduled(ctx, "ghost")
		require.NoError(t, err)
		assert.True(t, next.Equal(retryAt))

		_, err = s.Apply(ctx, "missing", queue.Transition{To: queue.StateFailed, Now: t0})
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})
}

func TestQueueStore_PromoteDueInScheduleOrder(t *testing.T) {
	runStoreSuite(t, "promote", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, scheduledJob("late", "substack", t0.Add(3*time.Second))))
		require.NoError(t, s.Insert(ctx, scheduledJob("early", "substack", t0.Add(time.Second))))
		require.NoError(t, s.Insert(ctx, scheduledJob("future", "substack", t0.Add(time.Hour))))

		j, err := s.Claim(ctx, "substack", "w1", t0)
		require.NoError(t, err)
		assert.Nil(t, j)

		n, err := s.PromoteDue(ctx, "substack", t0.Add(5*time.Second), 100)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		first, err := s.Claim(ctx, "substack", "w1", t0.Add(5*time.Second))
		require.NoError(t, err)
		second, err := s.Claim(ctx, "substack", "w1", t0.Add(5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, "early", first.ID)
		assert.Equal(t, "late", second.ID)

		counts, err := s.Counts(ctx, "substack")
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[queue.StateScheduled])
		assert.Equal(t, int64(2), counts[queue.StateProcessing])
		assert.Equal(t, int64(0), counts[queue.StateQueued])
	})
}

func TestQueueStore_RequeuedJobTakesNewPosition(t *testing.T) {
	runStoreSuite(t, "requeue", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, newJob("a", "twitter", queue.PriorityNormal)))
		require.NoError(t, s.Insert(ctx, newJob("b", "twitter", queue.PriorityNormal)))

		// cancel a while queued, then retry it: it must go behind b
		_, err := s.Apply(ctx, "a", queue.Transition{From: []queue.State{queue.StateQueued}, To: queue.StateFailed, Now: t0, LastErrorKind: queue.ErrorKindCancelled, LastError: "cancelled"})
		require.NoError(t, err)
		_, err = s.Apply(ctx, "a", queue.Transition{From: []queue.State{queue.StateFailed}, To: queue.StateQueued, Now: t0, ResetAttempts: true, ClearError: true})
		require.NoError(t, err)

		first, _ := s.Claim(ctx, "twitter", "w", t0)
		second, _ := s.Claim(ctx, "twitter", "w", t0)
		third, _ := s.Claim(ctx, "twitter", "w", t0)
		require.NotNil(t, first)
		require.NotNil(t, second)
		assert.Equal(t, "b", first.ID)
		assert.Equal(t, "a", second.ID)
		assert.Equal(t, "", second.LastErrorKind)
		assert.Nil(t, third)
	})
}

func TestQueueStore_CancelRequestHonoured(t *testing.T) {
	runStoreSuite(t, "cancel", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, newJob("j1", "ghost", queue.PriorityNormal)))

		ok, err := s.RequestCancel(ctx, "j1")
		require.NoError(t, err)
		assert.False(t, ok, "queued jobs are not flagged")

		_, err = s.Claim(ctx, "ghost", "w1", t0)
		require.NoError(t, err)
		ok, err = s.RequestCancel(ctx, "j1")
		require.NoError(t, err)
		assert.True(t, ok)

		j, err := s.Apply(ctx, "j1", queue.Transition{
			From:          []queue.State{queue.StateProcessing},
			To:            queue.StateCompleted,
			ExpectedOwner: "w1",
			Now:           t0,
			HonorCancel:   true,
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateFailed, j.State)
		assert.Equal(t, queue.ErrorKindCancelled, j.LastErrorKind)
		assert.False(t, j.CancelRequested)

		_, err = s.RequestCancel(ctx, "missing")
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})
}

func TestQueueStore_StaleProcessingAndList(t *testing.T) {
	runStoreSuite(t, "stale", func(t *testing.T, s queue.Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, newJob("old", "linkedin", queue.PriorityNormal)))
		require.NoError(t, s.Insert(ctx, newJob("fresh", "linkedin", queue.PriorityNormal)))
		_, err := s.Claim(ctx, "linkedin", "w1", t0)
		require.NoError(t, err)
		_, err = s.Claim(ctx, "linkedin", "w2", t0.Add(10*time.Minute))
		require.NoError(t, err)

		ids, err := s.StaleProcessing(ctx, "linkedin", t0.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)

		listed, err := s.List(ctx, "linkedin", queue.StateProcessing, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"old", "fresh"}, listed)

		last, err := s.List(ctx, "linkedin", queue.StateProcessing, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, last)
	})
}

func TestMemoryQueueStore_SetFailure(t *testing.T) {
	s := NewMemoryQueueStore()
	s.SetFailure(errors.New("connection refused"))
	err := s.Insert(context.Background(), newJob("j1", "twitter", queue.PriorityNormal))
	assert.ErrorIs(t, err, pkgError.ErrStoreUnavailable)
	_, err = s.Claim(context.Background(), "twitter", "w", t0)
	assert.ErrorIs(t, err, pkgError.ErrStoreUnavailable)

	s.SetFailure(nil)
	assert.NoError(t, s.Insert(context.Background(), newJob("j1", "twitter", queue.PriorityNormal)))
}

func TestValkeyQueueStore_UnreachableIsUnavailable(t *testing.T) {
	client, mr := newTestValkey(t)
	s := NewValkeyQueueStore(client)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Insert(ctx, newJob("j1", "twitter", queue.PriorityNormal))
	assert.ErrorIs(t, err, pkgError.ErrStoreUnavailable)
}

func TestValkeyQueueStore_KeysShareOneSlot(t *testing.T) {
	client, mr := newTestValkey(t)
	s := NewValkeyQueueStore(client)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, newJob("j1", "twitter", queue.PriorityNormal)))
	require.NoError(t, s.Insert(ctx, scheduledJob("j2", "ghost", t0.Add(time.Hour))))

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Contains(t, k, "{jobs}", k)
	}
}
