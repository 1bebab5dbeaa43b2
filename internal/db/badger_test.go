package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryStore(t *testing.T) *BadgerQueueStore {
	t.Helper()
	s, err := NewBadgerQueueStore("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string) models.EventRecord {
	return models.EventRecord{
		ID:        id,
		MachineID: "m1",
		EventType: models.EventDowntime,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]string{"reason": "Tooling"},
		State:     models.StatePending,
	}
}

func ids(recs []models.EventRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestBadgerQueueStore(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	t.Run("Add", func(t *testing.T) {
		for _, id := range []string{"e3", "e1", "e2"} {
			got, err := s.Add(ctx, record(id))
			require.NoError(t, err)
			assert.Equal(t, id, got)
		}
	})

	t.Run("List keeps insertion order", func(t *testing.T) {
		recs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e1", "e2"}, ids(recs))
		assert.Equal(t, "Tooling", recs[0].Payload["reason"])
		assert.True(t, recs[0].Timestamp.Equal(record("x").Timestamp))
	})

	t.Run("Count", func(t *testing.T) {
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("Add rejects duplicate id", func(t *testing.T) {
		_, err := s.Add(ctx, record("e1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateID)

		var se *StoreError
		require.True(t, errors.As(err, &se))
		assert.False(t, se.Retryable())
		assert.Equal(t, "e1", se.ID)

		n, _ := s.Count(ctx)
		assert.Equal(t, 3, n)
	})

	t.Run("Remove is idempotent", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, "e1"))
		require.NoError(t, s.Remove(ctx, "e1"))
		require.NoError(t, s.Remove(ctx, "never-added"))

		recs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e2"}, ids(recs))
	})

	t.Run("removed id stays unique among live records only", func(t *testing.T) {
		_, err := s.Add(ctx, record("e4"))
		require.NoError(t, err)
		recs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e2", "e4"}, ids(recs))
	})
}

func TestBadgerQueueStore_SetStateAndReset(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Add(ctx, record(id))
		require.NoError(t, err)
	}

	require.NoError(t, s.SetState(ctx, "a", models.StateInFlight))
	require.NoError(t, s.SetState(ctx, "c", models.StateInFlight))
	require.NoError(t, s.SetState(ctx, "ghost", models.StateInFlight))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateInFlight, recs[0].State)
	assert.Equal(t, models.StatePending, recs[1].State)
	assert.Equal(t, models.StateInFlight, recs[2].State)

	n, err := s.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err = s.List(ctx)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, models.StatePending, r.State, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(recs))
}

func TestBadgerQueueStore_Claim(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, record("a"))
	require.NoError(t, err)

	ok, err := s.Claim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "already in flight")

	ok, err = s.Claim(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateInFlight, recs[0].State)

	_, err = s.ResetInFlight(ctx)
	require.NoError(t, err)
	ok, err = s.Claim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBadgerQueueStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewBadgerQueueStore(dir, testLogger())
	require.NoError(t, err)
	for _, id := range []string{"r1", "r2"} {
		_, err := s1.Add(ctx, record(id))
		require.NoError(t, err)
	}
	require.NoError(t, s1.SetState(ctx, "r2", models.StateInFlight))
	require.NoError(t, s1.Close())

	s2, err := NewBadgerQueueStore(dir, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	recs, err := s2.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(recs))
	assert.Equal(t, models.StateInFlight, recs[1].State)

	// New records still sort after the ones written before the restart
	_, err = s2.Add(ctx, record("r3"))
	require.NoError(t, err)
	recs, err = s2.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, ids(recs))

	_, err = s2.Add(ctx, record("r1"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestBadgerQueueStore_Corruption(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, record("ok"))
	require.NoError(t, err)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(1<<40), []byte("{not json"))
	})
	require.NoError(t, err)

	_, err = s.List(ctx)
	assert.ErrorIs(t, err, ErrCorruption)

	// Count never decodes values
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBadgerQueueStore_ConcurrentAddAndList(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Add(ctx, record(fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			recs, err := s.List(ctx)
			if !assert.NoError(t, err) {
				return
			}
			for _, r := range recs {
				assert.NotEmpty(t, r.MachineID)
			}
		}
	}()

	wg.Wait()
	<-done

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, n)

	// Per-writer order is preserved in the global order
	recs, err := s.List(ctx)
	require.NoError(t, err)
	last := map[string]int{}
	for _, r := range recs {
		var w, i int
		_, err := fmt.Sscanf(r.ID, "w%d-%d", &w, &i)
		require.NoError(t, err)
		key := fmt.Sprint(w)
		if prev, ok := last[key]; ok {
			assert.Greater(t, i, prev)
		}
		last[key] = i
	}
}

func TestBadgerQueueStore_CancelledContext(t *testing.T) {
	s := newMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Add(ctx, record("x"))
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.ErrorIs(t, err, context.Canceled)
}
