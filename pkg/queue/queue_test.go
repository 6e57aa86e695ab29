package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll[T any](t *testing.T, q *Queue[T]) []T {
	t.Helper()
	var got []T
	_, err := q.DrainTo(func(v T) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestQueueFIFO(t *testing.T) {
	q := New[string](8)
	for _, v := range []string{"m1", "m2", "m3"} {
		_, evicted, err := q.Enqueue(v)
		require.NoError(t, err)
		require.False(t, evicted)
	}

	assert.Equal(t, []string{"m1", "m2", "m3"}, drainAll(t, q))
	assert.Equal(t, 0, q.Len())
}

func TestQueueBoundEvictsOldest(t *testing.T) {
	const capacity = 3
	var reported []int
	q := New[int](capacity, WithEvictHandler(func(v int) { reported = append(reported, v) }))

	var evictedValues []int
	for i := 1; i <= 7; i++ {
		ev, did, err := q.Enqueue(i)
		require.NoError(t, err)
		if did {
			evictedValues = append(evictedValues, ev)
		}
	}

	assert.Equal(t, capacity, q.Len())
	assert.Equal(t, []int{5, 6, 7}, q.Snapshot())
	assert.Equal(t, []int{1, 2, 3, 4}, evictedValues)
	assert.Equal(t, []int{1, 2, 3, 4}, reported)
	assert.EqualValues(t, 4, q.Evictions())
}

func TestQueueDrainPartialFailureRequeuesInOrder(t *testing.T) {
	q := New[string](10)
	for _, v := range []string{"a", "b", "c", "d"} {
		_, _, err := q.Enqueue(v)
		require.NoError(t, err)
	}

	sinkErr := errors.New("write failed")
	var delivered []string
	n, err := q.DrainTo(func(v string) error {
		if v == "c" {
			// Something enqueued while the drain is in flight goes after
			// the re-queued remainder.
			_, _, qerr := q.Enqueue("e")
			require.NoError(t, qerr)
			return sinkErr
		}
		delivered = append(delivered, v)
		return nil
	})

	require.ErrorIs(t, err, sinkErr)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, delivered)
	assert.Equal(t, []string{"c", "d", "e"}, q.Snapshot())
}

func TestQueueRequeueOverflowEvictsOldest(t *testing.T) {
	var reported []int
	q := New[int](3, WithEvictHandler(func(v int) { reported = append(reported, v) }))
	for i := 1; i <= 3; i++ {
		_, _, err := q.Enqueue(i)
		require.NoError(t, err)
	}

	_, err := q.DrainTo(func(v int) error {
		if v == 1 {
			for j := 10; j <= 11; j++ {
				_, _, qerr := q.Enqueue(j)
				require.NoError(t, qerr)
			}
			return errors.New("boom")
		}
		return nil
	})
	require.Error(t, err)

	assert.Equal(t, []int{3, 10, 11}, q.Snapshot())
	assert.Equal(t, []int{1, 2}, reported)
}

func TestQueueDeduplicatesByKey(t *testing.T) {
	type msg struct{ id, body string }
	q := New[msg](4, WithKey(func(m msg) string { return m.id }))

	_, _, err := q.Enqueue(msg{"1", "first"})
	require.NoError(t, err)
	_, _, err = q.Enqueue(msg{"1", "again"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, q.Len())

	drainAll(t, q)
	_, _, err = q.Enqueue(msg{"1", "after drain"})
	assert.NoError(t, err)
}

func TestQueueDedupReleasesKeyOnEviction(t *testing.T) {
	q := New[string](1, WithKey(func(s string) string { return s }))
	_, _, err := q.Enqueue("x")
	require.NoError(t, err)
	_, _, err = q.Enqueue("y")
	require.NoError(t, err)
	_, _, err = q.Enqueue("x")
	assert.NoError(t, err)
	assert.Equal(t, []string{"x"}, q.Snapshot())
}

func TestQueueMinimumCapacity(t *testing.T) {
	q := New[int](0)
	assert.Equal(t, 1, q.Cap())
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	q := New[string](1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _, _ = q.Enqueue(fmt.Sprintf("%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 400, q.Len())
	q.Clear()
	assert.Equal(t, 0, q.Len())
}
