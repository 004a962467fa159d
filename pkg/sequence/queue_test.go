package sequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := NewQueue[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push("change"))

	select {
	case v := <-got:
		assert.Equal(t, "change", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := NewQueue[int]()
	require.NoError(t, q.Push(1))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Push(2), ErrQueueClosed)
	v, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.True(t, q.Closed())
}

func TestQueue_PopHonorsContext(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := NewQueue[[2]int]()
	const producers, per = 4, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_ = q.Push([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for _, item := range q.Drain() {
		assert.Greater(t, item[1], last[item[0]])
		last[item[0]] = item[1]
	}
	for p := 0; p < producers; p++ {
		assert.Equal(t, per-1, last[p])
	}
}
