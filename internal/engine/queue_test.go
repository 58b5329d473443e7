package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueue_FIFO(t *testing.T) {
	q := newJobQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(id))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestJobQueue_WaitSignals(t *testing.T) {
	q := newJobQueue()
	got := make(chan string, 1)
	go func() {
		<-q.Wait()
		id, _ := q.TryDequeue()
		got <- id
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue("job-1")

	select {
	case id := <-got:
		assert.Equal(t, "job-1", id)
	case <-time.After(time.Second):
		t.Fatal("waiter was not signalled")
	}
}

func TestJobQueue_Close(t *testing.T) {
	q := newJobQueue()
	q.Enqueue("left-over")
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue("late"), "enqueue after close should fail")
	_, open := <-q.Wait()
	assert.False(t, open, "close wakes waiters")

	id, ok := q.TryDequeue()
	require.True(t, ok, "queued ids survive close")
	assert.Equal(t, "left-over", id)
}

func TestJobQueue_ConcurrentProducers(t *testing.T) {
	q := newJobQueue()
	const producers, each = 10, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Enqueue("x")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*each, q.Len())
}

func TestPool_SeqIsUniqueAcrossGoroutines(t *testing.T) {
	p := newPool(1, NewSequenceGenerator("job"), time.Now, slog.New(slog.NewTextHandler(io.Discard, nil)))
	const goroutines, calls = 20, 50

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				job, err := p.submit(JobMerge, 1, func(context.Context) (any, error) { return nil, nil })
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[job.Seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*calls)
	assert.False(t, seen[0], "sequence starts at 1")
	assert.Equal(t, goroutines*calls, p.queue.Len())
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("job")
	assert.Equal(t, "job-1", g.Generate())
	assert.Equal(t, "job-2", g.Generate())

	id := UUIDv7Generator{}.Generate()
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, UUIDv7Generator{}.Generate())
}
