package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := New(Config{Capacity: 16, Workers: 1, Policy: PolicyDropNewest})
	defer b.Shutdown()

	var mu sync.Mutex
	var received []string
	var wg sync.WaitGroup
	wg.Add(3)
	b.Subscribe("ticks", func(data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
		wg.Done()
	})

	require.NoError(t, b.Publish("ticks", []byte("a")))
	require.NoError(t, b.Publish("ticks", []byte("b")))
	require.NoError(t, b.Publish("ticks", []byte("c")))

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, received)
}

func TestPublishRejectsEmptyPayload(t *testing.T) {
	b := New(Config{Capacity: 4, Workers: 1})
	defer b.Shutdown()
	require.ErrorIs(t, b.Publish("x", nil), ErrInvalid)
}

func TestDropNewestPolicyRejectsWhenFull(t *testing.T) {
	b := New(Config{Capacity: 1, Workers: 0, Policy: PolicyDropNewest})
	defer b.Shutdown()

	require.NoError(t, b.Publish("t", []byte("1")))
	err := b.Publish("t", []byte("2"))
	require.ErrorIs(t, err, ErrTimeout)

	m, ok := b.GetMetrics("t")
	require.True(t, ok)
	require.Equal(t, int64(1), m.Drops)
	require.Equal(t, int64(1), m.BackpressureHits)
	require.Equal(t, int64(1), m.QueueDepth)
}

func TestDropOldestPolicyEvictsFront(t *testing.T) {
	b := New(Config{Capacity: 1, Workers: 0, Policy: PolicyDropOldest})
	defer b.Shutdown()

	require.NoError(t, b.Publish("t", []byte("1")))
	require.NoError(t, b.Publish("t", []byte("2")))

	m, ok := b.GetMetrics("t")
	require.True(t, ok)
	require.Equal(t, int64(1), m.Drops)
	require.Equal(t, int64(1), m.QueueDepth)
}

func TestBlockPolicyDegradesToDropNewestWithoutConsumers(t *testing.T) {
	b := New(Config{Capacity: 1, Workers: 0, Policy: PolicyBlock, BlockTimeout: 50 * time.Millisecond})
	defer b.Shutdown()

	require.NoError(t, b.Publish("t", []byte("1")))
	err := b.Publish("t", []byte("2"))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestBlockPolicyWaitsForSpaceThenSucceeds(t *testing.T) {
	b := New(Config{Capacity: 1, Workers: 1, Policy: PolicyBlock, BlockTimeout: time.Second})
	defer b.Shutdown()

	var delivered int64
	release := make(chan struct{})
	b.Subscribe("t", func(data []byte) {
		<-release
		atomic.AddInt64(&delivered, 1)
	})

	// The worker takes "1" off the queue and holds it in the callback, so
	// "2" fills the single slot and "3" has to wait.
	require.NoError(t, b.Publish("t", []byte("1")))
	require.NoError(t, b.Publish("t", []byte("2")))

	done := make(chan error, 1)
	go func() {
		done <- b.Publish("t", []byte("3"))
	}()

	select {
	case <-done:
		t.Fatal("third publish should have blocked until the worker drained the queue")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
}

func TestBlockPolicyTimesOutWhenQueueStaysFull(t *testing.T) {
	b := New(Config{Capacity: 1, Workers: 1, Policy: PolicyBlock, BlockTimeout: 30 * time.Millisecond})
	defer b.Shutdown()

	block := make(chan struct{})
	defer close(block)
	b.Subscribe("t", func(data []byte) {
		<-block
	})

	// The worker takes "1" off the queue and stays in the callback; "2"
	// then fills the single slot, so "3" finds the queue full.
	require.NoError(t, b.Publish("t", []byte("1")))
	require.NoError(t, b.Publish("t", []byte("2")))
	err := b.Publish("t", []byte("3"))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestGetMetricsUnknownTopic(t *testing.T) {
	b := New(Config{Capacity: 4, Workers: 1})
	defer b.Shutdown()
	_, ok := b.GetMetrics("nope")
	require.False(t, ok)
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New(Config{Capacity: 4, Workers: 1})
	defer b.Shutdown()

	var a, c int64
	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe("t", func([]byte) { atomic.AddInt64(&a, 1); wg.Done() })
	b.Subscribe("t", func([]byte) { atomic.AddInt64(&c, 1); wg.Done() })

	require.NoError(t, b.Publish("t", []byte("x")))
	wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&a))
	require.Equal(t, int64(1), atomic.LoadInt64(&c))
}
