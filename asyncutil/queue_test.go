package asyncutil

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundedQueue_pushPopOrder(t *testing.T) {
	q := NewBoundedQueue[int](3)

	assert.True(t, q.Push(1))
	assert.True(t, q.Push(2))
	assert.True(t, q.Push(3))
	assert.False(t, q.Push(4), "queue is at capacity")

	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, q.Push(4), "room freed by the Pop above")

	for _, want := range []int{2, 3, 4} {
		v, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, want, v)
	}

	_, ok = q.Pop()
	assert.False(t, ok, "queue is empty")
}

func TestBoundedQueue_drainTo(t *testing.T) {
	q := NewBoundedQueue[int](10)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	var drained []int
	q.DrainTo(func(v int) bool {
		drained = append(drained, v)
		return true
	})

	assert.Equal(t, []int{0, 1, 2, 3, 4}, drained)
	assert.Equal(t, 0, q.Len())
}

func TestBoundedQueue_drainToStopsEarly(t *testing.T) {
	q := NewBoundedQueue[int](10)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	var drained []int
	q.DrainTo(func(v int) bool {
		drained = append(drained, v)
		return v < 2
	})

	assert.Equal(t, []int{0, 1, 2}, drained)
	assert.Equal(t, 2, q.Len(), "items after the stop point remain queued")
}

// TestBoundedQueue_linearizable is spec §8 property 6: under concurrent
// producers and consumers, every successfully pushed item is popped exactly
// once; nothing invented, nothing lost.
func TestBoundedQueue_linearizable(t *testing.T) {
	const producers = 8
	const itemsPerProducer = 500
	const capacity = 64

	q := NewBoundedQueue[int](capacity)

	var pushed int64
	var popped int64
	var wg sync.WaitGroup

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sent := 0
			for sent < itemsPerProducer {
				if q.Push(sent) {
					sent++
					atomic.AddInt64(&pushed, 1)
				}
			}
		}()
	}

	done := make(chan struct{})
	var consumerWg sync.WaitGroup
	for c := 0; c < producers; c++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			for {
				if _, ok := q.Pop(); ok {
					atomic.AddInt64(&popped, 1)
					continue
				}
				select {
				case <-done:
					// Drain whatever is left after producers finish.
					for {
						if _, ok := q.Pop(); ok {
							atomic.AddInt64(&popped, 1)
							continue
						}
						return
					}
				default:
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	consumerWg.Wait()

	assert.Equal(t, int64(producers*itemsPerProducer), atomic.LoadInt64(&pushed))
	assert.Equal(t, atomic.LoadInt64(&pushed), atomic.LoadInt64(&popped))
	assert.Equal(t, 0, q.Len())
}
