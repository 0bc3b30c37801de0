package asyncutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventDispatcher_invokeOrder(t *testing.T) {
	var d EventDispatcher[int]

	var order []int
	d.AddListener(func(v int) { order = append(order, v*10+1) })
	d.AddListener(func(v int) { order = append(order, v*10+2) })
	d.AddListener(func(v int) { order = append(order, v*10+3) })

	d.Invoke(7)

	assert.Equal(t, []int{71, 72, 73}, order, "listeners fire in registration order")
}

// TestEventDispatcher_cancelRemovesOnNextInvoke mirrors
// event_dispatcher_tests.cpp's AddRemoveListener: the listener count drops
// only once Invoke performs its lazy compaction, not the instant Cancel is
// called.
func TestEventDispatcher_cancelRemovesOnNextInvoke(t *testing.T) {
	var d EventDispatcher[int]

	h1 := d.AddListener(func(int) {})
	d.AddListener(func(int) {})
	assert.Equal(t, 2, d.ListenerCount())

	h1.Cancel()
	assert.Equal(t, 2, d.ListenerCount(), "compaction is lazy, Cancel alone doesn't shrink the list")

	d.Invoke(1)
	assert.Equal(t, 1, d.ListenerCount(), "Invoke compacts expired listeners first")

	d.Invoke(2)
	assert.Equal(t, 1, d.ListenerCount())
}

func TestEventDispatcher_cancelIsIdempotent(t *testing.T) {
	var d EventDispatcher[int]

	h := d.AddListener(func(int) {})
	h.Cancel()
	h.Cancel()

	d.Invoke(1)
	assert.Equal(t, 0, d.ListenerCount())
}

func TestEventDispatcher_zeroHandleCancelIsNoop(t *testing.T) {
	var h Handle
	assert.NotPanics(t, func() { h.Cancel() })
}

// TestEventDispatcher_panicIsolated verifies that one listener panicking
// does not stop the rest of the fan-out from running.
func TestEventDispatcher_panicIsolated(t *testing.T) {
	var d EventDispatcher[int]

	var secondRan, thirdRan bool
	d.AddListener(func(int) { panic("boom") })
	d.AddListener(func(int) { secondRan = true })
	d.AddListener(func(int) { thirdRan = true })

	assert.NotPanics(t, func() { d.Invoke(1) })
	assert.True(t, secondRan)
	assert.True(t, thirdRan)
}

func TestEventDispatcher_noListeners(t *testing.T) {
	var d EventDispatcher[int]
	assert.NotPanics(t, func() { d.Invoke(1) })
	assert.Equal(t, 0, d.ListenerCount())
}
