package debounce_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/debounce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_CoalescesBurstToLastCall(t *testing.T) {
	d := debounce.New(20 * time.Millisecond)
	var calls atomic.Int32
	var last atomic.Int32

	for i := 1; i <= 10; i++ {
		v := int32(i)
		d.Trigger(func() {
			calls.Add(1)
			last.Store(v)
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(10), last.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	d := debounce.New(10 * time.Millisecond)
	var fired atomic.Bool
	d.Trigger(func() { fired.Store(true) })
	d.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load(), "stopped debouncer must not fire")

	d.Trigger(func() { fired.Store(true) })
	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load(), "trigger after stop must be ignored")
}

func TestDebouncer_FlushRunsImmediatelyOnce(t *testing.T) {
	d := debounce.New(50 * time.Millisecond)
	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })

	assert.True(t, d.Flush())
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Flush())

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "flushed call must not fire again from the timer")
}
