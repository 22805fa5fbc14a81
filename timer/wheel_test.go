package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCancelNoObservableCallback(t *testing.T) {
	w := New()
	now := time.Now()
	fired := false
	task := w.Add(now, 10*time.Millisecond, 0, func() { fired = true })
	w.Cancel(task.ID())
	w.Tick(now.Add(20 * time.Millisecond))
	assert.False(t, fired)
}

func TestOneShotFiresOnceAndIsDropped(t *testing.T) {
	w := New()
	now := time.Now()
	count := 0
	w.Add(now, 5*time.Millisecond, 0, func() { count++ })
	w.Tick(now.Add(10 * time.Millisecond))
	w.Tick(now.Add(20 * time.Millisecond))
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, w.Len())
}

func TestPeriodicTaskPreservesID(t *testing.T) {
	w := New()
	now := time.Now()
	var seenID uint64
	task := w.Add(now, 10*time.Millisecond, 10*time.Millisecond, func() {})
	wantID := task.ID()
	now = now.Add(10 * time.Millisecond)
	w.Tick(now)
	require.Equal(t, 1, w.Len())
	for id := range w.byID {
		seenID = id
	}
	assert.Equal(t, wantID, seenID)
}

func TestSelfCancelAfterThirdTick(t *testing.T) {
	w := New()
	now := time.Now()
	count := 0
	var task *Task
	task = w.Add(now, 10*time.Millisecond, 10*time.Millisecond, func() {
		count++
		if count == 3 {
			task.Cancel()
		}
	})
	_ = task
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Millisecond)
		w.Tick(now)
	}
	assert.Equal(t, 3, count)
}

func TestEarliestTimeoutEmptyWheel(t *testing.T) {
	w := New()
	assert.Equal(t, int64(-1), w.EarliestTimeout(time.Now()))
}

func TestCancelUnknownIDIsNoOp(t *testing.T) {
	w := New()
	require.NotPanics(t, func() { w.Cancel(999) })
}
