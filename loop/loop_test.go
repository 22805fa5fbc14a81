package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBackground(t *testing.T, lp *Loop) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = lp.Run(ctx) }()
	// Give the goroutine a chance to set ownerGoroutine before any
	// RunInLoop call below relies on IsLoopThread.
	deadline := time.Now().Add(time.Second)
	for lp.ownerGoroutine.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return func() {
		cancel()
		lp.Quit()
		<-lp.Done()
		_ = lp.Close()
	}
}

func TestRunInLoopFromOtherGoroutineRunsOnLoopThread(t *testing.T) {
	lp, err := New()
	require.NoError(t, err)
	stop := runBackground(t, lp)
	defer stop()

	done := make(chan struct{})
	lp.RunInLoop(func() {
		// Queued from the test goroutine via QueueInLoop; by the
		// time this runs IsLoopThread should be true.
		assert.True(t, lp.IsLoopThread())
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RunInLoop task")
	}
}

func TestQueueInLoopRunsTasksFromManyGoroutines(t *testing.T) {
	lp, err := New()
	require.NoError(t, err)
	stop := runBackground(t, lp)
	defer stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lp.QueueInLoop(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 20 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 20)
}

func TestQuitDrainsPendingQueueBeforeExit(t *testing.T) {
	lp, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := atomic.Bool{}
	go func() { _ = lp.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for lp.ownerGoroutine.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	lp.QueueInLoop(func() { ran.Store(true) })
	lp.Quit()
	<-lp.Done()
	_ = lp.Close()

	assert.True(t, ran.Load())
}

func TestRunAfterFiresTimer(t *testing.T) {
	lp, err := New()
	require.NoError(t, err)
	stop := runBackground(t, lp)
	defer stop()

	fired := make(chan struct{})
	lp.RunAfter(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelTimerPreventsCallback(t *testing.T) {
	lp, err := New()
	require.NoError(t, err)
	stop := runBackground(t, lp)
	defer stop()

	fired := atomic.Bool{}
	id := lp.RunAfter(20*time.Millisecond, func() { fired.Store(true) })
	lp.CancelTimer(id)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}
