package loop

import (
	"context"
	"runtime"
	"sync"
)

// Thread owns one OS thread running exactly one Loop, per spec.md §4.10.
// Grounded on eventloop's LoopThread (LockOSThread + a start barrier so
// GetLoop never races the goroutine's first Run call) and
// original_source/src/EventLoopThread.cc's started-condition-variable
// pattern.
type Thread struct {
	startOnce sync.Once
	ready     chan struct{}
	lp        *Loop
	initErr   error
	cancel    context.CancelFunc
}

// NewThread constructs a Thread without starting it. Call Start to spawn
// the owning goroutine.
func NewThread() *Thread {
	return &Thread{ready: make(chan struct{})}
}

// Start spawns the goroutine that constructs and runs this Thread's Loop,
// locking it to one OS thread for the lifetime of the loop (spec.md §4.10:
// "each loop thread is pinned to one OS thread for the lifetime of the
// loop"). Safe to call more than once; only the first call has effect.
func (t *Thread) Start() {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		started := make(chan struct{})
		go func() {
			runtime.LockOSThread()
			lp, err := New()
			t.lp, t.initErr = lp, err
			close(started)
			close(t.ready)
			if err != nil {
				return
			}
			_ = lp.Run(ctx)
		}()
		<-started
	})
}

// Loop blocks until the owned Loop is constructed and returns it, or nil
// with the construction error if New failed.
func (t *Thread) Loop() (*Loop, error) {
	t.Start()
	<-t.ready
	return t.lp, t.initErr
}

// Stop requests the owned Loop to quit and waits for Run to return.
func (t *Thread) Stop() {
	lp, err := t.Loop()
	if err != nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	lp.Quit()
	<-lp.Done()
	_ = lp.Close()
}
