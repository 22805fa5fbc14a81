package loop

import "sync/atomic"

// Group round-robins new connections across a fixed set of Threads, per
// spec.md §4.10. Grounded on
// original_source/src/EventLoopThreadPool.cc's get_next_loop (plain
// modular round-robin, no load awareness).
type Group struct {
	threads []*Thread
	next    atomic.Uint64
}

// NewGroup starts n Threads and returns a Group owning them. n must be >=
// 1.
func NewGroup(n int) *Group {
	if n < 1 {
		n = 1
	}
	g := &Group{threads: make([]*Thread, n)}
	for i := range g.threads {
		th := NewThread()
		th.Start()
		g.threads[i] = th
	}
	return g
}

// Size returns the number of threads in the group.
func (g *Group) Size() int { return len(g.threads) }

// GetNextLoop returns the next Loop in round-robin order.
func (g *Group) GetNextLoop() (*Loop, error) {
	i := g.next.Add(1) - 1
	th := g.threads[int(i)%len(g.threads)]
	return th.Loop()
}

// ForEach runs f once against every thread's Loop, in the calling
// goroutine (not on any loop thread), useful for registering shutdown
// hooks.
func (g *Group) ForEach(f func(*Loop)) {
	for _, th := range g.threads {
		lp, err := th.Loop()
		if err == nil {
			f(lp)
		}
	}
}

// Stop stops every thread in the group and waits for each to finish.
func (g *Group) Stop() {
	for _, th := range g.threads {
		th.Stop()
	}
}
