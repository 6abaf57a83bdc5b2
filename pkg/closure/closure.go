// Package closure provides the refcount + continuation primitive used to
// chain asynchronous I/O stages in the request pipeline and allocator.
//
// A [Closure] is single-threaded per instance: the registered continuation
// never runs concurrently with itself, even if Put drops the count to zero
// from multiple goroutines racing (only the goroutine that observes the
// transition to zero runs the continuation, and it runs exactly once).
package closure

import (
	"sync"
	"sync/atomic"
)

// Worker runs continuations. In production this is a bounded goroutine
// pool; tests may pass a synchronous worker that runs fn immediately.
type Worker interface {
	Submit(fn func())
}

// InlineWorker runs continuations synchronously on the calling goroutine.
// Useful in tests and for call sites that are already on a worker.
type InlineWorker struct{}

// Submit implements [Worker] by invoking fn directly.
func (InlineWorker) Submit(fn func()) { fn() }

// GoWorker runs every continuation on its own goroutine.
type GoWorker struct{}

// Submit implements [Worker] by invoking fn on a new goroutine.
func (GoWorker) Submit(fn func()) { go fn() }

// Closure is a refcount+continuation primitive. The zero value is not
// usable; construct with [New].
type Closure struct {
	count atomic.Int64

	mu       sync.Mutex
	fn       func()
	worker   Worker
	done     bool
	waitCh   chan struct{}
	waitOnce sync.Once
}

// New returns a Closure with an initial refcount of 1 (the creator's own
// reference) that will run fn on worker once the count drops to zero.
// fn may be nil (useful when the caller only wants Sync to block until all
// references are released, e.g. teardown draining pending I/Os).
func New(worker Worker, fn func()) *Closure {
	c := &Closure{
		fn:     fn,
		worker: worker,
		waitCh: make(chan struct{}),
	}
	c.count.Store(1)

	return c
}

// Get increments the refcount. Must be called before handing a reference
// to another stage; panics if the closure has already run its
// continuation (a use-after-free in the original design).
func (c *Closure) Get() {
	for {
		old := c.count.Load()
		if old <= 0 {
			panic("closure: Get after refcount reached zero")
		}

		if c.count.CompareAndSwap(old, old+1) {
			return
		}
	}
}

// Put decrements the refcount. When it reaches zero the continuation (if
// any) is submitted to the worker exactly once, and any goroutine blocked
// in [Closure.Sync] is released.
func (c *Closure) Put() {
	newCount := c.count.Add(-1)
	if newCount > 0 {
		return
	}

	if newCount < 0 {
		panic("closure: Put called more often than Get")
	}

	c.mu.Lock()
	fn := c.fn
	worker := c.worker
	c.done = true
	c.mu.Unlock()

	close(c.waitCh)

	if fn != nil {
		worker.Submit(fn)
	}
}

// Sync blocks until the refcount has reached zero (i.e. every Get has a
// matching Put). It does not wait for the continuation itself to finish
// running on the worker - only for the last reference to be released.
func (c *Closure) Sync() {
	<-c.waitCh
}

// Done reports whether the refcount has reached zero. Racy by nature; for
// diagnostics only.
func (c *Closure) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.done
}
