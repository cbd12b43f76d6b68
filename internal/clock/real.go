package clock

import (
	"sync"
	"time"
)

// Real runs callbacks on one goroutine against the wall clock.
// Exec must not be called from inside a callback.
type Real struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewReal creates and starts a real-time scheduler.
func NewReal() *Real {
	r := &Real{
		tasks: make(chan func(), 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Real) loop() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.stop:
			return
		}
	}
}

// Stop terminates the loop. Pending callbacks are dropped.
func (r *Real) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})
	<-r.done
}

// Now returns the wall clock time.
func (r *Real) Now() time.Time {
	return time.Now()
}

type realTimer struct {
	mu       sync.Mutex
	t        *time.Timer
	canceled bool
	fired    bool
}

func (t *realTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled || t.fired {
		return false
	}
	t.canceled = true
	t.t.Stop()
	return true
}

// claim marks the timer fired unless it was stopped first.
func (t *realTimer) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return false
	}
	t.fired = true
	return true
}

// Schedule runs fn on the loop once d has elapsed.
func (r *Real) Schedule(d time.Duration, fn func()) Timer {
	rt := &realTimer{}
	rt.mu.Lock()
	rt.t = time.AfterFunc(d, func() {
		r.post(func() {
			if rt.claim() {
				fn()
			}
		})
	})
	rt.mu.Unlock()
	return rt
}

// Exec runs fn on the loop and waits for it. It returns immediately if
// the scheduler is stopped.
func (r *Real) Exec(fn func()) {
	finished := make(chan struct{})
	if !r.post(func() {
		defer close(finished)
		fn()
	}) {
		return
	}
	select {
	case <-finished:
	case <-r.done:
	}
}

func (r *Real) post(fn func()) bool {
	select {
	case r.tasks <- fn:
		return true
	case <-r.stop:
		return false
	}
}
