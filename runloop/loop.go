// Package runloop provides a single-goroutine cooperative task loop.
//
// The coordination engine in package core is not safe for concurrent use;
// every engine method, every completion callback and every backend
// completion must run on the same goroutine. A Loop owns that goroutine.
// Backends doing blocking work elsewhere marshal their completions back
// with Post, and code outside the loop (servers, tests) uses Sync.
package runloop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Loop is a serial task executor. Tasks run in the order they were posted,
// one at a time, on a single dedicated goroutine.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
	gid   atomic.Int64
}

// New starts the loop goroutine and returns the running loop.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	l.gid.Store(goid())
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		select {
		case <-l.wake:
		case <-l.quit:
			l.mu.Lock()
			tasks = l.queue
			l.queue = nil
			l.mu.Unlock()
			for _, task := range tasks {
				task()
			}
			return
		}
	}
}

// Post enqueues task to run on the loop goroutine. It never blocks and is
// safe to call from any goroutine, including the loop itself. Tasks posted
// after Stop are dropped.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Sync runs task on the loop goroutine and waits for it to finish. When
// called from the loop itself the task runs inline.
func (l *Loop) Sync(task func()) {
	if l.Current() {
		task()
		return
	}
	var wg sync.WaitGroup
	wg.Add(1)
	l.Post(func() {
		defer wg.Done()
		task()
	})
	wg.Wait()
}

// Current reports whether the caller is running on the loop goroutine.
func (l *Loop) Current() bool {
	return l.gid.Load() == goid()
}

// AssertCurrent panics if the caller is not on the loop goroutine.
func (l *Loop) AssertCurrent() {
	if !l.Current() {
		panic("runloop: called off the loop goroutine")
	}
}

// Stop terminates the loop after the currently queued tasks have run and
// waits for the goroutine to exit.
func (l *Loop) Stop() {
	close(l.quit)
	<-l.done
}

// goid extracts the current goroutine id from the stack header. Used only
// for the confinement assertion.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// header looks like "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
