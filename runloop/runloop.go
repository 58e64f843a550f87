// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runloop provides an explicit per-goroutine task queue.
//
// Live dictionary views are confined to the goroutine that runs their
// Loop, and the notification pipeline delivers callbacks by posting tasks
// to that Loop. This replaces the ambient runloop assumption of host UI
// frameworks with an explicit queue handle captured at registration time.
package runloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

var (
	// ErrLoopClosed is returned when posting to a closed loop.
	ErrLoopClosed = errors.New("run loop is closed")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("run loop is already running")
)

// Loop is an unbounded FIFO task queue drained by exactly one goroutine.
//
// Tasks posted to a Loop run in post order on the draining goroutine.
// The queue is unbounded so posting never blocks the committing writer.
//
// Thread Safety: Post, Sync, IsCurrent and Close are safe for concurrent
// use. Run must be called exactly once.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	gid     atomic.Int64
	started atomic.Bool
	closed  atomic.Bool
}

// New creates a loop. It processes nothing until Run or Start is called.
func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine and returns it.
//
// The loop counts as started before Start returns, so a Close racing
// the new goroutine's scheduling still waits for the queued tasks to
// drain instead of dropping them.
func Start() *Loop {
	l := New()
	l.started.Store(true)
	go l.run()
	return l
}

// Run binds the calling goroutine to the loop and processes tasks until
// Close. The calling goroutine becomes the loop's confinement identity.
//
// Outputs:
//
//	error - ErrAlreadyRunning if the loop already has a goroutine,
//	        ErrLoopClosed if Close already finished the loop.
func (l *Loop) Run() error {
	// The started and closed transitions are ordered under mu so Run and
	// Close agree on who owns doneCh.
	l.mu.Lock()
	if l.started.Swap(true) {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	if l.closed.Load() {
		// Close saw a never-started loop and already released doneCh.
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.mu.Unlock()
	return l.run()
}

// run is the drain loop. Exactly one goroutine ever gets here, and it
// is the only closer of doneCh.
func (l *Loop) run() error {
	l.gid.Store(goid.Get())
	defer close(l.doneCh)

	for {
		for _, task := range l.take() {
			task()
		}
		select {
		case <-l.wake:
		case <-l.stopCh:
			// Drain tasks that were queued before Close won the race.
			for _, task := range l.take() {
				task()
			}
			return nil
		}
	}
}

// take removes and returns all queued tasks.
func (l *Loop) take() []func() {
	l.mu.Lock()
	tasks := l.queue
	l.queue = nil
	l.mu.Unlock()
	return tasks
}

// Post enqueues a task for execution on the loop goroutine.
//
// Outputs:
//
//	error - ErrLoopClosed if the loop has been closed.
func (l *Loop) Post(task func()) error {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sync runs a task on the loop goroutine and waits for it to finish.
// When called from the loop goroutine itself the task runs inline.
//
// Outputs:
//
//	error - ErrLoopClosed if the loop has been closed.
func (l *Loop) Sync(task func()) error {
	if l.IsCurrent() {
		task()
		return nil
	}
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// IsCurrent reports whether the caller is the loop goroutine.
func (l *Loop) IsCurrent() bool {
	g := l.gid.Load()
	return g != 0 && g == goid.Get()
}

// Close stops the loop after the already-queued tasks have run and waits
// for the loop goroutine to exit. Idempotent. Must not be called from
// the loop goroutine itself.
func (l *Loop) Close() {
	l.mu.Lock()
	already := l.closed.Swap(true)
	started := l.started.Load()
	l.mu.Unlock()
	if already {
		<-l.doneCh
		return
	}
	close(l.stopCh)
	if started {
		// The loop goroutine drains the queue and closes doneCh.
		<-l.doneCh
	} else {
		// Never started; Run is fenced off by the closed flag above.
		close(l.doneCh)
	}
}
