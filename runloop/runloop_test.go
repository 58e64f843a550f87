// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runloop

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPostOrder verifies tasks run in post order on the loop goroutine.
func TestPostOrder(t *testing.T) {
	loop := Start()
	defer loop.Close()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, loop.Post(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

// TestIsCurrent verifies confinement identity follows the run goroutine.
func TestIsCurrent(t *testing.T) {
	loop := Start()
	defer loop.Close()

	assert.False(t, loop.IsCurrent())

	var inside bool
	require.NoError(t, loop.Sync(func() {
		inside = loop.IsCurrent()
	}))
	assert.True(t, inside)
}

// TestSyncRunsInline verifies Sync from the loop goroutine does not deadlock.
func TestSyncRunsInline(t *testing.T) {
	loop := Start()
	defer loop.Close()

	var ran bool
	require.NoError(t, loop.Sync(func() {
		// Nested Sync on the owning goroutine must run inline.
		require.NoError(t, loop.Sync(func() { ran = true }))
	}))
	assert.True(t, ran)
}

// TestCloseDrainsQueuedTasks verifies tasks posted before Close still run.
func TestCloseDrainsQueuedTasks(t *testing.T) {
	loop := Start()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		require.NoError(t, loop.Post(func() {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}

	loop.Close()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, count)
}

// TestPostAfterClose verifies the closed sentinel.
func TestPostAfterClose(t *testing.T) {
	loop := Start()
	loop.Close()

	err := loop.Post(func() {})
	assert.ErrorIs(t, err, ErrLoopClosed)

	err = loop.Sync(func() {})
	assert.ErrorIs(t, err, ErrLoopClosed)
}

// TestRunTwice verifies a loop rejects a second goroutine.
func TestRunTwice(t *testing.T) {
	loop := Start()
	defer loop.Close()

	// Wait until the spawned goroutine has claimed the loop.
	require.NoError(t, loop.Sync(func() {}))

	assert.ErrorIs(t, loop.Run(), ErrAlreadyRunning)
}

// TestRunAfterClose verifies Run on a closed never-started loop fails
// cleanly.
func TestRunAfterClose(t *testing.T) {
	loop := New()
	loop.Close()
	assert.ErrorIs(t, loop.Run(), ErrLoopClosed)
	loop.Close()
}

// TestStartCloseRace verifies tasks survive Close racing the startup of
// the loop goroutine: everything posted before Close has run by the
// time Close returns.
func TestStartCloseRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		loop := Start()
		var n atomic.Int32
		for j := 0; j < 5; j++ {
			require.NoError(t, loop.Post(func() { n.Add(1) }))
		}
		loop.Close()
		require.Equal(t, int32(5), n.Load())
	}
}

// TestCloseIdempotent verifies repeated Close calls are safe.
func TestCloseIdempotent(t *testing.T) {
	loop := Start()
	loop.Close()
	loop.Close()

	// A never-started loop must also close cleanly.
	idle := New()
	idle.Close()
	idle.Close()
}
