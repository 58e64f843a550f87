// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livedict/store"
	"github.com/AleutianAI/livedict/value"
)

// openTest returns an in-memory store that closes with the test.
func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// commit writes the given entries in one transaction and returns the
// new version.
func commit(t *testing.T, s *Store, collection string, entries map[string]value.Value) store.Version {
	t.Helper()
	tx, err := s.Begin()
	require.NoError(t, err)
	adapter := s.Collection(collection)
	for k, v := range entries {
		require.NoError(t, adapter.Write(tx, k, v))
	}
	ver, err := tx.Commit()
	require.NoError(t, err)
	return ver
}

// TestConfigValidate verifies configuration rejection.
func TestConfigValidate(t *testing.T) {
	cfg := Config{InMemory: false, Path: ""}
	_, err := Open(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")

	cfg = InMemoryConfig()
	cfg.GCDiscardRatio = 1.5
	_, err = Open(cfg)
	assert.Error(t, err)
}

// TestCommitAdvancesVersion verifies one version per committed write.
func TestCommitAdvancesVersion(t *testing.T) {
	s := openTest(t)
	assert.True(t, s.CurrentVersion().IsZero())

	v1 := commit(t, s, "d", map[string]value.Value{"a": value.Int(1)})
	assert.Equal(t, uint64(1), v1.Seq)
	assert.Equal(t, v1, s.CurrentVersion())

	v2 := commit(t, s, "d", map[string]value.Value{"a": value.Int(2)})
	assert.Equal(t, uint64(2), v2.Seq)
	assert.True(t, v1.Before(v2))
}

// TestSnapshotReads verifies retained versions stay readable after later
// commits.
func TestSnapshotReads(t *testing.T) {
	s := openTest(t)
	adapter := s.Collection("d")

	v1 := commit(t, s, "d", map[string]value.Value{"a": value.Int(1)})
	s.Retain(v1)
	defer s.Release(v1)

	v2 := commit(t, s, "d", map[string]value.Value{"a": value.Int(2), "b": value.Int(3)})

	got, ok, err := adapter.Read(v1, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Int(1).Equal(got))

	_, ok, err = adapter.Read(v1, "b")
	require.NoError(t, err)
	assert.False(t, ok, "b must not exist at v1")

	got, ok, err = adapter.Read(v2, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Int(2).Equal(got))
}

// TestReadYourWrites verifies uncommitted writes are visible through the
// transaction but not in snapshots.
func TestReadYourWrites(t *testing.T) {
	s := openTest(t)
	adapter := s.Collection("d")
	v0 := commit(t, s, "d", map[string]value.Value{"a": value.Int(1)})

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, adapter.Write(tx, "a", value.Int(9)))

	got, ok, err := adapter.ReadTx(tx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Int(9).Equal(got))

	// Snapshot at the committed version is unaffected.
	got, ok, err = adapter.Read(v0, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Int(1).Equal(got))

	require.NoError(t, tx.Rollback())
}

// TestRollback verifies discarded writes leave no trace.
func TestRollback(t *testing.T) {
	s := openTest(t)
	adapter := s.Collection("d")
	v0 := commit(t, s, "d", map[string]value.Value{"a": value.Int(1)})

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, adapter.Write(tx, "b", value.Int(2)))
	require.NoError(t, tx.Rollback())

	assert.Equal(t, v0, s.CurrentVersion())
	_, ok, err := adapter.Read(v0, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Rollback after commit is a no-op; a spent handle cannot commit again.
	tx2, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, adapter.Write(tx2, "b", value.Int(2)))
	_, err = tx2.Commit()
	require.NoError(t, err)
	assert.NoError(t, tx2.Rollback())
	_, err = tx2.Commit()
	assert.ErrorIs(t, err, store.ErrNotInTransaction)
}

// TestSingleWriter verifies Begin blocks until the open writer finishes.
func TestSingleWriter(t *testing.T) {
	s := openTest(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	assert.True(t, s.InWrite())

	acquired := make(chan struct{})
	go func() {
		tx2, err := s.Begin()
		close(acquired)
		if err == nil {
			_ = tx2.Rollback()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Begin must block while a writer is open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tx.Rollback())
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Begin did not proceed after rollback")
	}
	assert.False(t, s.InWrite())
}

// TestCommitHooks verifies touched-key reporting and hook removal.
func TestCommitHooks(t *testing.T) {
	s := openTest(t)

	var gotVersion store.Version
	var gotTouched map[string][]string
	remove := s.OnCommit(func(v store.Version, touched map[string][]string) {
		gotVersion = v
		gotTouched = touched
	})

	tx, err := s.Begin()
	require.NoError(t, err)
	d1 := s.Collection("d1")
	d2 := s.Collection("d2")
	require.NoError(t, d1.Write(tx, "b", value.Int(1)))
	require.NoError(t, d1.Write(tx, "a", value.Int(2)))
	require.NoError(t, d1.Write(tx, "a", value.Int(3))) // touched once
	require.NoError(t, d2.Delete(tx, "gone"))           // absent key still touched
	v, err := tx.Commit()
	require.NoError(t, err)

	assert.Equal(t, v, gotVersion)
	assert.Equal(t, map[string][]string{
		"d1": {"a", "b"},
		"d2": {"gone"},
	}, gotTouched)

	// Removed hooks stop firing; a read-only commit reports nothing.
	remove()
	gotTouched = nil
	commit(t, s, "d1", map[string]value.Value{"c": value.Int(4)})
	assert.Nil(t, gotTouched)
}

// TestAdapterTxValidation verifies the transaction handle checks.
func TestAdapterTxValidation(t *testing.T) {
	s := openTest(t)
	other := openTest(t)
	adapter := s.Collection("d")

	err := adapter.Write(nil, "a", value.Int(1))
	assert.ErrorIs(t, err, store.ErrNotInTransaction)

	foreign, err := other.Begin()
	require.NoError(t, err)
	defer foreign.Rollback() //nolint:errcheck
	err = adapter.Write(foreign, "a", value.Int(1))
	assert.ErrorIs(t, err, store.ErrForeignTx)

	tx, err := s.Begin()
	require.NoError(t, err)
	assert.ErrorIs(t, adapter.Write(tx, "", value.Int(1)), store.ErrEmptyKey)
	require.NoError(t, tx.Rollback())
	err = adapter.Write(tx, "a", value.Int(1))
	assert.ErrorIs(t, err, store.ErrNotInTransaction)
}

// TestCollectionsAreDisjoint verifies key spaces do not bleed across
// collections.
func TestCollectionsAreDisjoint(t *testing.T) {
	s := openTest(t)
	commit(t, s, "colors", map[string]value.Value{"a": value.String("red")})
	v := commit(t, s, "sizes", map[string]value.Value{"a": value.String("xl")})

	got, ok, err := s.Collection("colors").Read(v, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "red", got.StringVal)

	keys, err := s.Collection("sizes").Keys(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}

// TestNullEntry verifies a stored null is present, not absent.
func TestNullEntry(t *testing.T) {
	s := openTest(t)
	v := commit(t, s, "d", map[string]value.Value{"a": value.Null()})

	got, ok, err := s.Collection("d").Read(v, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsNull())

	n, err := s.Collection("d").Count(v)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestDeleteAll verifies bulk deletion and its touched-key report.
func TestDeleteAll(t *testing.T) {
	s := openTest(t)
	adapter := s.Collection("d")
	commit(t, s, "d", map[string]value.Value{
		"a": value.Int(1), "b": value.Int(2), "c": value.Int(3),
	})
	commit(t, s, "other", map[string]value.Value{"x": value.Int(9)})

	var touched map[string][]string
	s.OnCommit(func(_ store.Version, tc map[string][]string) { touched = tc })

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, adapter.DeleteAll(tx))
	v, err := tx.Commit()
	require.NoError(t, err)

	n, err := adapter.Count(v)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, map[string][]string{"d": {"a", "b", "c"}}, touched)

	// Other collections are untouched.
	n, err = s.Collection("other").Count(v)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestKeysSorted verifies native byte order enumeration.
func TestKeysSorted(t *testing.T) {
	s := openTest(t)
	adapter := s.Collection("d")
	v := commit(t, s, "d", map[string]value.Value{
		"zebra": value.Int(1), "apple": value.Int(2), "mango": value.Int(3),
	})

	keys, err := adapter.Keys(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "mango", "zebra"}, keys)

	entries, err := adapter.ReadAll(v)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "apple", entries[0].Key)
	assert.Equal(t, "zebra", entries[2].Key)
}

// TestPersistence verifies data and version survive close and reopen.
func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	v := commit(t, s, "d", map[string]value.Value{"a": value.String("kept")})
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, v, s2.CurrentVersion())
	got, ok, err := s2.Collection("d").Read(v, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", got.StringVal)
}

// TestCollectionNameRejectsNUL verifies the key-space separator cannot
// appear in a collection name.
func TestCollectionNameRejectsNUL(t *testing.T) {
	s := openTest(t)

	assert.Panics(t, func() { s.Collection("a\x00b") })
	assert.NotPanics(t, func() { s.Collection("plain") })

	// Entry keys may contain NUL; only collection names cannot. A NUL
	// key in collection "a" must not leak into any other collection.
	v := commit(t, s, "a", map[string]value.Value{"b\x00x": value.Int(1)})
	got, ok, err := s.Collection("a").Read(v, "b\x00x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Int(1).Equal(got))

	n, err := s.Collection("ab").Count(v)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestRetainReleaseConcurrent verifies retention bookkeeping stays
// consistent under concurrent retains and releases.
func TestRetainReleaseConcurrent(t *testing.T) {
	s := openTest(t)
	adapter := s.Collection("d")

	versions := make([]store.Version, 0, 8)
	for i := 0; i < 8; i++ {
		v := commit(t, s, "d", map[string]value.Value{"k": value.Int(int64(i))})
		s.Retain(v)
		versions = append(versions, v)
	}

	// Hammer the refcounts from several goroutines while the oldest
	// retained version must stay readable throughout.
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				v := versions[(g+i)%len(versions)]
				s.Retain(v)
				s.Release(v)
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	for i, v := range versions {
		got, ok, err := adapter.Read(v, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, value.Int(int64(i)).Equal(got))
		s.Release(v)
	}
}

// TestBeginAfterClose verifies the closed sentinel.
func TestBeginAfterClose(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Begin()
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Collection("d").Keys(store.Version{Seq: 1})
	assert.ErrorIs(t, err, store.ErrClosed)
}
