// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the narrow contracts the managed dictionary layer
// needs from a transactional, versioned embedded storage engine: snapshot
// reads of keyed rows at an explicit version, single-writer transactions
// with an explicit handle, per-commit touched-key reporting, and version
// retention.
//
// The production implementation lives in store/badgerstore. Everything in
// this package is engine-agnostic.
package store

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/livedict/value"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotInTransaction is returned when a mutation is attempted without
	// an active write transaction.
	ErrNotInTransaction = errors.New("no active write transaction")

	// ErrForeignTx is returned when a transaction handle from a different
	// store is supplied.
	ErrForeignTx = errors.New("transaction belongs to a different store")

	// ErrEmptyKey is returned when an entry key is empty.
	ErrEmptyKey = errors.New("entry key must not be empty")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// -----------------------------------------------------------------------------
// Version
// -----------------------------------------------------------------------------

// Version identifies one immutable snapshot of the store. Versions are
// totally ordered by Seq, which increases by one per committed write
// transaction. The zero Version precedes every committed snapshot.
//
// A Version is only guaranteed readable while retained via
// Adapter.Retain; the engine may garbage-collect released versions once
// a newer one has been committed.
type Version struct {
	// Seq is the commit sequence number of the snapshot.
	Seq uint64
}

// IsZero reports whether this is the zero version.
func (v Version) IsZero() bool {
	return v.Seq == 0
}

// Before reports whether v precedes o.
func (v Version) Before(o Version) bool {
	return v.Seq < o.Seq
}

// String returns a short rendering for logs.
func (v Version) String() string {
	return fmt.Sprintf("v%d", v.Seq)
}

// -----------------------------------------------------------------------------
// Entry
// -----------------------------------------------------------------------------

// Entry is one key-value pair of a collection at some version.
type Entry struct {
	Key   string
	Value value.Value
}

// -----------------------------------------------------------------------------
// Tx
// -----------------------------------------------------------------------------

// Tx is an explicit write transaction handle. There is never an ambient
// "current" transaction: every mutating call receives its Tx.
//
// A store admits one write transaction at a time. Reads through the Tx
// observe its own uncommitted writes; snapshot reads at any Version are
// unaffected until Commit.
//
// Thread Safety: a Tx is confined to the goroutine that began it.
type Tx interface {
	// Commit atomically applies the transaction and returns the new
	// Version. After Commit the handle is spent.
	Commit() (Version, error)

	// Rollback discards the transaction. Safe to call after Commit
	// (no-op), which makes `defer tx.Rollback()` the usual pattern.
	Rollback() error

	// Active reports whether the transaction is still open.
	Active() bool
}

// -----------------------------------------------------------------------------
// Adapter
// -----------------------------------------------------------------------------

// Adapter is the collection-scoped read/write surface used by dictionary
// views and the diff engine. All versioned reads are pure functions of
// (version, key): no side effects, safe to call from any goroutine while
// the version remains retained.
//
// Key order in ReadAll and Keys is the engine's native order
// (lexicographic byte order for badgerstore), stable within one version.
type Adapter interface {
	// Name returns the collection name this adapter is bound to.
	Name() string

	// Read returns the value for key at the given version. The boolean
	// reports presence; a stored null entry is present with a null value.
	Read(v Version, key string) (value.Value, bool, error)

	// ReadAll returns every entry at the given version in native key order.
	ReadAll(v Version) ([]Entry, error)

	// Keys returns every key at the given version in native key order.
	Keys(v Version) ([]string, error)

	// Count returns the number of entries at the given version.
	Count(v Version) (int, error)

	// ReadTx reads through an active write transaction, observing its
	// uncommitted writes.
	ReadTx(tx Tx, key string) (value.Value, bool, error)

	// ReadAllTx enumerates through an active write transaction.
	ReadAllTx(tx Tx) ([]Entry, error)

	// Write stores key=val inside the transaction. A null value stores a
	// null entry (the key remains present). Fails with ErrNotInTransaction
	// if tx is nil or spent.
	Write(tx Tx, key string, val value.Value) error

	// Delete removes key inside the transaction. Deleting an absent key
	// is a no-op but still marks the key touched.
	Delete(tx Tx, key string) error

	// DeleteAll removes every entry of the collection inside the
	// transaction.
	DeleteAll(tx Tx) error

	// CurrentVersion returns the latest committed version.
	CurrentVersion() Version

	// Retain pins a version so snapshot reads at it stay valid.
	Retain(v Version)

	// Release drops a previous Retain. Once no retains remain and a newer
	// version exists, the engine may reclaim the snapshot.
	Release(v Version)
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// CommitHook is invoked after every committed write transaction with the
// new version and the touched keys grouped by collection. Hooks run on
// the committing goroutine while the writer slot is still held, so they
// must only record or schedule work, never write or block.
type CommitHook func(v Version, touched map[string][]string)

// Store is the full engine surface: collection adapters plus the write
// path and commit notification.
//
// Thread Safety: safe for concurrent use; Begin serializes writers.
type Store interface {
	// Collection returns the adapter bound to the named collection.
	// Collections spring into existence on first write.
	Collection(name string) Adapter

	// Begin opens the single write transaction, blocking until the writer
	// slot is free.
	Begin() (Tx, error)

	// CurrentVersion returns the latest committed version.
	CurrentVersion() Version

	// InWrite reports whether a write transaction is currently open.
	InWrite() bool

	// OnCommit registers a commit hook and returns its removal function.
	OnCommit(hook CommitHook) (remove func())

	// Close releases the engine. Outstanding snapshot reads fail afterwards.
	Close() error
}
