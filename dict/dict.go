// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dict implements the managed dictionary view: a string-keyed,
// schema-typed collection whose entries are rows of a versioned embedded
// store.
//
// A view is one of three things:
//
//   - live: tracks the latest delivered version, confined to the run loop
//     it was created on, invalidated when its parent object is deleted;
//   - frozen: pinned forever to one version, readable from any goroutine,
//     immune to parent deletion;
//   - unmanaged: a plain schema-checked map, not backed by a store at all.
//
// Views are produced by the object/field layer when a dictionary-typed
// field is first accessed (NewManaged) or created standalone before being
// attached to a store (NewUnmanaged); application code never assembles
// one from parts.
package dict

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/AleutianAI/livedict/runloop"
	"github.com/AleutianAI/livedict/store"
	"github.com/AleutianAI/livedict/value"
)

// -----------------------------------------------------------------------------
// Liveness
// -----------------------------------------------------------------------------

// Liveness tracks whether a view's parent object still exists. The
// object/field layer shares one Liveness between an object and every
// collection view hanging off it, and flips it when the object is deleted.
//
// Thread Safety: Invalidate may be called from any goroutine (the engine
// deletes objects on the writer); views observe the flag with acquire
// ordering on every live access.
type Liveness struct {
	deleted atomic.Bool
}

// NewLiveness returns a liveness handle in the alive state.
func NewLiveness() *Liveness {
	return &Liveness{}
}

// Invalidate marks the parent object as deleted.
func (l *Liveness) Invalidate() {
	l.deleted.Store(true)
}

// Invalidated reports whether the parent object has been deleted.
func (l *Liveness) Invalidated() bool {
	return l.deleted.Load()
}

// -----------------------------------------------------------------------------
// View
// -----------------------------------------------------------------------------

// View is a managed dictionary view. See the package documentation for
// the live/frozen/unmanaged split.
//
// Thread Safety: a live view is confined to its owning run loop; frozen
// views are safe for concurrent reads from any goroutine; unmanaged views
// are not safe for concurrent use.
type View struct {
	adapter store.Adapter
	schema  value.Schema
	owner   *runloop.Loop
	live    *Liveness

	frozen  bool
	version store.Version

	// tx is the write transaction bound by the most recent mutation;
	// while it stays active, reads go through it so the view observes
	// its own uncommitted writes.
	tx store.Tx

	// entries backs unmanaged views; nil for managed ones.
	entries map[string]value.Value

	closed bool
}

// NewManaged creates a live view over a store collection.
//
// Description:
//
//	Intended for the object/field layer, which creates views lazily when
//	a dictionary-typed field is accessed. The view takes its initial
//	version from the caller's transaction context (at), or the latest
//	committed version when at is zero, and retains it. The calling
//	goroutine's loop becomes the view's confinement identity.
//
// Inputs:
//
//	adapter - Collection adapter. Must not be nil.
//	schema - Declared value schema. Must pass Validate().
//	at - Initial version; zero means latest.
//	live - Parent liveness handle; nil means never invalidated.
//	owner - Owning run loop. Must not be nil.
//
// Outputs:
//
//	*View - The live view.
//	error - Non-nil if any input is invalid.
func NewManaged(adapter store.Adapter, schema value.Schema, at store.Version, live *Liveness, owner *runloop.Loop) (*View, error) {
	if adapter == nil {
		return nil, fmt.Errorf("adapter must not be nil")
	}
	if owner == nil {
		return nil, fmt.Errorf("owner loop must not be nil")
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if at.IsZero() {
		at = adapter.CurrentVersion()
	}
	adapter.Retain(at)
	return &View{
		adapter: adapter,
		schema:  schema,
		owner:   owner,
		live:    live,
		version: at,
	}, nil
}

// NewUnmanaged creates a standalone dictionary not backed by any store.
//
// Unmanaged views take no transactions, cannot be frozen or observed,
// and have no thread affinity enforced.
func NewUnmanaged(schema value.Schema) (*View, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &View{
		schema:  schema,
		entries: make(map[string]value.Value),
	}, nil
}

// Managed reports whether the view is backed by a store.
func (v *View) Managed() bool {
	return v.adapter != nil
}

// Frozen reports whether the view is pinned to one version.
func (v *View) Frozen() bool {
	return v.frozen
}

// Invalidated reports whether the view can no longer be accessed.
// Frozen and unmanaged views never invalidate.
func (v *View) Invalidated() bool {
	if v.frozen || !v.Managed() {
		return v.closed
	}
	return v.closed || (v.live != nil && v.live.Invalidated())
}

// Schema returns the declared value schema.
func (v *View) Schema() value.Schema {
	return v.schema
}

// Version returns the view's current version. Zero for unmanaged views.
func (v *View) Version() store.Version {
	return v.version
}

// Owner returns the owning run loop. Nil for frozen and unmanaged views.
func (v *View) Owner() *runloop.Loop {
	return v.owner
}

// Adapter returns the backing collection adapter. Nil for unmanaged views.
func (v *View) Adapter() store.Adapter {
	return v.adapter
}

// CollectionName returns the backing collection name, or "" for
// unmanaged views.
func (v *View) CollectionName() string {
	if v.adapter == nil {
		return ""
	}
	return v.adapter.Name()
}

// -----------------------------------------------------------------------------
// Guards
// -----------------------------------------------------------------------------

// guardRead enforces the confinement and invalidation checks for reads.
// Frozen views skip the goroutine check entirely; their validity was
// fixed at construction.
func (v *View) guardRead() error {
	if v.closed {
		return ErrStale
	}
	if !v.Managed() || v.frozen {
		return nil
	}
	if !v.owner.IsCurrent() {
		return ErrWrongThread
	}
	if v.live != nil && v.live.Invalidated() {
		return ErrStale
	}
	return nil
}

// guardWrite enforces the mutation contract. Check order: frozen, then
// transaction, then confinement/invalidation. Schema checks follow at
// the call sites.
func (v *View) guardWrite(tx store.Tx) error {
	if v.frozen {
		return ErrFrozen
	}
	if !v.Managed() {
		if v.closed {
			return ErrStale
		}
		return nil
	}
	if tx == nil || !tx.Active() {
		return store.ErrNotInTransaction
	}
	return v.guardRead()
}

// readTx returns the bound transaction if it is still usable.
func (v *View) readTx() store.Tx {
	if v.tx != nil && !v.tx.Active() {
		v.tx = nil
	}
	return v.tx
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns the value for key. The boolean reports presence; a stored
// null entry is present with a null value.
//
// Inside the view's bound write transaction, Get observes the
// transaction's uncommitted writes.
func (v *View) Get(key string) (value.Value, bool, error) {
	if err := v.guardRead(); err != nil {
		return value.Value{}, false, err
	}
	if !v.Managed() {
		val, ok := v.entries[key]
		return val, ok, nil
	}
	if tx := v.readTx(); tx != nil {
		return v.adapter.ReadTx(tx, key)
	}
	return v.adapter.Read(v.version, key)
}

// Entries returns every key-value pair in native key order.
func (v *View) Entries() ([]store.Entry, error) {
	if err := v.guardRead(); err != nil {
		return nil, err
	}
	if !v.Managed() {
		keys := make([]string, 0, len(v.entries))
		for k := range v.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]store.Entry, 0, len(keys))
		for _, k := range keys {
			out = append(out, store.Entry{Key: k, Value: v.entries[k]})
		}
		return out, nil
	}
	if tx := v.readTx(); tx != nil {
		return v.adapter.ReadAllTx(tx)
	}
	return v.adapter.ReadAll(v.version)
}

// Keys returns every key in native key order.
func (v *View) Keys() ([]string, error) {
	if v.Managed() && v.readTx() == nil {
		if err := v.guardRead(); err != nil {
			return nil, err
		}
		return v.adapter.Keys(v.version)
	}
	entries, err := v.Entries()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// Values returns every value in native key order.
func (v *View) Values() ([]value.Value, error) {
	entries, err := v.Entries()
	if err != nil {
		return nil, err
	}
	vals := make([]value.Value, 0, len(entries))
	for _, e := range entries {
		vals = append(vals, e.Value)
	}
	return vals, nil
}

// Count returns the number of entries.
func (v *View) Count() (int, error) {
	keys, err := v.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

// Set stores key=val.
//
// Description:
//
//	Requires an active write transaction for managed views; the change
//	becomes durable at tx.Commit and visible to this view immediately.
//	A null val stores a null entry, permitted only by optional schemas.
//
// Outputs:
//
//	error - ErrFrozen, store.ErrNotInTransaction, ErrWrongThread,
//	        ErrStale, value.ErrTypeMismatch or value.ErrNullNotAllowed.
func (v *View) Set(tx store.Tx, key string, val value.Value) error {
	if err := v.guardWrite(tx); err != nil {
		return err
	}
	if err := v.schema.Check(val); err != nil {
		return err
	}
	if !v.Managed() {
		if key == "" {
			return store.ErrEmptyKey
		}
		v.entries[key] = val
		return nil
	}
	if err := v.adapter.Write(tx, key, val); err != nil {
		return err
	}
	v.tx = tx
	return nil
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (v *View) Remove(tx store.Tx, key string) error {
	if err := v.guardWrite(tx); err != nil {
		return err
	}
	if !v.Managed() {
		delete(v.entries, key)
		return nil
	}
	if err := v.adapter.Delete(tx, key); err != nil {
		return err
	}
	v.tx = tx
	return nil
}

// RemoveKeys deletes the entries for the given keys.
func (v *View) RemoveKeys(tx store.Tx, keys ...string) error {
	for _, key := range keys {
		if err := v.Remove(tx, key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAll deletes every entry.
func (v *View) RemoveAll(tx store.Tx) error {
	if err := v.guardWrite(tx); err != nil {
		return err
	}
	if !v.Managed() {
		clear(v.entries)
		return nil
	}
	if err := v.adapter.DeleteAll(tx); err != nil {
		return err
	}
	v.tx = tx
	return nil
}

// ReplaceAll replaces the entire contents with the given mapping.
//
// Every value is schema-checked before anything is written, so a
// rejected mapping leaves no change recorded.
func (v *View) ReplaceAll(tx store.Tx, entries map[string]value.Value) error {
	if err := v.guardWrite(tx); err != nil {
		return err
	}
	for key, val := range entries {
		if key == "" {
			return store.ErrEmptyKey
		}
		if err := v.schema.Check(val); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
	}
	if !v.Managed() {
		clear(v.entries)
		for key, val := range entries {
			v.entries[key] = val
		}
		return nil
	}
	if err := v.adapter.DeleteAll(tx); err != nil {
		return err
	}
	for key, val := range entries {
		if err := v.adapter.Write(tx, key, val); err != nil {
			return err
		}
	}
	v.tx = tx
	return nil
}

// -----------------------------------------------------------------------------
// Freeze and version control
// -----------------------------------------------------------------------------

// Freeze returns a frozen duplicate pinned to the view's current version.
//
// Description:
//
//	The frozen copy shares no mutation visibility with the live original:
//	later commits, parent deletion, even closing the live view leave it
//	readable from any goroutine until it is closed. Freezing a frozen
//	view returns another frozen view at the same version.
//
// Outputs:
//
//	*View - The frozen view.
//	error - ErrNotManaged for unmanaged views, ErrWrongThread/ErrStale
//	        per the live guard.
func (v *View) Freeze() (*View, error) {
	if !v.Managed() {
		return nil, ErrNotManaged
	}
	if err := v.guardRead(); err != nil {
		return nil, err
	}
	v.adapter.Retain(v.version)
	return &View{
		adapter: v.adapter,
		schema:  v.schema,
		frozen:  true,
		version: v.version,
	}, nil
}

// AdvanceTo moves a live view to a newer version.
//
// Used by the notification pipeline on the owner loop and by Refresh;
// not for application code.
func (v *View) AdvanceTo(ver store.Version) error {
	if !v.Managed() {
		return ErrNotManaged
	}
	if v.frozen {
		return ErrFrozen
	}
	if err := v.guardRead(); err != nil {
		return err
	}
	if ver == v.version {
		return nil
	}
	v.adapter.Retain(ver)
	v.adapter.Release(v.version)
	v.version = ver
	return nil
}

// Refresh advances a live view to the latest committed version.
func (v *View) Refresh() error {
	if !v.Managed() {
		return ErrNotManaged
	}
	return v.AdvanceTo(v.adapter.CurrentVersion())
}

// Close releases the view's retained version. Further access fails with
// ErrStale. Idempotent.
func (v *View) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	if v.Managed() {
		v.adapter.Release(v.version)
	}
	return nil
}
