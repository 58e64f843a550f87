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
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/livedict/store"
	"github.com/AleutianAI/livedict/value"
)

// adapter implements store.Adapter for one collection.
//
// Key layout: "c:" + collection + NUL + entry key. The NUL separator keeps
// collection prefixes unambiguous; collection names must not contain NUL,
// entry keys may contain anything except being empty.
type adapter struct {
	s    *Store
	name string
}

// Name returns the collection name this adapter is bound to.
func (a *adapter) Name() string {
	return a.name
}

// prefix returns the key prefix for this collection.
func (a *adapter) prefix() []byte {
	p := make([]byte, 0, len(a.name)+3)
	p = append(p, 'c', ':')
	p = append(p, a.name...)
	return append(p, 0)
}

// entryKey returns the full storage key for an entry key.
func (a *adapter) entryKey(key string) []byte {
	return append(a.prefix(), key...)
}

// ownTx validates and unwraps a transaction handle.
func (a *adapter) ownTx(t store.Tx) (*Tx, error) {
	if t == nil {
		return nil, store.ErrNotInTransaction
	}
	tx, ok := t.(*Tx)
	if !ok || tx.s != a.s {
		return nil, store.ErrForeignTx
	}
	if !tx.Active() {
		return nil, store.ErrNotInTransaction
	}
	return tx, nil
}

// Read returns the value for key at the given version.
func (a *adapter) Read(v store.Version, key string) (value.Value, bool, error) {
	if key == "" {
		return value.Value{}, false, store.ErrEmptyKey
	}
	if a.s.closed.Load() {
		return value.Value{}, false, store.ErrClosed
	}

	txn := a.s.db.NewTransactionAt(v.Seq, false)
	defer txn.Discard()

	return a.get(txn, key)
}

// get reads one entry through an open Badger transaction.
func (a *adapter) get(txn *badger.Txn, key string) (value.Value, bool, error) {
	item, err := txn.Get(a.entryKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return value.Value{}, false, nil
	}
	if err != nil {
		return value.Value{}, false, fmt.Errorf("read %s/%s: %w", a.name, key, err)
	}

	var out value.Value
	err = item.Value(func(data []byte) error {
		v, err := value.Decode(data)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return value.Value{}, false, fmt.Errorf("decode %s/%s: %w", a.name, key, err)
	}
	return out, true, nil
}

// ReadAll returns every entry at the given version in native key order.
func (a *adapter) ReadAll(v store.Version) ([]store.Entry, error) {
	if a.s.closed.Load() {
		return nil, store.ErrClosed
	}

	txn := a.s.db.NewTransactionAt(v.Seq, false)
	defer txn.Discard()

	return a.readAll(txn)
}

// readAll enumerates the collection through an open Badger transaction.
func (a *adapter) readAll(txn *badger.Txn) ([]store.Entry, error) {
	prefix := a.prefix()
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = true

	it := txn.NewIterator(opts)
	defer it.Close()

	var entries []store.Entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := string(item.Key()[len(prefix):])

		err := item.Value(func(data []byte) error {
			v, err := value.Decode(data)
			if err != nil {
				return err
			}
			entries = append(entries, store.Entry{Key: key, Value: v})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", a.name, key, err)
		}
	}
	return entries, nil
}

// Keys returns every key at the given version in native key order.
func (a *adapter) Keys(v store.Version) ([]string, error) {
	if a.s.closed.Load() {
		return nil, store.ErrClosed
	}

	txn := a.s.db.NewTransactionAt(v.Seq, false)
	defer txn.Discard()

	prefix := a.prefix()
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, string(it.Item().Key()[len(prefix):]))
	}
	return keys, nil
}

// Count returns the number of entries at the given version.
func (a *adapter) Count(v store.Version) (int, error) {
	keys, err := a.Keys(v)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// ReadTx reads through an active write transaction, observing its
// uncommitted writes.
func (a *adapter) ReadTx(t store.Tx, key string) (value.Value, bool, error) {
	if key == "" {
		return value.Value{}, false, store.ErrEmptyKey
	}
	tx, err := a.ownTx(t)
	if err != nil {
		return value.Value{}, false, err
	}
	return a.get(tx.txn, key)
}

// ReadAllTx enumerates through an active write transaction.
func (a *adapter) ReadAllTx(t store.Tx) ([]store.Entry, error) {
	tx, err := a.ownTx(t)
	if err != nil {
		return nil, err
	}
	return a.readAll(tx.txn)
}

// Write stores key=val inside the transaction.
func (a *adapter) Write(t store.Tx, key string, val value.Value) error {
	if key == "" {
		return store.ErrEmptyKey
	}
	tx, err := a.ownTx(t)
	if err != nil {
		return err
	}

	data, err := val.Encode()
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", a.name, key, err)
	}
	if err := tx.txn.Set(a.entryKey(key), data); err != nil {
		return fmt.Errorf("write %s/%s: %w", a.name, key, err)
	}
	tx.touch(a.name, key)
	return nil
}

// Delete removes key inside the transaction.
func (a *adapter) Delete(t store.Tx, key string) error {
	if key == "" {
		return store.ErrEmptyKey
	}
	tx, err := a.ownTx(t)
	if err != nil {
		return err
	}

	if err := tx.txn.Delete(a.entryKey(key)); err != nil {
		return fmt.Errorf("delete %s/%s: %w", a.name, key, err)
	}
	tx.touch(a.name, key)
	return nil
}

// DeleteAll removes every entry of the collection inside the transaction.
func (a *adapter) DeleteAll(t store.Tx) error {
	tx, err := a.ownTx(t)
	if err != nil {
		return err
	}

	// Two passes: Badger forbids deleting under an open iterator.
	prefix := a.prefix()
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := tx.txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := tx.txn.Delete(k); err != nil {
			return fmt.Errorf("delete all %s: %w", a.name, err)
		}
		tx.touch(a.name, string(k[len(prefix):]))
	}
	return nil
}

// CurrentVersion returns the latest committed version.
func (a *adapter) CurrentVersion() store.Version {
	return a.s.CurrentVersion()
}

// Retain pins a version on the underlying store.
func (a *adapter) Retain(v store.Version) {
	a.s.Retain(v)
}

// Release drops a retain on the underlying store.
func (a *adapter) Release(v store.Version) {
	a.s.Release(v)
}
