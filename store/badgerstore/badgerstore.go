// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore implements the store contracts on BadgerDB v4 in
// managed mode.
//
// Managed mode hands version assignment to us: every committed write
// transaction gets commit timestamp Seq+1, and any retained timestamp can
// be read as a full consistent snapshot via NewTransactionAt. That makes
// Badger commit timestamps the store.Version sequence numbers directly.
//
// Version retention is cooperative: dictionary views and the notification
// pipeline retain the versions they read at, and the store advances
// Badger's discard timestamp as retains are released so compaction can
// reclaim history nobody can see anymore.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/livedict/store"
)

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config holds configuration for a badgerstore instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for store operations and BadgerDB internals.
	// If nil, slog.Default() is used and BadgerDB logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Ignored for in-memory stores. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent store")
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return errors.New("gc discard ratio must be between 0 and 1")
	}
	return nil
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store implements store.Store on a managed-mode BadgerDB.
//
// Thread Safety: safe for concurrent use. Begin serializes writers; all
// snapshot reads run lock-free against Badger's MVCC.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// writeMu serializes write transactions. It is held from Begin until
	// Commit or Rollback, which also covers commit hook dispatch: hooks
	// never observe a half-open writer.
	writeMu sync.Mutex
	writing atomic.Bool

	// version is the latest committed commit timestamp.
	version atomic.Uint64

	// refMu guards refs, the snapshot retention counts by version.
	refMu sync.Mutex
	refs  map[uint64]int

	hookMu   sync.RWMutex
	hooks    map[uint64]store.CommitHook
	nextHook uint64

	gcStopCh chan struct{}
	gcDoneCh chan struct{}

	closed atomic.Bool
}

// Open creates and opens a badgerstore with the given configuration.
//
// Description:
//
//	Opens BadgerDB in managed mode at the configured path, or in memory
//	if InMemory is true. The full version history is kept (subject to the
//	discard timestamp driven by Retain/Release), so snapshot reads at any
//	retained version stay valid across later commits.
//
// Inputs:
//
//	cfg - Store configuration. Must pass Validate().
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the configuration is invalid or BadgerDB fails to open.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	// Snapshot reads need every version newer than the discard timestamp.
	opts = opts.WithNumVersionsToKeep(math.MaxInt32)
	opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})

	db, err := badger.OpenManaged(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger (managed): %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With(slog.String("component", "badgerstore")),
		refs:   make(map[uint64]int),
		hooks:  make(map[uint64]store.CommitHook),
	}
	s.version.Store(db.MaxVersion())

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStopCh = make(chan struct{})
		s.gcDoneCh = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	s.logger.Info("store opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Uint64("version", s.version.Load()))

	return s, nil
}

// OpenInMemory is a convenience function for opening an in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// runGC periodically triggers Badger value log garbage collection.
func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDoneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				s.logger.Debug("value log GC completed")
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Collection returns the adapter bound to the named collection.
//
// Collection names must not contain NUL, which is the key-space
// separator; a name that did would alias another collection's keys, so
// Collection panics on it rather than returning a corrupting adapter.
func (s *Store) Collection(name string) store.Adapter {
	if strings.ContainsRune(name, 0) {
		panic(fmt.Sprintf("badgerstore: collection name %q contains NUL", name))
	}
	return &adapter{s: s, name: name}
}

// CurrentVersion returns the latest committed version.
func (s *Store) CurrentVersion() store.Version {
	return store.Version{Seq: s.version.Load()}
}

// InWrite reports whether a write transaction is currently open.
func (s *Store) InWrite() bool {
	return s.writing.Load()
}

// Begin opens the single write transaction.
//
// Description:
//
//	Blocks until the writer slot is free, then opens a Badger transaction
//	reading at the latest committed version and destined to commit at the
//	next one. The returned handle must be finished with Commit or Rollback
//	from the goroutine that called Begin.
//
// Outputs:
//
//	store.Tx - The write transaction handle.
//	error - store.ErrClosed if the store has been closed.
func (s *Store) Begin() (store.Tx, error) {
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return nil, store.ErrClosed
	}
	s.writing.Store(true)

	readTs := s.version.Load()
	return &Tx{
		s:        s,
		txn:      s.db.NewTransactionAt(readTs, true),
		commitTs: readTs + 1,
		touched:  make(map[string]map[string]struct{}),
		started:  time.Now(),
	}, nil
}

// OnCommit registers a commit hook and returns its removal function.
func (s *Store) OnCommit(hook store.CommitHook) (remove func()) {
	s.hookMu.Lock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = hook
	s.hookMu.Unlock()

	return func() {
		s.hookMu.Lock()
		delete(s.hooks, id)
		s.hookMu.Unlock()
	}
}

// Retain pins a version so snapshot reads at it stay valid.
func (s *Store) Retain(v store.Version) {
	if v.IsZero() {
		return
	}
	s.refMu.Lock()
	s.refs[v.Seq]++
	first := s.refs[v.Seq] == 1
	s.refMu.Unlock()
	if first {
		recordRetained(context.Background(), 1)
	}
}

// Release drops a previous Retain and advances the discard timestamp if
// the oldest retained version moved forward.
func (s *Store) Release(v store.Version) {
	if v.IsZero() {
		return
	}
	s.refMu.Lock()
	if n, ok := s.refs[v.Seq]; ok {
		if n <= 1 {
			delete(s.refs, v.Seq)
			recordRetained(context.Background(), -1)
		} else {
			s.refs[v.Seq] = n - 1
		}
	}
	oldest := s.version.Load()
	for seq := range s.refs {
		if seq < oldest {
			oldest = seq
		}
	}
	// Apply while still holding refMu: concurrent Releases would
	// otherwise race their timestamps and could move the discard
	// timestamp backwards.
	if oldest > 0 && !s.closed.Load() {
		s.db.SetDiscardTs(oldest - 1)
	}
	s.refMu.Unlock()
}

// Close stops background GC and closes the database.
//
// Outstanding snapshot reads fail after Close; the notification pipeline
// surfaces that as a background open error.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.gcStopCh != nil {
		close(s.gcStopCh)
		<-s.gcDoneCh
	}
	s.logger.Info("closing store", slog.Uint64("version", s.version.Load()))
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// Tx
// -----------------------------------------------------------------------------

// Tx implements store.Tx on a managed Badger transaction.
//
// Thread Safety: confined to the goroutine that called Begin.
type Tx struct {
	s        *Store
	txn      *badger.Txn
	commitTs uint64
	touched  map[string]map[string]struct{}
	started  time.Time
	done     atomic.Bool
}

// Active reports whether the transaction is still open.
func (t *Tx) Active() bool {
	return !t.done.Load()
}

// touch records a key mutation for commit reporting.
func (t *Tx) touch(collection, key string) {
	keys, ok := t.touched[collection]
	if !ok {
		keys = make(map[string]struct{})
		t.touched[collection] = keys
	}
	keys[key] = struct{}{}
}

// Commit atomically applies the transaction.
//
// Description:
//
//	Commits at the reserved timestamp, publishes the new version, then
//	invokes the registered commit hooks with the touched keys grouped by
//	collection. Hooks run before the writer slot is released, so hook
//	dispatch is strictly ordered by version and never overlaps a write.
//
// Outputs:
//
//	store.Version - The new committed version.
//	error - store.ErrNotInTransaction if the handle is spent.
func (t *Tx) Commit() (store.Version, error) {
	if t.done.Swap(true) {
		return store.Version{}, store.ErrNotInTransaction
	}

	ctx, span := tracer.Start(context.Background(), "store.Commit",
		trace.WithAttributes(attribute.Int64("store.commit_ts", int64(t.commitTs))),
	)
	defer span.End()

	if err := t.txn.CommitAt(t.commitTs, nil); err != nil {
		span.RecordError(err)
		t.finish()
		return store.Version{}, fmt.Errorf("commit at %d: %w", t.commitTs, err)
	}

	v := store.Version{Seq: t.commitTs}
	t.s.version.Store(t.commitTs)
	recordCommit(ctx, t.started)

	touched := t.touchedByCollection()
	if len(touched) > 0 {
		t.s.dispatchHooks(v, touched)
	}

	t.s.logger.Debug("transaction committed",
		slog.Uint64("version", t.commitTs),
		slog.Int("collections", len(touched)))

	t.finish()
	return v, nil
}

// Rollback discards the transaction. No-op after Commit.
func (t *Tx) Rollback() error {
	if t.done.Swap(true) {
		return nil
	}
	t.txn.Discard()
	recordRollback(context.Background())
	t.finish()
	return nil
}

// finish releases the writer slot.
func (t *Tx) finish() {
	t.s.writing.Store(false)
	t.s.writeMu.Unlock()
}

// touchedByCollection converts the touched sets to sorted slices.
func (t *Tx) touchedByCollection() map[string][]string {
	out := make(map[string][]string, len(t.touched))
	for collection, keys := range t.touched {
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		out[collection] = sorted
	}
	return out
}

// dispatchHooks invokes the commit hooks registered at commit time.
func (s *Store) dispatchHooks(v store.Version, touched map[string][]string) {
	s.hookMu.RLock()
	hooks := make([]store.CommitHook, 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	s.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(v, touched)
	}
}
