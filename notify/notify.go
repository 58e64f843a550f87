// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers asynchronous change notifications for managed
// dictionary views.
//
// Each observer registration gets one token and a strict per-observer
// delivery order: an initial callback carrying the full current state
// (nil change set), then one callback per settled point with the change
// set since the previously delivered version. When commits land faster
// than the owner loop drains deliveries, the pipeline coalesces: it keeps
// a single scheduled delivery per observer and only advances its target
// version, so the observer sees the net effect exactly once and never a
// stale intermediate delta. Coalescing can absorb the initial delivery
// too, in which case the first callback already reflects the later
// commits.
//
// Callbacks always run on the loop the observed view is confined to, and
// hook dispatch happens while the single writer still holds the commit
// path, so a callback never observes a half-open write transaction.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/livedict/dict"
	"github.com/AleutianAI/livedict/diff"
	"github.com/AleutianAI/livedict/runloop"
	"github.com/AleutianAI/livedict/store"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrBackgroundOpen indicates the backing store became unreachable
	// while a background delivery was being prepared. It is delivered
	// once through the observer callback, after which the token is
	// invalidated and the observer must re-register.
	ErrBackgroundOpen = errors.New("backing store unreachable during background delivery")

	// ErrInWriteTransaction indicates Observe was called while a write
	// transaction was open.
	ErrInWriteTransaction = errors.New("cannot register observer during a write transaction")

	// ErrPipelineClosed indicates the pipeline has been shut down.
	ErrPipelineClosed = errors.New("notification pipeline is closed")
)

// -----------------------------------------------------------------------------
// Token
// -----------------------------------------------------------------------------

// Observer state machine values.
const (
	stateRegistered int32 = iota
	stateDelivering
	stateActive
	stateInvalidated
)

// Callback receives one delivery. The view is the observed live view,
// already advanced to the delivered version. The change set is nil for
// the initial delivery and for error deliveries; err is non-nil exactly
// once, immediately before the token invalidates itself.
type Callback func(view *dict.View, change *diff.ChangeSet, err error)

// Token represents one observer registration. It owns no data, only the
// capability to stop deliveries.
//
// Thread Safety: safe for concurrent use.
type Token struct {
	obs *observer
}

// ID returns the registration's unique identifier.
func (t *Token) ID() string {
	return t.obs.id
}

// Valid reports whether the token can still receive deliveries.
func (t *Token) Valid() bool {
	return t.obs.state.Load() != stateInvalidated
}

// Invalidate stops deliveries.
//
// Description:
//
//	Synchronous from the caller's perspective: after Invalidate returns,
//	the registration is gone and a delivery that was already scheduled
//	will find the token invalid when it re-checks immediately before
//	invoking the callback. Idempotent.
func (t *Token) Invalidate() {
	t.obs.invalidate()
}

// observer holds the per-registration coalescing state.
type observer struct {
	id      string
	p       *Pipeline
	view    *dict.View
	adapter store.Adapter
	loop    *runloop.Loop
	cb      Callback

	state atomic.Int32

	// mu guards the delivery bookkeeping below.
	mu sync.Mutex

	// delivered is the version of the last completed delivery.
	delivered store.Version

	// target is the version the next delivery will present. Advancing
	// target while a delivery is outstanding is what coalescing is.
	target store.Version

	// retained is the version this observer currently pins for its own
	// background reads (always equal to target while one is pending).
	retained store.Version

	// pending accumulates touched keys since the last delivery.
	pending map[string]struct{}

	// outstanding is true while a delivery task is scheduled or running.
	outstanding bool
}

// -----------------------------------------------------------------------------
// Pipeline
// -----------------------------------------------------------------------------

// Pipeline schedules, coalesces and delivers observer callbacks for one
// store.
//
// Thread Safety: safe for concurrent use.
type Pipeline struct {
	st     store.Store
	logger *slog.Logger

	mu        sync.Mutex
	observers map[string]*observer

	removeHook func()
	closed     atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a pipeline and hooks it into the store's commit path.
//
// Inputs:
//
//	st - The store whose commits drive deliveries. Must not be nil.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Pipeline - Ready to accept registrations. Call Close when done.
func New(st store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		st:        st,
		logger:    slog.Default(),
		observers: make(map[string]*observer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "notify"))
	p.removeHook = st.OnCommit(p.onCommit)
	return p
}

// Observe registers a callback for changes to the given view.
//
// Description:
//
//	Must be called on the view's owning loop, on a live managed view,
//	outside any write transaction. Schedules the initial delivery (full
//	state, nil change set) and returns the token that controls the
//	registration. The token must be retained; invalidating it is the
//	only way to stop deliveries.
//
// Inputs:
//
//	view - The live managed view to observe.
//	cb - The callback. Must not be nil.
//
// Outputs:
//
//	*Token - The registration token.
//	error - dict.ErrNotManaged, dict.ErrFrozen, dict.ErrWrongThread,
//	        dict.ErrStale, ErrInWriteTransaction or ErrPipelineClosed.
func (p *Pipeline) Observe(view *dict.View, cb Callback) (*Token, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}
	if view == nil || cb == nil {
		return nil, errors.New("view and callback must not be nil")
	}
	if !view.Managed() {
		return nil, dict.ErrNotManaged
	}
	if view.Frozen() {
		return nil, dict.ErrFrozen
	}
	loop := view.Owner()
	if loop == nil || !loop.IsCurrent() {
		return nil, dict.ErrWrongThread
	}
	if view.Invalidated() {
		return nil, dict.ErrStale
	}
	if p.st.InWrite() {
		return nil, ErrInWriteTransaction
	}

	obs := &observer{
		id:      uuid.NewString(),
		p:       p,
		view:    view,
		adapter: view.Adapter(),
		loop:    loop,
		cb:      cb,
		pending: make(map[string]struct{}),
	}
	obs.state.Store(stateDelivering)
	obs.mu.Lock()
	obs.delivered = view.Version()
	obs.outstanding = true
	obs.mu.Unlock()

	// Publish the registration before reading the target version. A
	// transaction committing in between is then never lost: its hook
	// either finds the observer and advances the target, or its effect
	// is already part of the full state the initial delivery presents.
	p.mu.Lock()
	p.observers[obs.id] = obs
	p.mu.Unlock()
	recordObservers(context.Background(), 1)

	cur := p.st.CurrentVersion()
	obs.mu.Lock()
	if obs.target.Before(cur) {
		obs.adapter.Retain(cur)
		if !obs.retained.IsZero() {
			obs.adapter.Release(obs.retained)
		}
		obs.target = cur
		obs.retained = cur
	}
	obs.mu.Unlock()

	if err := loop.Post(func() { p.deliver(obs) }); err != nil {
		obs.invalidate()
		obs.settle(store.Version{}, true)
		return nil, fmt.Errorf("schedule initial delivery: %w", err)
	}

	p.logger.Debug("observer registered",
		slog.String("observer_id", obs.id),
		slog.String("collection", obs.adapter.Name()))

	return &Token{obs: obs}, nil
}

// ObserverCount returns the number of live registrations.
func (p *Pipeline) ObserverCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

// Close invalidates every registration and detaches from the store.
// Idempotent.
func (p *Pipeline) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.removeHook()

	p.mu.Lock()
	observers := make([]*observer, 0, len(p.observers))
	for _, obs := range p.observers {
		observers = append(observers, obs)
	}
	p.mu.Unlock()

	for _, obs := range observers {
		obs.invalidate()
	}
}

// onCommit runs on the committing goroutine for every committed write.
// It only updates bookkeeping and schedules loop tasks; it never reads
// the store or invokes callbacks.
func (p *Pipeline) onCommit(v store.Version, touched map[string][]string) {
	if p.closed.Load() {
		return
	}

	p.mu.Lock()
	observers := make([]*observer, 0, len(p.observers))
	for _, obs := range p.observers {
		observers = append(observers, obs)
	}
	p.mu.Unlock()

	for _, obs := range observers {
		keys := touched[obs.adapter.Name()]
		if len(keys) == 0 {
			continue
		}
		p.schedule(obs, v, keys)
	}
}

// schedule folds one commit into an observer's next delivery.
func (p *Pipeline) schedule(obs *observer, v store.Version, keys []string) {
	obs.mu.Lock()
	defer obs.mu.Unlock()

	if obs.state.Load() == stateInvalidated {
		return
	}

	for _, k := range keys {
		obs.pending[k] = struct{}{}
	}
	if obs.target.Before(v) {
		obs.adapter.Retain(v)
		if !obs.retained.IsZero() {
			obs.adapter.Release(obs.retained)
		}
		obs.target = v
		obs.retained = v
	}

	if obs.outstanding {
		// A delivery is already scheduled; it will pick up the advanced
		// target when it runs.
		recordCoalesced(context.Background())
		return
	}
	obs.outstanding = true
	if err := obs.loop.Post(func() { p.deliver(obs) }); err != nil {
		obs.outstanding = false
		p.logger.Warn("owner loop closed, dropping observer",
			slog.String("observer_id", obs.id),
			slog.String("error", err.Error()))
		go obs.invalidate()
	}
}

// deliver runs on the observer's owning loop. It repeats until the
// delivered version catches up with the target, so commits landing during
// a callback are folded into an immediate follow-up delivery instead of
// a new task.
func (p *Pipeline) deliver(obs *observer) {
	for {
		state := obs.state.Load()
		if state == stateInvalidated {
			obs.settle(store.Version{}, true)
			return
		}

		// A view whose parent object was deleted stops observing
		// silently; there is no state left to report.
		if obs.view.Invalidated() {
			obs.invalidate()
			obs.settle(store.Version{}, true)
			return
		}

		obs.mu.Lock()
		target := obs.target
		prev := obs.delivered
		keys := make([]string, 0, len(obs.pending))
		for k := range obs.pending {
			keys = append(keys, k)
		}
		obs.pending = make(map[string]struct{})
		obs.mu.Unlock()

		initial := state == stateDelivering

		ctx, span := tracer.Start(context.Background(), "notify.Deliver",
			trace.WithAttributes(
				attribute.String("collection", obs.adapter.Name()),
				attribute.Int64("prev", int64(prev.Seq)),
				attribute.Int64("target", int64(target.Seq)),
				attribute.Bool("initial", initial),
			),
		)

		var change *diff.ChangeSet
		var err error
		if !initial && target != prev {
			change, err = diff.Compute(obs.adapter, prev, target, keys)
		}
		if err == nil {
			err = obs.view.AdvanceTo(target)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delivery failed")
			span.End()
			p.fail(obs, err)
			obs.settle(store.Version{}, true)
			return
		}

		// Nothing net-changed across the coalesced span: advance the
		// bookkeeping without a callback.
		skip := change != nil && change.Empty()

		// Validity is re-checked immediately before invoking so an
		// invalidation that raced with scheduling wins.
		if !skip && obs.state.Load() != stateInvalidated {
			p.invoke(obs, change)
			recordDelivery(ctx)
			if initial {
				obs.state.CompareAndSwap(stateDelivering, stateActive)
			}
		}
		span.End()

		if obs.settle(target, false) {
			return
		}
	}
}

// settle completes one delivery pass. It returns true when the observer
// has caught up (or is invalid) and the loop task should end. When force
// is set the observer's retention is dropped unconditionally.
func (obs *observer) settle(delivered store.Version, force bool) bool {
	obs.mu.Lock()
	defer obs.mu.Unlock()

	if !force {
		obs.delivered = delivered
	}

	if force || obs.state.Load() == stateInvalidated || obs.target == delivered {
		obs.outstanding = false
		if !obs.retained.IsZero() {
			obs.adapter.Release(obs.retained)
			obs.retained = store.Version{}
		}
		return true
	}
	// New commits arrived during the callback; keep going in this task.
	return false
}

// invoke calls the observer callback with panic recovery, so one
// misbehaving observer cannot take down the owner loop.
func (p *Pipeline) invoke(obs *observer, change *diff.ChangeSet) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("observer callback panicked",
				slog.String("observer_id", obs.id),
				slog.Any("panic", r))
		}
	}()
	obs.cb(obs.view, change, nil)
}

// fail delivers the single error callback and invalidates the token.
func (p *Pipeline) fail(obs *observer, cause error) {
	err := fmt.Errorf("%w: %w", ErrBackgroundOpen, cause)
	recordError(context.Background())
	p.logger.Warn("background delivery failed",
		slog.String("observer_id", obs.id),
		slog.String("collection", obs.adapter.Name()),
		slog.String("error", cause.Error()))

	if obs.state.Load() != stateInvalidated {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("observer error callback panicked",
						slog.String("observer_id", obs.id),
						slog.Any("panic", r))
				}
			}()
			obs.cb(obs.view, nil, err)
		}()
	}
	obs.invalidate()
}

// invalidate moves the observer to its terminal state and removes it
// from the pipeline. Idempotent, safe from any goroutine.
func (obs *observer) invalidate() {
	if obs.state.Swap(stateInvalidated) == stateInvalidated {
		return
	}

	obs.p.mu.Lock()
	delete(obs.p.observers, obs.id)
	obs.p.mu.Unlock()
	recordObservers(context.Background(), -1)

	obs.mu.Lock()
	// A delivery task that is still scheduled cleans up its own
	// retention when it observes the terminal state.
	if !obs.outstanding && !obs.retained.IsZero() {
		obs.adapter.Release(obs.retained)
		obs.retained = store.Version{}
	}
	obs.mu.Unlock()
}
