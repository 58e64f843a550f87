// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dict

import "errors"

// Sentinel errors for dictionary view contract violations. All of these
// are caller programming errors and are surfaced synchronously.
var (
	// ErrWrongThread indicates a live view was accessed from a goroutine
	// other than its owning run loop.
	ErrWrongThread = errors.New("live view accessed from wrong goroutine")

	// ErrStale indicates the view's parent object has been deleted or the
	// view was closed.
	ErrStale = errors.New("view is no longer valid")

	// ErrFrozen indicates a mutation was attempted on a frozen view.
	ErrFrozen = errors.New("frozen view is immutable")

	// ErrNotManaged indicates an operation that requires a store-backed
	// view was called on an unmanaged one.
	ErrNotManaged = errors.New("view is not managed by a store")
)
