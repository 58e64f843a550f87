// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff computes change sets between two versions of a collection.
//
// The engine never scans the collection: it walks only the keys the
// committing transactions reported as touched, so computing a change set
// is O(touched keys) regardless of collection size. Because both ends of
// the comparison are full database snapshots, a key touched several times
// across coalesced commits classifies by net effect automatically.
package diff

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/livedict/store"
)

// ChangeSet classifies the keys that differ between two versions of one
// collection. Each slice is sorted and the three are disjoint.
type ChangeSet struct {
	// Inserted keys were absent at the previous version and present at
	// the current one.
	Inserted []string

	// Removed keys were present at the previous version and absent at
	// the current one.
	Removed []string

	// Modified keys were present at both versions with different values.
	// A value changing to or from null counts as a modification.
	Modified []string
}

// Empty reports whether the change set contains no changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// String returns a compact rendering for logs.
func (c *ChangeSet) String() string {
	return fmt.Sprintf("+%d -%d ~%d", len(c.Inserted), len(c.Removed), len(c.Modified))
}

// Compute builds the change set for a collection between two versions.
//
// Description:
//
//	For each touched key, compares presence and value at prev and cur:
//	absent-to-present is an insert, present-to-absent a removal,
//	present-to-present with a different value a modification. Keys whose
//	state is identical at both ends (touched but reverted, or touched in
//	another collection sharing the report) are dropped. Untouched keys
//	are never read.
//
// Inputs:
//
//	adapter - The collection to compare. Both versions must be retained
//	          by the caller for the duration of the call.
//	prev - The older version.
//	cur - The newer version.
//	touched - Keys reported touched by the commits between prev and cur.
//
// Outputs:
//
//	*ChangeSet - The classification. Never nil on success.
//	error - Non-nil if either snapshot cannot be read.
//
// Thread Safety: safe from any goroutine; only versioned reads are used.
func Compute(adapter store.Adapter, prev, cur store.Version, touched []string) (*ChangeSet, error) {
	cs := &ChangeSet{}

	seen := make(map[string]struct{}, len(touched))
	for _, key := range touched {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		before, hadBefore, err := adapter.Read(prev, key)
		if err != nil {
			return nil, fmt.Errorf("read %q at %s: %w", key, prev, err)
		}
		after, hasAfter, err := adapter.Read(cur, key)
		if err != nil {
			return nil, fmt.Errorf("read %q at %s: %w", key, cur, err)
		}

		switch {
		case !hadBefore && hasAfter:
			cs.Inserted = append(cs.Inserted, key)
		case hadBefore && !hasAfter:
			cs.Removed = append(cs.Removed, key)
		case hadBefore && hasAfter && !before.Equal(after):
			cs.Modified = append(cs.Modified, key)
		}
	}

	sort.Strings(cs.Inserted)
	sort.Strings(cs.Removed)
	sort.Strings(cs.Modified)
	return cs, nil
}
