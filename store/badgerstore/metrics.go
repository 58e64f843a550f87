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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for store operations.
var (
	tracer = otel.Tracer("livedict.store")
	meter  = otel.Meter("livedict.store")
)

// Metric instruments for the write path and version retention.
var (
	commitTotal      metric.Int64Counter
	rollbackTotal    metric.Int64Counter
	commitDuration   metric.Float64Histogram
	retainedVersions metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metric instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		commitTotal, err = meter.Int64Counter(
			"store_commit_total",
			metric.WithDescription("Total number of committed write transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"store_rollback_total",
			metric.WithDescription("Total number of rolled back write transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitDuration, err = meter.Float64Histogram(
			"store_commit_duration_seconds",
			metric.WithDescription("Duration of write transactions from begin to commit"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		retainedVersions, err = meter.Int64UpDownCounter(
			"store_retained_versions",
			metric.WithDescription("Number of distinct snapshot versions currently retained"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordCommit records a successful commit and its duration.
func recordCommit(ctx context.Context, started time.Time) {
	if err := initMetrics(); err != nil {
		return
	}
	commitTotal.Add(ctx, 1)
	commitDuration.Record(ctx, time.Since(started).Seconds())
}

// recordRollback records a rolled back transaction.
func recordRollback(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	rollbackTotal.Add(ctx, 1)
}

// recordRetained adjusts the retained-version gauge.
func recordRetained(ctx context.Context, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	retainedVersions.Add(ctx, delta)
}
