// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for the notification pipeline.
var (
	tracer = otel.Tracer("livedict.notify")
	meter  = otel.Meter("livedict.notify")
)

// Metric instruments for observer delivery.
var (
	deliveriesTotal metric.Int64Counter
	coalescedTotal  metric.Int64Counter
	errorsTotal     metric.Int64Counter
	activeObservers metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metric instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		deliveriesTotal, err = meter.Int64Counter(
			"notify_deliveries_total",
			metric.WithDescription("Total number of observer callbacks delivered"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		coalescedTotal, err = meter.Int64Counter(
			"notify_coalesced_total",
			metric.WithDescription("Total number of commits merged into an already scheduled delivery"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		errorsTotal, err = meter.Int64Counter(
			"notify_errors_total",
			metric.WithDescription("Total number of observer error deliveries"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeObservers, err = meter.Int64UpDownCounter(
			"notify_active_observers",
			metric.WithDescription("Number of currently registered observers"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordDelivery records one delivered callback.
func recordDelivery(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	deliveriesTotal.Add(ctx, 1)
}

// recordCoalesced records a commit folded into a scheduled delivery.
func recordCoalesced(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	coalescedTotal.Add(ctx, 1)
}

// recordError records an error delivery.
func recordError(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	errorsTotal.Add(ctx, 1)
}

// recordObservers adjusts the active-observer gauge.
func recordObservers(ctx context.Context, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	activeObservers.Add(ctx, delta)
}
