// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/livedict/dict"
	"github.com/AleutianAI/livedict/diff"
	"github.com/AleutianAI/livedict/notify"
	"github.com/AleutianAI/livedict/runloop"
	"github.com/AleutianAI/livedict/store"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail change notifications for the collection",
	Long: `Registers an observer on the collection and prints one line per
delivered change set until interrupted. The first line is the initial
state; rapid commits may coalesce into a single net change set.

Run a second livedict process against the same --db to generate changes.`,
	RunE: runWatch,
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	schema, err := schemaFromFlags()
	if err != nil {
		return err
	}

	pipeline := notify.New(st)
	defer pipeline.Close()

	loop := runloop.New()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(loop.Run)
	g.Go(func() error {
		<-ctx.Done()
		loop.Close()
		return nil
	})

	var token *notify.Token
	syncErr := loop.Sync(func() {
		view, verr := dict.NewManaged(st.Collection(collection), schema,
			store.Version{}, nil, loop)
		if verr != nil {
			err = verr
			return
		}
		token, err = pipeline.Observe(view, printDelivery)
	})
	if syncErr != nil {
		return syncErr
	}
	if err != nil {
		loop.Close()
		_ = g.Wait()
		return fmt.Errorf("register observer: %w", err)
	}
	defer token.Invalidate()

	fmt.Printf("watching collection %q, ctrl-c to stop\n", collection)
	return g.Wait()
}

// printDelivery renders one observer delivery as a single line.
func printDelivery(view *dict.View, change *diff.ChangeSet, err error) {
	if err != nil {
		fmt.Printf("watch stopped: %v\n", err)
		return
	}
	if change == nil {
		count, cerr := view.Count()
		if cerr != nil {
			fmt.Printf("initial state unreadable: %v\n", cerr)
			return
		}
		fmt.Printf("%s initial, %d entries\n", view.Version(), count)
		return
	}
	var parts []string
	if len(change.Inserted) > 0 {
		parts = append(parts, fmt.Sprintf("inserted %s", strings.Join(change.Inserted, ",")))
	}
	if len(change.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed %s", strings.Join(change.Removed, ",")))
	}
	if len(change.Modified) > 0 {
		parts = append(parts, fmt.Sprintf("modified %s", strings.Join(change.Modified, ",")))
	}
	fmt.Printf("%s %s\n", view.Version(), strings.Join(parts, "; "))
}
