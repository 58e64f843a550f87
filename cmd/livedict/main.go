// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// livedict is a small operational CLI over a livedict store: read and
// write entries of one collection and tail its change notifications.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livedict/store/badgerstore"
	"github.com/AleutianAI/livedict/value"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

var (
	dbPath     string // Badger directory
	inMemory   bool   // Ephemeral store, no files
	collection string // Collection name operated on
	kindName   string // Declared value kind of the collection
	verbose    bool   // Debug logging
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "livedict",
	Short: "Inspect and watch a livedict collection",
	Long: `livedict operates on one collection of a livedict store.

Examples:
  livedict --db ./data set color blue
  livedict --db ./data get color
  livedict --db ./data keys
  livedict --db ./data watch`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: level})))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "livedict-data",
		"Path to the store directory")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false,
		"Use an ephemeral in-memory store")
	rootCmd.PersistentFlags().StringVarP(&collection, "collection", "c", "default",
		"Collection name")
	rootCmd.PersistentFlags().StringVarP(&kindName, "kind", "k", "string",
		"Declared value kind (bool, int, float, string, bytes, timestamp)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(watchCmd)
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// openStore opens the store selected by the global flags.
func openStore() (*badgerstore.Store, error) {
	if inMemory {
		return badgerstore.Open(badgerstore.InMemoryConfig())
	}
	cfg := badgerstore.DefaultConfig()
	cfg.Path = dbPath
	cfg.Logger = slog.Default()
	return badgerstore.Open(cfg)
}

// schemaFromFlags builds the collection schema from the --kind flag.
// CLI collections are always optional so `set --null` works everywhere.
func schemaFromFlags() (value.Schema, error) {
	kinds := map[string]value.Kind{
		"bool":      value.KindBool,
		"int":       value.KindInt,
		"float":     value.KindFloat,
		"string":    value.KindString,
		"bytes":     value.KindBytes,
		"timestamp": value.KindTimestamp,
	}
	k, ok := kinds[kindName]
	if !ok {
		return value.Schema{}, fmt.Errorf("unknown kind %q", kindName)
	}
	return value.Schema{Kind: k, Optional: true}, nil
}
