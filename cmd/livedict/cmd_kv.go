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
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livedict/dict"
	"github.com/AleutianAI/livedict/runloop"
	"github.com/AleutianAI/livedict/store"
	"github.com/AleutianAI/livedict/value"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var setNull bool // Store a null entry instead of a parsed value

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var setCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store one entry in the collection",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSet,
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value for one key",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var delCmd = &cobra.Command{
	Use:   "del <key>...",
	Short: "Remove entries from the collection",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDel,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every entry in the collection",
	RunE:  runKeys,
}

func init() {
	setCmd.Flags().BoolVar(&setNull, "null", false,
		"Store a null entry (the key stays present)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// withView opens the store, builds a live view on a fresh run loop and
// hands both to fn on the loop goroutine. Every kv command funnels
// through here so the dictionary contract (loop confinement, explicit
// transactions) is exercised the same way a host application would.
func withView(fn func(st store.Store, view *dict.View) error) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	schema, err := schemaFromFlags()
	if err != nil {
		return err
	}

	loop := runloop.Start()
	defer loop.Close()

	var runErr error
	syncErr := loop.Sync(func() {
		view, err := dict.NewManaged(st.Collection(collection), schema,
			store.Version{}, nil, loop)
		if err != nil {
			runErr = err
			return
		}
		defer view.Close()
		runErr = fn(st, view)
	})
	if syncErr != nil {
		return syncErr
	}
	return runErr
}

func runSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !setNull && len(args) < 2 {
		return fmt.Errorf("set requires a value unless --null is given")
	}

	return withView(func(st store.Store, view *dict.View) error {
		val := value.Null()
		if !setNull {
			parsed, err := parseValue(view.Schema().Kind, args[1])
			if err != nil {
				return err
			}
			val = parsed
		}

		tx, err := st.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := view.Set(tx, key, val); err != nil {
			return err
		}
		v, err := tx.Commit()
		if err != nil {
			return err
		}
		fmt.Printf("ok %s\n", v)
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withView(func(_ store.Store, view *dict.View) error {
		val, ok, err := view.Get(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Println(val)
		return nil
	})
}

func runDel(cmd *cobra.Command, args []string) error {
	return withView(func(st store.Store, view *dict.View) error {
		tx, err := st.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := view.RemoveKeys(tx, args...); err != nil {
			return err
		}
		v, err := tx.Commit()
		if err != nil {
			return err
		}
		fmt.Printf("ok %s\n", v)
		return nil
	})
}

func runKeys(cmd *cobra.Command, args []string) error {
	return withView(func(_ store.Store, view *dict.View) error {
		entries, err := view.Entries()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\n", e.Key, e.Value)
		}
		fmt.Printf("%d entries at %s\n", len(entries), view.Version())
		return nil
	})
}

// parseValue parses the CLI argument according to the collection kind.
func parseValue(kind value.Kind, raw string) (value.Value, error) {
	switch kind {
	case value.KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse bool %q: %w", raw, err)
		}
		return value.Bool(b), nil
	case value.KindInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse int %q: %w", raw, err)
		}
		return value.Int(i), nil
	case value.KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse float %q: %w", raw, err)
		}
		return value.Float(f), nil
	case value.KindString:
		return value.String(raw), nil
	case value.KindBytes:
		b, err := hex.DecodeString(raw)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse hex bytes %q: %w", raw, err)
		}
		return value.Bytes(b), nil
	case value.KindTimestamp:
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
		}
		return value.Timestamp(t), nil
	default:
		return value.Value{}, fmt.Errorf("kind %s not supported by the CLI", kind)
	}
}
