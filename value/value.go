// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package value defines the tagged variant value type stored in managed
// dictionaries, together with the per-collection schema that constrains it.
//
// A dictionary declares exactly one Schema (kind, object class, optionality)
// and every entry written through the dictionary is checked against it. The
// schema check happens at mutation time, not at read time: once a value is
// in the store it is assumed to conform.
package value

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrTypeMismatch is returned when a value's kind does not match the
	// schema declared for the collection.
	ErrTypeMismatch = errors.New("value kind does not match collection schema")

	// ErrNullNotAllowed is returned when a null value is supplied to a
	// collection whose schema is not optional.
	ErrNullNotAllowed = errors.New("null value not allowed by collection schema")
)

// -----------------------------------------------------------------------------
// Kind
// -----------------------------------------------------------------------------

// Kind identifies the variant stored in a Value.
type Kind uint8

const (
	// KindNull is the absent value. Permitted only by optional schemas.
	KindNull Kind = iota

	// KindBool is a boolean scalar.
	KindBool

	// KindInt is a 64-bit signed integer scalar.
	KindInt

	// KindFloat is a 64-bit floating point scalar.
	KindFloat

	// KindString is a string scalar.
	KindString

	// KindBytes is an opaque byte-slice scalar.
	KindBytes

	// KindTimestamp is a point-in-time scalar.
	KindTimestamp

	// KindObject is a reference to a persisted object of a declared class.
	KindObject
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Value
// -----------------------------------------------------------------------------

// Value is a tagged variant: exactly one payload field is meaningful,
// selected by Kind. The zero Value is the null value.
//
// Fields are exported for gob encoding; construct values through the
// constructor functions rather than struct literals.
type Value struct {
	Kind Kind

	BoolVal   bool
	IntVal    int64
	FloatVal  float64
	StringVal string
	BytesVal  []byte
	TimeVal   time.Time

	// Class and ObjectKey identify a referenced persisted object
	// when Kind is KindObject.
	Class     string
	ObjectKey string
}

// Null returns the null value.
func Null() Value {
	return Value{Kind: KindNull}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{Kind: KindBool, BoolVal: b}
}

// Int returns an integer value.
func Int(i int64) Value {
	return Value{Kind: KindInt, IntVal: i}
}

// Float returns a floating point value.
func Float(f float64) Value {
	return Value{Kind: KindFloat, FloatVal: f}
}

// String returns a string value.
func String(s string) Value {
	return Value{Kind: KindString, StringVal: s}
}

// Bytes returns a byte-slice value. The slice is not copied.
func Bytes(b []byte) Value {
	return Value{Kind: KindBytes, BytesVal: b}
}

// Timestamp returns a point-in-time value.
func Timestamp(t time.Time) Value {
	return Value{Kind: KindTimestamp, TimeVal: t}
}

// ObjectRef returns a reference to the persisted object of the given
// class with the given primary key.
func ObjectRef(class, key string) Value {
	return Value{Kind: KindObject, Class: class, ObjectKey: key}
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Equal reports whether two values hold the same kind and payload.
//
// Timestamps compare with time.Time.Equal so equivalent instants in
// different locations compare equal. Object references compare by
// class and key, not by the referenced object's contents.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.BoolVal == o.BoolVal
	case KindInt:
		return v.IntVal == o.IntVal
	case KindFloat:
		return v.FloatVal == o.FloatVal
	case KindString:
		return v.StringVal == o.StringVal
	case KindBytes:
		return bytes.Equal(v.BytesVal, o.BytesVal)
	case KindTimestamp:
		return v.TimeVal.Equal(o.TimeVal)
	case KindObject:
		return v.Class == o.Class && v.ObjectKey == o.ObjectKey
	default:
		return false
	}
}

// String returns a human-readable rendering of the value.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.BoolVal)
	case KindInt:
		return fmt.Sprintf("%d", v.IntVal)
	case KindFloat:
		return fmt.Sprintf("%g", v.FloatVal)
	case KindString:
		return v.StringVal
	case KindBytes:
		return fmt.Sprintf("0x%x", v.BytesVal)
	case KindTimestamp:
		return v.TimeVal.Format(time.RFC3339Nano)
	case KindObject:
		return fmt.Sprintf("%s(%s)", v.Class, v.ObjectKey)
	default:
		return "unknown"
	}
}

// Encode serializes the value for storage.
//
// Outputs:
//
//	[]byte - gob-encoded value.
//	error - Non-nil if encoding fails.
func (v Value) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode value: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a value previously produced by Encode.
//
// Inputs:
//
//	data - gob-encoded value bytes.
//
// Outputs:
//
//	Value - The decoded value.
//	error - Non-nil if the bytes are not a valid encoded value.
func Decode(data []byte) (Value, error) {
	var v Value
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return Value{}, fmt.Errorf("gob decode value: %w", err)
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// Schema
// -----------------------------------------------------------------------------

// Schema declares the value shape a collection accepts: a single kind,
// the referenced class when the kind is KindObject, and whether null
// entries are permitted.
type Schema struct {
	// Kind is the declared value kind. Must not be KindNull.
	Kind Kind

	// Class is the referenced object class. Required when Kind is
	// KindObject, must be empty otherwise.
	Class string

	// Optional permits null entries.
	Optional bool
}

// Validate checks that the schema itself is well-formed.
func (s Schema) Validate() error {
	if s.Kind == KindNull {
		return errors.New("schema kind must not be null")
	}
	if s.Kind == KindObject && s.Class == "" {
		return errors.New("object schema requires a class name")
	}
	if s.Kind != KindObject && s.Class != "" {
		return errors.New("class name is only valid for object schemas")
	}
	return nil
}

// Check verifies that a value conforms to the schema.
//
// Outputs:
//
//	error - ErrNullNotAllowed for null values on non-optional schemas,
//	        ErrTypeMismatch for any other kind or class disagreement.
func (s Schema) Check(v Value) error {
	if v.IsNull() {
		if !s.Optional {
			return ErrNullNotAllowed
		}
		return nil
	}
	if v.Kind != s.Kind {
		return fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, v.Kind, s.Kind)
	}
	if s.Kind == KindObject && v.Class != s.Class {
		return fmt.Errorf("%w: have class %q, want %q", ErrTypeMismatch, v.Class, s.Class)
	}
	return nil
}
