// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestZeroValueIsNull verifies the zero Value behaves as null.
func TestZeroValueIsNull(t *testing.T) {
	var v Value
	assert.True(t, v.IsNull())
	assert.True(t, v.Equal(Null()))
	assert.Equal(t, "null", v.String())
}

// TestEqual verifies payload comparison per kind.
func TestEqual(t *testing.T) {
	t.Run("different kinds never equal", func(t *testing.T) {
		assert.False(t, Int(1).Equal(Float(1)))
		assert.False(t, String("1").Equal(Int(1)))
	})

	t.Run("timestamps compare by instant", func(t *testing.T) {
		utc := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		east := utc.In(time.FixedZone("E", 3600))
		assert.True(t, Timestamp(utc).Equal(Timestamp(east)))
		assert.False(t, Timestamp(utc).Equal(Timestamp(utc.Add(time.Nanosecond))))
	})

	t.Run("object refs compare by class and key", func(t *testing.T) {
		assert.True(t, ObjectRef("Person", "p1").Equal(ObjectRef("Person", "p1")))
		assert.False(t, ObjectRef("Person", "p1").Equal(ObjectRef("Person", "p2")))
		assert.False(t, ObjectRef("Person", "p1").Equal(ObjectRef("Dog", "p1")))
	})

	t.Run("bytes compare by content", func(t *testing.T) {
		assert.True(t, Bytes([]byte{1, 2}).Equal(Bytes([]byte{1, 2})))
		assert.False(t, Bytes([]byte{1, 2}).Equal(Bytes([]byte{1})))
	})
}

// TestEncodeDecode verifies a stored value round-trips intact.
func TestEncodeDecode(t *testing.T) {
	orig := Timestamp(time.Date(2025, 3, 9, 4, 30, 0, 123, time.UTC))

	data, err := orig.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, orig.Equal(got))

	_, err = Decode([]byte("not gob"))
	assert.Error(t, err)
}

// TestSchemaValidate verifies schema well-formedness rules.
func TestSchemaValidate(t *testing.T) {
	assert.Error(t, Schema{Kind: KindNull}.Validate())
	assert.Error(t, Schema{Kind: KindObject}.Validate())
	assert.Error(t, Schema{Kind: KindInt, Class: "Person"}.Validate())
	assert.NoError(t, Schema{Kind: KindObject, Class: "Person"}.Validate())
	assert.NoError(t, Schema{Kind: KindString, Optional: true}.Validate())
}

// TestSchemaCheck verifies value admission against a schema.
func TestSchemaCheck(t *testing.T) {
	t.Run("kind mismatch", func(t *testing.T) {
		s := Schema{Kind: KindInt}
		assert.NoError(t, s.Check(Int(7)))
		err := s.Check(String("7"))
		assert.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("null admission follows Optional", func(t *testing.T) {
		required := Schema{Kind: KindInt}
		assert.ErrorIs(t, required.Check(Null()), ErrNullNotAllowed)

		optional := Schema{Kind: KindInt, Optional: true}
		assert.NoError(t, optional.Check(Null()))
	})

	t.Run("object class must match", func(t *testing.T) {
		s := Schema{Kind: KindObject, Class: "Person"}
		assert.NoError(t, s.Check(ObjectRef("Person", "p1")))
		assert.ErrorIs(t, s.Check(ObjectRef("Dog", "d1")), ErrTypeMismatch)
	})
}
