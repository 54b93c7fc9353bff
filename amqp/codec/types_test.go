// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Octet(0xAB)
	w.Short(0xBEEF)
	w.Long(0xDEADBEEF)
	w.LongLong(0x0102030405060708)
	w.ShortStr("queue.name")
	w.LongStr(strings.Repeat("x", 300))
	require.NoError(t, w.Err())

	r := NewReader(buf.Bytes())
	assert.Equal(t, byte(0xAB), r.Octet())
	assert.Equal(t, uint16(0xBEEF), r.Short())
	assert.Equal(t, uint32(0xDEADBEEF), r.Long())
	assert.Equal(t, uint64(0x0102030405060708), r.LongLong())
	assert.Equal(t, "queue.name", r.ShortStr())
	assert.Equal(t, strings.Repeat("x", 300), r.LongStr())
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Len())
}

func TestShortStrTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.ShortStr(strings.Repeat("a", 256))
	require.Error(t, w.Err())
	assert.Equal(t, 0, buf.Len())
}

func TestShortStrTruncated(t *testing.T) {
	r := NewReader([]byte{10, 'a', 'b'})
	assert.Equal(t, "", r.ShortStr())
	require.Error(t, r.Err())
	assert.True(t, errors.Is(r.Err(), ErrFrameDecoding))
}

func TestReaderErrorIsSticky(t *testing.T) {
	r := NewReader([]byte{1})
	r.Short()
	require.Error(t, r.Err())
	assert.Equal(t, byte(0), r.Octet())
	assert.Equal(t, 1, r.Len())
}

func TestTableRoundTrip(t *testing.T) {
	table := Table{
		"bool":    true,
		"int8":    int8(-3),
		"byte":    byte(7),
		"int16":   int16(-300),
		"uint16":  uint16(300),
		"int32":   int32(-70000),
		"uint32":  uint32(70000),
		"int64":   int64(-1 << 40),
		"float32": float32(1.5),
		"float64": float64(2.25),
		"decimal": Decimal{Scale: 2, Value: 12345},
		"string":  "value",
		"stamp":   uint64(1700000000),
		"nested":  Table{"inner": "x"},
		"array":   []any{int32(1), "two", true},
		"bytes":   []byte{0x01, 0x02},
		"void":    nil,
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Table(table)
	require.NoError(t, w.Err())
	assert.Equal(t, TableSize(table), buf.Len())

	r := NewReader(buf.Bytes())
	decoded := r.Table()
	require.NoError(t, r.Err())
	assert.True(t, TablesEqual(table, decoded))
	assert.Equal(t, 0, r.Len())
}

func TestTableIntWidensToLongLong(t *testing.T) {
	cases := []struct {
		name  string
		value int
	}{
		{"small", 42},
		{"negative", -7},
		{"beyond int32", 5_000_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := Table{"x-delay": tc.value}
			var buf bytes.Buffer
			w := NewWriter(&buf)
			w.Table(table)
			require.NoError(t, w.Err())
			assert.Equal(t, TableSize(table), buf.Len())

			r := NewReader(buf.Bytes())
			decoded := r.Table()
			require.NoError(t, r.Err())
			assert.Equal(t, int64(tc.value), decoded["x-delay"])
		})
	}
}

func TestTableEncodingIsDeterministic(t *testing.T) {
	table := Table{"b": "2", "a": "1", "c": "3"}
	var first, second bytes.Buffer
	NewWriter(&first).Table(table)
	NewWriter(&second).Table(table)
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestTableStaysWithinDeclaredLength(t *testing.T) {
	// Table declares 3 bytes but its only entry needs more: the parser must
	// fail instead of reading the bytes that follow the table.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Long(3)
	w.ShortStr("k")
	w.Octet('S')
	w.LongStr("outside")

	r := NewReader(buf.Bytes())
	assert.Nil(t, r.Table())
	require.Error(t, r.Err())
}

func TestTableUnknownFieldType(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Long(3)
	w.ShortStr("k")
	w.Octet('Z')

	r := NewReader(buf.Bytes())
	r.Table()
	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "unsupported field type")
}

func TestFieldValueSize(t *testing.T) {
	cases := []struct {
		name  string
		value any
	}{
		{"bool", false},
		{"int16", int16(1)},
		{"int32", int32(1)},
		{"int64", int64(1)},
		{"int", 1 << 40},
		{"decimal", Decimal{Scale: 1, Value: 1}},
		{"string", "hello"},
		{"bytes", []byte("abc")},
		{"table", Table{"k": "v"}},
		{"array", []any{"a", int8(1)}},
		{"void", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf)
			w.FieldValue(tc.value)
			require.NoError(t, w.Err())
			assert.Equal(t, FieldValueSize(tc.value), buf.Len())
		})
	}
}

func TestTablesEqualNilAndEmpty(t *testing.T) {
	assert.True(t, TablesEqual(nil, Table{}))
	assert.False(t, TablesEqual(Table{"a": "1"}, Table{"a": "2"}))
	assert.True(t, TablesEqual(Table{"x": []byte("1")}, Table{"x": []byte("1")}))
}
