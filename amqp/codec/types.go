// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/binary"
	"maps"
	"math"
	"reflect"
	"slices"
)

// Frame types.
const (
	FrameMethod    byte = 1
	FrameHeader    byte = 2
	FrameBody      byte = 3
	FrameHeartbeat byte = 8
)

// FrameEnd is the octet that ends all frames.
const FrameEnd = 0xCE

const maxShortStr = 255

// Decimal represents an AMQP decimal value with scale and unscaled components.
type Decimal struct {
	Scale uint8
	Value int32
}

// Table is an AMQP field table.
type Table map[string]any

// TablesEqual compares two tables by decoded value. A nil and an empty table are equal.
func TablesEqual(a, b Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Reader decodes AMQP primitives from a byte slice. The first failure is
// sticky: later reads return zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first decoding error.
func (r *Reader) Err() error {
	return r.err
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = decodeErr(FrameError, format, args...)
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Len() {
		r.fail("need %d bytes, %d remaining", n, r.Len())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) {
	r.take(n)
}

// Rest returns a copy of all unread bytes.
func (r *Reader) Rest() []byte {
	return slices.Clone(r.take(r.Len()))
}

func (r *Reader) Octet() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Short() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Long() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) LongLong() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ShortStr reads a string with a one-octet length prefix.
func (r *Reader) ShortStr() string {
	n := int(r.Octet())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// LongStr reads a string with a four-octet length prefix.
func (r *Reader) LongStr() string {
	n := r.Long()
	if uint64(n) > uint64(r.Len()) {
		r.fail("long string of %d bytes exceeds remaining %d", n, r.Len())
		return ""
	}
	return string(r.take(int(n)))
}

// Table reads a field table. Entries are decoded from a sub-reader bounded
// by the declared byte count, so a malformed entry can never consume bytes
// past the table.
func (r *Reader) Table() Table {
	n := r.Long()
	if uint64(n) > uint64(r.Len()) {
		r.fail("table of %d bytes exceeds remaining %d", n, r.Len())
		return nil
	}
	sub := NewReader(r.take(int(n)))
	t := make(Table)
	for sub.Len() > 0 && sub.err == nil {
		key := sub.ShortStr()
		val := sub.FieldValue()
		if sub.err == nil {
			t[key] = val
		}
	}
	if sub.err != nil {
		r.err = sub.err
		return nil
	}
	return t
}

// Array reads a field array.
func (r *Reader) Array() []any {
	n := r.Long()
	if uint64(n) > uint64(r.Len()) {
		r.fail("array of %d bytes exceeds remaining %d", n, r.Len())
		return nil
	}
	sub := NewReader(r.take(int(n)))
	var arr []any
	for sub.Len() > 0 && sub.err == nil {
		v := sub.FieldValue()
		if sub.err == nil {
			arr = append(arr, v)
		}
	}
	if sub.err != nil {
		r.err = sub.err
		return nil
	}
	return arr
}

// FieldValue reads a tagged field value.
func (r *Reader) FieldValue() any {
	tag := r.Octet()
	if r.err != nil {
		return nil
	}
	switch tag {
	case 't':
		return r.Octet() != 0
	case 'b':
		return int8(r.Octet())
	case 'B':
		return r.Octet()
	case 'u':
		return int16(r.Short())
	case 'U':
		return r.Short()
	case 'I':
		return int32(r.Long())
	case 'i':
		return r.Long()
	case 'l':
		return int64(r.LongLong())
	case 'f':
		return math.Float32frombits(r.Long())
	case 'd':
		return math.Float64frombits(r.LongLong())
	case 'D':
		scale := r.Octet()
		return Decimal{Scale: scale, Value: int32(r.Long())}
	case 's':
		return r.ShortStr()
	case 'S':
		return r.LongStr()
	case 'T':
		return r.LongLong()
	case 'F':
		return r.Table()
	case 'A':
		return r.Array()
	case 'V':
		return nil
	case 'x':
		n := r.Long()
		if uint64(n) > uint64(r.Len()) {
			r.fail("byte array of %d bytes exceeds remaining %d", n, r.Len())
			return nil
		}
		return slices.Clone(r.take(int(n)))
	default:
		r.fail("unsupported field type %q", tag)
		return nil
	}
}

// Writer encodes AMQP primitives into a buffer. Like Reader, the first
// failure is sticky.
type Writer struct {
	buf *bytes.Buffer
	err error
}

// NewWriter returns a Writer appending to buf.
func NewWriter(buf *bytes.Buffer) *Writer {
	return &Writer{buf: buf}
}

// Err returns the first encoding error.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) Octet(b byte) {
	if w.err == nil {
		w.buf.WriteByte(b)
	}
}

func (w *Writer) Short(v uint16) {
	if w.err == nil {
		w.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	}
}

func (w *Writer) Long(v uint32) {
	if w.err == nil {
		w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	}
}

func (w *Writer) LongLong(v uint64) {
	if w.err == nil {
		w.buf.Write(binary.BigEndian.AppendUint64(nil, v))
	}
}

// Raw appends b unchanged.
func (w *Writer) Raw(b []byte) {
	if w.err == nil {
		w.buf.Write(b)
	}
}

func (w *Writer) ShortStr(s string) {
	if len(s) > maxShortStr {
		if w.err == nil {
			w.err = NewErr(InternalError, "short string too long", nil)
		}
		return
	}
	w.Octet(byte(len(s)))
	if w.err == nil {
		w.buf.WriteString(s)
	}
}

func (w *Writer) LongStr(s string) {
	w.Long(uint32(len(s)))
	if w.err == nil {
		w.buf.WriteString(s)
	}
}

// Table writes a field table with keys in sorted order so encoding is
// deterministic.
func (w *Writer) Table(t map[string]any) {
	w.Long(uint32(TableSize(t) - 4))
	for _, k := range slices.Sorted(maps.Keys(t)) {
		w.ShortStr(k)
		w.FieldValue(t[k])
	}
}

func (w *Writer) Array(arr []any) {
	w.Long(uint32(ArraySize(arr) - 4))
	for _, v := range arr {
		w.FieldValue(v)
	}
}

// FieldValue writes a tagged field value.
func (w *Writer) FieldValue(value any) {
	switch v := value.(type) {
	case bool:
		w.Octet('t')
		if v {
			w.Octet(1)
		} else {
			w.Octet(0)
		}
	case int8:
		w.Octet('b')
		w.Octet(byte(v))
	case byte:
		w.Octet('B')
		w.Octet(v)
	case int16:
		w.Octet('u')
		w.Short(uint16(v))
	case uint16:
		w.Octet('U')
		w.Short(v)
	case int32:
		w.Octet('I')
		w.Long(uint32(v))
	case int:
		// Decodes as int64.
		w.Octet('l')
		w.LongLong(uint64(v))
	case uint32:
		w.Octet('i')
		w.Long(v)
	case int64:
		w.Octet('l')
		w.LongLong(uint64(v))
	case float32:
		w.Octet('f')
		w.Long(math.Float32bits(v))
	case float64:
		w.Octet('d')
		w.LongLong(math.Float64bits(v))
	case Decimal:
		w.Octet('D')
		w.Octet(v.Scale)
		w.Long(uint32(v.Value))
	case string:
		w.Octet('S')
		w.LongStr(v)
	case uint64:
		w.Octet('T')
		w.LongLong(v)
	case Table:
		w.Octet('F')
		w.Table(v)
	case map[string]any:
		w.Octet('F')
		w.Table(v)
	case []any:
		w.Octet('A')
		w.Array(v)
	case []byte:
		w.Octet('x')
		w.Long(uint32(len(v)))
		w.Raw(v)
	case nil:
		w.Octet('V')
	default:
		if w.err == nil {
			w.err = NewErr(FrameError, "unsupported value type", nil)
		}
	}
}

// ShortStrSize returns the encoded length of a short string.
func ShortStrSize(s string) int {
	return 1 + len(s)
}

// LongStrSize returns the encoded length of a long string.
func LongStrSize(s string) int {
	return 4 + len(s)
}

// TableSize returns the encoded length of a field table, prefix included.
func TableSize(t map[string]any) int {
	n := 4
	for k, v := range t {
		n += ShortStrSize(k) + FieldValueSize(v)
	}
	return n
}

// ArraySize returns the encoded length of a field array, prefix included.
func ArraySize(arr []any) int {
	n := 4
	for _, v := range arr {
		n += FieldValueSize(v)
	}
	return n
}

// FieldValueSize returns the encoded length of a field value, tag included.
func FieldValueSize(value any) int {
	switch v := value.(type) {
	case bool, int8, byte:
		return 2
	case int16, uint16:
		return 3
	case int32, uint32, float32:
		return 5
	case int, int64, float64, uint64:
		return 9
	case Decimal:
		return 6
	case string:
		return 1 + LongStrSize(v)
	case Table:
		return 1 + TableSize(v)
	case map[string]any:
		return 1 + TableSize(v)
	case []any:
		return 1 + ArraySize(v)
	case []byte:
		return 5 + len(v)
	default:
		return 1
	}
}

func bit(b byte, i uint) bool {
	return b&(1<<i) != 0
}

func packBits(bits ...bool) byte {
	var b byte
	for i, set := range bits {
		if set {
			b |= 1 << uint(i)
		}
	}
	return b
}
