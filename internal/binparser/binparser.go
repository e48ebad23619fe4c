// Package binparser parses fixed-layout binary records described by field
// tables. A record type declares its fields once (name, width, validator);
// the layout computes the record size and drives validation, so the byte
// bookkeeping lives in one place instead of in every record type.
package binparser

import (
	"errors"
	"fmt"
)

// ErrShortData means the input does not yet hold a whole record; callers
// buffer more bytes and retry. Any other parse error is fatal for the
// stream that produced it.
var ErrShortData = errors.New("binparser: not enough data")

// ValidationError reports a field that failed its validator.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("binparser: field %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Field describes one fixed-width field. Validate is optional; it may
// reject the raw bytes or decode them into caller state as a side effect.
type Field struct {
	Name     string
	Size     int
	Validate func(raw []byte) error
}

// Exact returns a validator requiring the field to equal want.
func Exact(want []byte) func([]byte) error {
	return func(raw []byte) error {
		if string(raw) != string(want) {
			return fmt.Errorf("expected %q, got %q", want, raw)
		}
		return nil
	}
}

// ExactByte returns a validator requiring a one-byte field to equal want.
func ExactByte(want byte) func([]byte) error {
	return func(raw []byte) error {
		if raw[0] != want {
			return fmt.Errorf("expected 0x%02x, got 0x%02x", want, raw[0])
		}
		return nil
	}
}

// ExactUint32 returns a validator requiring a big-endian uint32 to equal want.
func ExactUint32(want uint32) func([]byte) error {
	return func(raw []byte) error {
		if got := BEUint32(raw); got != want {
			return fmt.Errorf("expected %d, got %d", want, got)
		}
		return nil
	}
}

// Layout is the prepared decoder for a record type.
type Layout struct {
	fields []Field
	size   int
}

func NewLayout(fields ...Field) Layout {
	size := 0
	for _, f := range fields {
		size += f.Size
	}
	return Layout{fields: fields, size: size}
}

// Size returns the record's total byte length.
func (l Layout) Size() int { return l.size }

// Parse validates one record at the front of data and returns the number of
// bytes consumed (always Size on success).
func (l Layout) Parse(data []byte) (int, error) {
	if len(data) < l.size {
		return 0, ErrShortData
	}
	off := 0
	for _, f := range l.fields {
		raw := data[off : off+f.Size]
		if f.Validate != nil {
			if err := f.Validate(raw); err != nil {
				return 0, &ValidationError{Field: f.Name, Err: err}
			}
		}
		off += f.Size
	}
	return l.size, nil
}

// BEUint24 decodes a 3-byte big-endian integer.
func BEUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// BEUint32 decodes a 4-byte big-endian integer.
func BEUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
