// Package codec implements the compact binary format shared by the sync and
// awareness message families: unsigned varints and length-prefixed byte arrays.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed indicates that a payload could not be decoded.
	ErrMalformed = errors.New("codec: malformed payload")
	// ErrTrailingBytes indicates that a message carried bytes past its last field.
	ErrTrailingBytes = errors.New("codec: trailing bytes")
)

// Encoder appends varint-tagged fields to an in-memory buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with capacity for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// WriteVarUint appends v as an unsigned LEB128 varint.
func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = protowire.AppendVarint(e.buf, v)
}

// WriteVarBytes appends a length-prefixed byte array.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.buf = protowire.AppendBytes(e.buf, b)
}

// WriteVarString appends a length-prefixed UTF-8 string.
func (e *Encoder) WriteVarString(s string) {
	e.buf = protowire.AppendString(e.buf, s)
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len reports the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Decoder reads fields written by an Encoder.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder wraps data for sequential reads.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// ReadVarUint consumes one unsigned varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	value, n := protowire.ConsumeVarint(d.data[d.pos:])
	if n < 0 {
		return 0, fmt.Errorf("%w: varint at offset %d: %v", ErrMalformed, d.pos, protowire.ParseError(n))
	}
	d.pos += n
	return value, nil
}

// ReadVarBytes consumes one length-prefixed byte array. The result is a copy.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	value, n := protowire.ConsumeBytes(d.data[d.pos:])
	if n < 0 {
		return nil, fmt.Errorf("%w: byte array at offset %d: %v", ErrMalformed, d.pos, protowire.ParseError(n))
	}
	d.pos += n
	return append([]byte(nil), value...), nil
}

// ReadVarString consumes one length-prefixed string.
func (d *Decoder) ReadVarString() (string, error) {
	value, n := protowire.ConsumeString(d.data[d.pos:])
	if n < 0 {
		return "", fmt.Errorf("%w: string at offset %d: %v", ErrMalformed, d.pos, protowire.ParseError(n))
	}
	d.pos += n
	return value, nil
}

// Remaining reports how many unread bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Finish returns ErrTrailingBytes when unread bytes remain.
func (d *Decoder) Finish() error {
	if d.Remaining() != 0 {
		return fmt.Errorf("%w: %d unread", ErrTrailingBytes, d.Remaining())
	}
	return nil
}
