package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// DefaultMaxAllocation caps any single length-prefixed field (1MB).
// Larger prefixes are rejected before allocating.
const DefaultMaxAllocation = 1 << 20

// Field-level decoding errors.
var (
	ErrVarintOverflow     = errors.New("protocol: varint overflow")
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
)

// wireWriter appends envelope fields to buf.
type wireWriter struct {
	buf []byte
}

func (w *wireWriter) putByte(b byte) { w.buf = append(w.buf, b) }

func (w *wireWriter) putVarint(v int64) { w.buf = binary.AppendVarint(w.buf, v) }

func (w *wireWriter) putBytes(b []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *wireWriter) putString(s string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// wireReader consumes envelope fields from buf.
type wireReader struct {
	buf []byte
}

func (r *wireReader) done() bool { return len(r.buf) == 0 }

func (r *wireReader) getByte() (byte, error) {
	if len(r.buf) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

// varintErr maps the encoding/binary length result to an error.
func varintErr(n int) error {
	if n == 0 {
		return io.ErrUnexpectedEOF
	}
	return ErrVarintOverflow
}

func (r *wireReader) getVarint() (int64, error) {
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		return 0, varintErr(n)
	}
	r.buf = r.buf[n:]
	return v, nil
}

// getField returns the next length-prefixed field without copying.
func (r *wireReader) getField() ([]byte, error) {
	length, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return nil, varintErr(n)
	}
	if length > DefaultMaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	rest := r.buf[n:]
	if length > uint64(len(rest)) {
		return nil, io.ErrUnexpectedEOF
	}
	r.buf = rest[length:]
	return rest[:length], nil
}

func (r *wireReader) getString() (string, error) {
	b, err := r.getField()
	return string(b), err
}

// getBytes returns a copy of the next length-prefixed field, or nil when it is
// empty.
func (r *wireReader) getBytes() ([]byte, error) {
	b, err := r.getField()
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}
