// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"unicode/utf8"
)

var be = binary.BigEndian

// Decode parses one datagram. It never reads outside b and returns either
// a Packet or a *DecodeError.
func Decode(b []byte) (Packet, error) {
	if len(b) > MaxDatagramSize {
		return Packet{}, &DecodeError{Kind: MalformedField, Field: "datagram",
			Detail: fmt.Sprintf("%d bytes exceeds limit %d", len(b), MaxDatagramSize)}
	}
	if len(b) < HeaderSize+TrailerSize {
		return Packet{}, &DecodeError{Kind: TooShort, Field: "header",
			Detail: fmt.Sprintf("got %d bytes, need at least %d", len(b), HeaderSize+TrailerSize)}
	}

	end := len(b) - TrailerSize
	if want, got := be.Uint32(b[end:]), crc32.ChecksumIEEE(b[:end]); want != got {
		return Packet{}, &DecodeError{Kind: ChecksumMismatch, Field: "crc32",
			Detail: fmt.Sprintf("trailer %08x, computed %08x", want, got)}
	}

	var p Packet
	p.Type = MessageType(be.Uint32(b[0:4]))
	p.Sequence = be.Uint64(b[4:12])
	copy(p.Hardware.MAC[:], b[12:18])
	p.Hardware.Sensor = b[18]

	body, ok := newBody(p.Type)
	if !ok {
		return Packet{}, &DecodeError{Kind: UnknownMessageType, Field: "type",
			Detail: p.Type.String()}
	}
	r := &reader{buf: b[HeaderSize:end]}
	body.decode(r)
	if r.err != nil {
		return Packet{}, r.err
	}
	p.Body = deref(body)
	return p, nil
}

// Encode serialises p. The header type is taken from the body.
func Encode(p Packet) ([]byte, error) {
	if p.Body == nil {
		return nil, fmt.Errorf("encode: packet has no body")
	}
	w := &writer{buf: make([]byte, HeaderSize, 64)}
	be.PutUint32(w.buf[0:4], uint32(p.Body.MessageType()))
	be.PutUint64(w.buf[4:12], p.Sequence)
	copy(w.buf[12:18], p.Hardware.MAC[:])
	w.buf[18] = p.Hardware.Sensor

	if err := p.Body.encode(w); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Body.MessageType(), err)
	}
	if len(w.buf)+TrailerSize > MaxDatagramSize {
		return nil, fmt.Errorf("encode %s: %d bytes exceeds limit %d",
			p.Body.MessageType(), len(w.buf)+TrailerSize, MaxDatagramSize)
	}
	return be.AppendUint32(w.buf, crc32.ChecksumIEEE(w.buf)), nil
}

// reader consumes a body. The first failure sticks in err and makes every
// later read return zero values.
type reader struct {
	buf []byte
	off int
	err *DecodeError
}

func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = &DecodeError{Kind: TooShort, Field: field,
			Detail: fmt.Sprintf("need %d bytes, %d left", n, len(r.buf)-r.off)}
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) malformed(field, detail string) {
	if r.err == nil {
		r.err = &DecodeError{Kind: MalformedField, Field: field, Detail: detail}
	}
}

func (r *reader) uint8(field string) uint8 {
	b := r.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16(field string) uint16 {
	b := r.take(2, field)
	if b == nil {
		return 0
	}
	return be.Uint16(b)
}

func (r *reader) uint32(field string) uint32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}
	return be.Uint32(b)
}

func (r *reader) bool(field string) bool {
	b := r.take(1, field)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	}
	r.malformed(field, fmt.Sprintf("boolean byte %d", b[0]))
	return false
}

func (r *reader) float32(field string) float32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}
	v := math.Float32frombits(be.Uint32(b))
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		r.malformed(field, "non-finite value")
		return 0
	}
	return v
}

func (r *reader) shortString(max int, field string) string {
	n := int(r.uint8(field))
	if r.err != nil {
		return ""
	}
	if n > max {
		r.malformed(field, fmt.Sprintf("length %d exceeds limit %d", n, max))
		return ""
	}
	b := r.take(n, field)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.malformed(field, "invalid UTF-8")
		return ""
	}
	return string(b)
}

type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) uint16(v uint16) { w.buf = be.AppendUint16(w.buf, v) }
func (w *writer) uint32(v uint32) { w.buf = be.AppendUint32(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.uint8(1)
		return
	}
	w.uint8(0)
}

func (w *writer) float32(v float32, field string) error {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return fmt.Errorf("%s: non-finite value", field)
	}
	w.uint32(math.Float32bits(v))
	return nil
}

func (w *writer) shortString(s string, max int, field string) error {
	if len(s) > max {
		return fmt.Errorf("%s: length %d exceeds limit %d", field, len(s), max)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s: invalid UTF-8", field)
	}
	w.uint8(uint8(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}
