// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package protocol

import "fmt"

// DecodeErrorKind classifies why a datagram was rejected.
type DecodeErrorKind uint8

const (
	TooShort DecodeErrorKind = iota + 1
	UnknownMessageType
	MalformedField
	ChecksumMismatch
)

func (k DecodeErrorKind) String() string {
	switch k {
	case TooShort:
		return "too_short"
	case UnknownMessageType:
		return "unknown_message_type"
	case MalformedField:
		return "malformed_field"
	case ChecksumMismatch:
		return "checksum_mismatch"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// DecodeError is returned by Decode. It is always recoverable: the datagram
// is dropped and the caller moves on.
type DecodeError struct {
	Kind   DecodeErrorKind
	Field  string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode: %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("decode: %s: %s: %s", e.Kind, e.Field, e.Detail)
}

// Is matches any DecodeError of the same kind, so callers can write
// errors.Is(err, protocol.ErrTooShort).
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

var (
	ErrTooShort           = &DecodeError{Kind: TooShort}
	ErrUnknownMessageType = &DecodeError{Kind: UnknownMessageType}
	ErrMalformedField     = &DecodeError{Kind: MalformedField}
	ErrChecksumMismatch   = &DecodeError{Kind: ChecksumMismatch}
)
