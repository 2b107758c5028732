// Package codec decodes the payloads carried by listener frames.
//
// Every decoder is a pure function of its input. Records use the protobuf wire
// format and are walked field by field with protowire; unknown fields are skipped.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"c3loc/go-ingest-server/internal/model"
)

var (
	// ErrMalformed reports a payload that is not a well formed record.
	ErrMalformed = errors.New("malformed payload")
	// ErrShortPayload reports a payload shorter than its fixed layout.
	ErrShortPayload = errors.New("short payload")
	// ErrAuthFailed reports an SSR whose MAC does not verify.
	ErrAuthFailed = errors.New("mac verification failed")
	// ErrNoSignature reports a raw advert no sub-codec recognises.
	ErrNoSignature = errors.New("no known signature")
)

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) uint(limit uint64) (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d: want varint", ErrMalformed, f.num)
	}
	if f.varint > limit {
		return 0, fmt.Errorf("%w: field %d: value %d out of range", ErrMalformed, f.num, f.varint)
	}
	return f.varint, nil
}

func (f field) raw(size int) ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d: want bytes", ErrMalformed, f.num)
	}
	if size >= 0 && len(f.bytes) != size {
		return nil, fmt.Errorf("%w: field %d: %d bytes, want %d", ErrMalformed, f.num, len(f.bytes), size)
	}
	return f.bytes, nil
}

// eachField calls fn for every top-level field of b, in order.
func eachField(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// reasonOf maps the device EventReason enum.
func reasonOf(v uint64) model.Reason {
	switch v {
	case 0:
		return model.ReasonEntry
	case 1:
		return model.ReasonMove
	case 2:
		return model.ReasonStatus
	case 3:
		return model.ReasonExit
	}
	return model.ReasonNone
}

func reasonCode(r model.Reason) uint64 {
	switch r {
	case model.ReasonNone:
		return 0xff
	case model.ReasonMove:
		return 1
	case model.ReasonStatus:
		return 2
	case model.ReasonExit:
		return 3
	}
	return 0
}

// MACString renders a 6-byte address sent least significant byte first as lowercase hex.
func MACString(reversed [6]byte) string {
	var b [6]byte
	for i := range reversed {
		b[i] = reversed[len(reversed)-1-i]
	}
	return hex.EncodeToString(b[:])
}

// ReverseMAC parses a lowercase hex address into wire order.
func ReverseMAC(s string) ([6]byte, error) {
	var out [6]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("%w: mac %q", ErrMalformed, s)
	}
	for i := range raw {
		out[i] = raw[len(raw)-1-i]
	}
	return out, nil
}
