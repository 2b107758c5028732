// Package frame splits the listener byte stream into typed messages.
//
// A frame is a 4-byte big-endian length followed by that many bytes: one type byte
// and the message data.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

// DefaultMaxSize bounds a single frame.
const DefaultMaxSize = 5 * 1024 * 1024

// ErrInvalidFrame reports a frame the decoder refuses. It is fatal for the connection.
var ErrInvalidFrame = errors.New("invalid frame")

// Reasons a frame is invalid. Both wrap ErrInvalidFrame.
var (
	ErrEmptyFrame    = fmt.Errorf("%w: empty", ErrInvalidFrame)
	ErrFrameTooLarge = fmt.Errorf("%w: too large", ErrInvalidFrame)
)

// Message is one decoded frame.
type Message struct {
	Type byte
	Data []byte
}

// Decoder accumulates stream chunks. It is not safe for concurrent use; each
// connection owns one.
type Decoder struct {
	buf     []byte
	maxSize int
	err     error
}

// NewDecoder returns a decoder rejecting frames larger than maxSize. A non-positive
// maxSize selects DefaultMaxSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Decoder{maxSize: maxSize}
}

// AddBytes appends chunk and validates every frame header now in the buffer.
func (d *Decoder) AddBytes(chunk []byte) error {
	if d.err != nil {
		return d.err
	}
	d.buf = append(d.buf, chunk...)

	for off := 0; len(d.buf)-off >= HeaderLen; {
		n := binary.BigEndian.Uint32(d.buf[off:])
		switch {
		case n == 0:
			return d.poison(ErrEmptyFrame)
		case uint64(n) > uint64(d.maxSize):
			return d.poison(ErrFrameTooLarge)
		}
		end := off + HeaderLen + int(n)
		if end > len(d.buf) {
			break
		}
		off = end
	}
	return nil
}

func (d *Decoder) poison(err error) error {
	d.buf = nil
	d.err = err
	return d.err
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Messages yields every complete buffered message, removing it from the buffer.
// A trailing partial frame stays buffered.
func (d *Decoder) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for d.err == nil && len(d.buf) >= HeaderLen {
			n := int(binary.BigEndian.Uint32(d.buf))
			if len(d.buf) < HeaderLen+n {
				return
			}
			body := d.buf[HeaderLen : HeaderLen+n]
			msg := Message{Type: body[0], Data: append([]byte(nil), body[1:]...)}
			d.buf = d.buf[HeaderLen+n:]
			if len(d.buf) == 0 {
				d.buf = nil
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Append encodes msg as a frame onto b.
func Append(b []byte, msg Message) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(msg.Data)+1))
	b = append(b, msg.Type)
	return append(b, msg.Data...)
}

// Encode returns msg as a standalone frame.
func Encode(msg Message) []byte {
	return Append(make([]byte, 0, HeaderLen+1+len(msg.Data)), msg)
}
