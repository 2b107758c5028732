package codec

import (
	"bytes"
	"fmt"
)

// RawAdvert is a BLE advertisement forwarded verbatim by a listener.
type RawAdvert struct {
	MACAddr [6]byte
	Payload []byte
}

// Address is the advertiser address as stored on its tag.
func (r RawAdvert) Address() string { return MACString(r.MACAddr) }

// DecodeRawAdvert parses a RAW payload.
func DecodeRawAdvert(b []byte) (RawAdvert, error) {
	var r RawAdvert
	err := eachField(b, func(f field) error {
		var err error
		var raw []byte
		switch f.num {
		case 1:
			if raw, err = f.raw(len(r.MACAddr)); err == nil {
				copy(r.MACAddr[:], raw)
			}
		case 2:
			if raw, err = f.raw(-1); err == nil {
				r.Payload = append([]byte(nil), raw...)
			}
		}
		return err
	})
	if err != nil {
		return RawAdvert{}, fmt.Errorf("decode raw advert: %w", err)
	}
	return r, nil
}

// EncodeRawAdvert is the inverse of DecodeRawAdvert.
func EncodeRawAdvert(r RawAdvert) []byte {
	b := appendBytes(nil, 1, r.MACAddr[:])
	return appendBytes(b, 2, r.Payload)
}

// RawReport is the result of a raw sub-codec: *MopekaReport or *SensorAdvert.
type RawReport interface {
	rawReport()
}

// RawCodec decodes the bytes following Signature in an advertisement.
type RawCodec struct {
	Name      string
	Signature []byte
	Decode    func(rest []byte) (RawReport, error)
}

// DefaultRawCodecs lists the known vendor formats in match order.
var DefaultRawCodecs = []RawCodec{
	{Name: "mopeka", Signature: MopekaSignature, Decode: decodeMopeka},
	{Name: "sensor", Signature: SensorSignature, Decode: decodeSensorAdvert},
}

// DecodeRaw runs the first codec whose signature occurs in payload.
func DecodeRaw(payload []byte, codecs []RawCodec) (RawReport, error) {
	for _, c := range codecs {
		i := bytes.Index(payload, c.Signature)
		if i < 0 {
			continue
		}
		r, err := c.Decode(payload[i+len(c.Signature):])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		return r, nil
	}
	return nil, ErrNoSignature
}
