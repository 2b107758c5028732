package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dchest/cmac"
	"github.com/shopspring/decimal"
)

const (
	// SSRTagLen is the number of CMAC bytes carried by a secure smart relay.
	SSRTagLen = 4
	// SSRMinPayload is the fixed part of an SSR payload.
	SSRMinPayload = 12

	ssrV0Len = 18
	ssrV1Len = 19
)

// SecureRelay is the SSR envelope. Payload is authenticated by MAC.
type SecureRelay struct {
	MACAddr    [6]byte
	MAC        [SSRTagLen]byte
	Payload    []byte
	DistanceCM uint32
	Variance   uint32
}

// Address is the relay address as stored on its tag.
func (s SecureRelay) Address() string { return MACString(s.MACAddr) }

// DecodeSecureRelay parses an SSR envelope without checking its MAC.
func DecodeSecureRelay(b []byte) (SecureRelay, error) {
	var s SecureRelay
	err := eachField(b, func(f field) error {
		var err error
		var raw []byte
		var v uint64
		switch f.num {
		case 1:
			if raw, err = f.raw(len(s.MACAddr)); err == nil {
				copy(s.MACAddr[:], raw)
			}
		case 2:
			if raw, err = f.raw(SSRTagLen); err == nil {
				copy(s.MAC[:], raw)
			}
		case 3:
			if raw, err = f.raw(-1); err == nil {
				s.Payload = append([]byte(nil), raw...)
			}
		case 4:
			v, err = f.uint(math.MaxUint32)
			s.DistanceCM = uint32(v)
		case 5:
			v, err = f.uint(math.MaxUint32)
			s.Variance = uint32(v)
		}
		return err
	})
	if err != nil {
		return SecureRelay{}, fmt.Errorf("decode ssr: %w", err)
	}
	return s, nil
}

// EncodeSecureRelay is the inverse of DecodeSecureRelay.
func EncodeSecureRelay(s SecureRelay) []byte {
	b := appendBytes(nil, 1, s.MACAddr[:])
	b = appendBytes(b, 2, s.MAC[:])
	b = appendBytes(b, 3, s.Payload)
	b = appendVarint(b, 4, uint64(s.DistanceCM))
	return appendVarint(b, 5, uint64(s.Variance))
}

// SSRAnchor is the location anchor a secure relay heard.
type SSRAnchor struct {
	ID    uint32
	Delta uint8
	// DistDM is set by version 0 and 1 payloads.
	DistDM uint8
	// RSSI and Cal are set by version 2 payloads.
	RSSI int8
	Cal  int8
	// Dist is the anchor distance in metres.
	Dist decimal.Decimal
}

// SSRReport is a parsed SSR payload.
type SSRReport struct {
	Flags    byte
	Version  byte
	RSSI1m   int8
	BeaconID uint32
	DeviceTS uint32
	Battery  uint8
	Button   bool
	Anchor   *SSRAnchor
}

// ParseSSRPayload decodes the authenticated payload of an SSR.
// A payload of unknown length or version carries no anchor.
func ParseSSRPayload(p []byte) (SSRReport, error) {
	if len(p) < SSRMinPayload {
		return SSRReport{}, fmt.Errorf("%w: ssr payload is %d bytes", ErrShortPayload, len(p))
	}
	r := SSRReport{
		Flags:    p[0],
		Version:  p[1],
		RSSI1m:   int8(p[2]),
		BeaconID: binary.LittleEndian.Uint32(p[3:7]),
		DeviceTS: binary.LittleEndian.Uint32(p[7:11]),
		Battery:  p[11] >> 1,
		Button:   p[11]&0x1 != 0,
	}

	tail := p[SSRMinPayload:]
	switch {
	case len(p) == ssrV0Len && r.Version <= 1:
		a := SSRAnchor{
			ID:     binary.LittleEndian.Uint32(tail),
			Delta:  tail[4],
			DistDM: tail[5],
		}
		a.Dist = decimal.New(int64(a.DistDM), -1)
		r.Anchor = &a
	case len(p) == ssrV1Len && r.Version == 2:
		a := SSRAnchor{
			ID:    binary.LittleEndian.Uint32(tail),
			Delta: tail[4],
			RSSI:  int8(tail[5]),
			Cal:   int8(tail[6]),
		}
		a.Dist = decimal.NewFromFloat(math.Pow(10, float64(int(a.Cal)-int(a.RSSI))/32)).Round(2)
		r.Anchor = &a
	}
	if r.Anchor != nil && r.Anchor.ID == 0 {
		r.Anchor = nil
	}
	return r, nil
}

// Payload encodes r. Version 0 and 1 carry DistDM, version 2 carries RSSI and Cal.
func (r SSRReport) Payload() []byte {
	p := make([]byte, SSRMinPayload, ssrV1Len)
	p[0] = r.Flags
	p[1] = r.Version
	p[2] = byte(r.RSSI1m)
	binary.LittleEndian.PutUint32(p[3:], r.BeaconID)
	binary.LittleEndian.PutUint32(p[7:], r.DeviceTS)
	p[11] = r.Battery << 1
	if r.Button {
		p[11] |= 0x1
	}
	if r.Anchor == nil {
		return p
	}
	p = binary.LittleEndian.AppendUint32(p, r.Anchor.ID)
	p = append(p, r.Anchor.Delta)
	if r.Version == 2 {
		return append(p, byte(r.Anchor.RSSI), byte(r.Anchor.Cal))
	}
	return append(p, r.Anchor.DistDM)
}

// Verifier checks SSR MACs with AES-CMAC under a pre-shared key.
// A nil Verifier rejects every payload. It is safe for concurrent use.
type Verifier struct {
	block cipher.Block
}

// NewVerifier returns a Verifier for an AES key. An empty key yields a nil Verifier.
func NewVerifier(key []byte) (*Verifier, error) {
	if len(key) == 0 {
		return nil, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ssr key: %w", err)
	}
	return &Verifier{block: block}, nil
}

// Sign returns the truncated MAC of payload.
func (v *Verifier) Sign(payload []byte) ([SSRTagLen]byte, error) {
	var out [SSRTagLen]byte
	if v == nil {
		return out, fmt.Errorf("%w: no key configured", ErrAuthFailed)
	}
	mac, err := cmac.New(v.block)
	if err != nil {
		return out, err
	}
	mac.Write(payload)
	copy(out[:], mac.Sum(nil))
	return out, nil
}

// Verify checks s.MAC against its payload.
func (v *Verifier) Verify(s SecureRelay) error {
	want, err := v.Sign(s.Payload)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want[:], s.MAC[:]) != 1 {
		return ErrAuthFailed
	}
	return nil
}
