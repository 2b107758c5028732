package codec

import (
	"encoding/binary"
	"fmt"

	"c3loc/go-ingest-server/internal/model"
)

// SensorSignature precedes the vendor sensor advertisement.
var SensorSignature = []byte{0xff, 0x8d, 0x09}

// Advertisement subtypes following SensorSignature.
const (
	SubtypeSmartRelay       = 0
	SubtypeSecureSmartRelay = 2
	SubtypeSensorData       = 3
)

// SensorField is one telemetry value.
type SensorField struct {
	Type  model.SensorType
	Value []byte
}

// SensorAdvert is a sensor data advertisement.
type SensorAdvert struct {
	DeviceTS uint32
	Fields   []SensorField
	// Truncated is set when the TLV stream ended inside a field.
	Truncated bool
}

func (*SensorAdvert) rawReport() {}

func decodeSensorAdvert(b []byte) (RawReport, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: missing subtype", ErrShortPayload)
	}
	if b[0] != SubtypeSensorData {
		return nil, fmt.Errorf("%w: subtype %d", ErrNoSignature, b[0])
	}
	b = b[1:]
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: sensor advert is %d bytes", ErrShortPayload, len(b))
	}
	fields, truncated := ParseTLV(b[4:])
	return &SensorAdvert{
		DeviceTS:  binary.LittleEndian.Uint32(b),
		Fields:    fields,
		Truncated: truncated,
	}, nil
}

// ParseTLV reads {tag, len, value} triples until b is exhausted. It stops at the
// first field that is malformed or runs past the end of b, returning what was
// read before it.
func ParseTLV(b []byte) (fields []SensorField, truncated bool) {
	for len(b) > 0 {
		if len(b) < 2 || b[0] == 0 {
			return fields, true
		}
		n := int(b[1])
		if len(b) < 2+n {
			return fields, true
		}
		fields = append(fields, SensorField{
			Type:  model.SensorType(b[0]),
			Value: append([]byte(nil), b[2:2+n]...),
		})
		b = b[2+n:]
	}
	return fields, false
}

// EncodeSensorAdvert builds the advertisement bytes for a, signature included.
func EncodeSensorAdvert(a SensorAdvert) []byte {
	b := append([]byte(nil), SensorSignature...)
	b = append(b, SubtypeSensorData)
	b = binary.LittleEndian.AppendUint32(b, a.DeviceTS)
	for _, f := range a.Fields {
		b = append(b, byte(f.Type), byte(len(f.Value)))
		b = append(b, f.Value...)
	}
	return b
}
