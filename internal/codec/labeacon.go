package codec

import (
	"fmt"
	"math"

	"c3loc/go-ingest-server/internal/model"
)

// RelayReport is one entry of a LABEACON packet sent on behalf of a smart relay.
type RelayReport struct {
	BeaconID     [6]byte
	DistanceCM   uint32
	Variance     uint32
	Reason       model.Reason
	BatteryPct   uint32
	Pressed      bool
	Nearest      uint32
	NearestDelta uint32
	NearestDist  uint32
}

// MAC is the relay address as stored on its tag.
func (r RelayReport) MAC() string { return MACString(r.BeaconID) }

// Anchored reports whether the relay heard a location anchor.
func (r RelayReport) Anchored() bool {
	return r.Nearest != 0 || r.NearestDelta != 0 || r.NearestDist != 0
}

// NearestMajor and NearestMinor unpack the anchor's iBeacon identity.
func (r RelayReport) NearestMajor() uint16 { return uint16(r.Nearest >> 16) }

func (r RelayReport) NearestMinor() uint16 { return uint16(r.Nearest & 0xffff) }

// DecodeRelaySummary parses a LABEACON payload into its reports.
func DecodeRelaySummary(b []byte) ([]RelayReport, error) {
	var reports []RelayReport
	err := eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.raw(-1)
		if err != nil {
			return err
		}
		r, err := decodeRelayReport(raw)
		if err != nil {
			return fmt.Errorf("report %d: %w", len(reports), err)
		}
		reports = append(reports, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode relay summary: %w", err)
	}
	return reports, nil
}

func decodeRelayReport(b []byte) (RelayReport, error) {
	r := RelayReport{Reason: model.ReasonEntry}
	var haveID bool
	err := eachField(b, func(f field) error {
		if f.num == 1 {
			raw, err := f.raw(len(r.BeaconID))
			if err != nil {
				return err
			}
			copy(r.BeaconID[:], raw)
			haveID = true
			return nil
		}
		var dst *uint32
		switch f.num {
		case 2:
			dst = &r.DistanceCM
		case 3:
			dst = &r.Variance
		case 5:
			dst = &r.BatteryPct
		case 7:
			dst = &r.Nearest
		case 8:
			dst = &r.NearestDelta
		case 9:
			dst = &r.NearestDist
		case 4, 6:
		default:
			return nil
		}
		v, err := f.uint(math.MaxUint32)
		if err != nil {
			return err
		}
		switch f.num {
		case 4:
			r.Reason = reasonOf(v)
		case 6:
			r.Pressed = v == 1
		default:
			*dst = uint32(v)
		}
		return nil
	})
	if err != nil {
		return RelayReport{}, err
	}
	if !haveID {
		return RelayReport{}, fmt.Errorf("%w: missing beacon_id", ErrMalformed)
	}
	return r, nil
}

// EncodeRelaySummary builds a LABEACON payload.
func EncodeRelaySummary(reports []RelayReport) []byte {
	var out []byte
	for _, r := range reports {
		var b []byte
		b = appendBytes(b, 1, r.BeaconID[:])
		b = appendVarint(b, 2, uint64(r.DistanceCM))
		b = appendVarint(b, 3, uint64(r.Variance))
		b = appendVarint(b, 4, reasonCode(r.Reason))
		b = appendVarint(b, 5, uint64(r.BatteryPct))
		if r.Pressed {
			b = appendVarint(b, 6, 1)
		}
		b = appendVarint(b, 7, uint64(r.Nearest))
		b = appendVarint(b, 8, uint64(r.NearestDelta))
		b = appendVarint(b, 9, uint64(r.NearestDist))
		out = appendBytes(out, 1, b)
	}
	return out
}
