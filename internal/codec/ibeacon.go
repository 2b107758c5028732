package codec

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"c3loc/go-ingest-server/internal/model"
)

// IBeaconReport is one entry of a DATA packet.
type IBeaconReport struct {
	UUID       uuid.UUID
	Major      uint16
	Minor      uint16
	DistanceCM uint32
	Variance   uint32
	Reason     model.Reason
}

// DecodeIBeaconSummary parses a DATA payload into its reports.
func DecodeIBeaconSummary(b []byte) ([]IBeaconReport, error) {
	var reports []IBeaconReport
	err := eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.raw(-1)
		if err != nil {
			return err
		}
		r, err := decodeIBeaconReport(raw)
		if err != nil {
			return fmt.Errorf("report %d: %w", len(reports), err)
		}
		reports = append(reports, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode ibeacon summary: %w", err)
	}
	return reports, nil
}

func decodeIBeaconReport(b []byte) (IBeaconReport, error) {
	r := IBeaconReport{Reason: model.ReasonEntry}
	var haveUUID bool
	err := eachField(b, func(f field) error {
		var err error
		var v uint64
		switch f.num {
		case 1:
			var raw []byte
			if raw, err = f.raw(16); err == nil {
				copy(r.UUID[:], raw)
				haveUUID = true
			}
		case 2:
			v, err = f.uint(math.MaxUint16)
			r.Major = uint16(v)
		case 3:
			v, err = f.uint(math.MaxUint16)
			r.Minor = uint16(v)
		case 4:
			v, err = f.uint(math.MaxUint32)
			r.DistanceCM = uint32(v)
		case 5:
			v, err = f.uint(math.MaxUint32)
			r.Variance = uint32(v)
		case 6:
			v, err = f.uint(math.MaxUint32)
			r.Reason = reasonOf(v)
		}
		return err
	})
	if err != nil {
		return IBeaconReport{}, err
	}
	if !haveUUID {
		return IBeaconReport{}, fmt.Errorf("%w: missing uuid", ErrMalformed)
	}
	return r, nil
}

// EncodeIBeaconSummary builds a DATA payload.
func EncodeIBeaconSummary(reports []IBeaconReport) []byte {
	var out []byte
	for _, r := range reports {
		var b []byte
		b = appendBytes(b, 1, r.UUID[:])
		b = appendVarint(b, 2, uint64(r.Major))
		b = appendVarint(b, 3, uint64(r.Minor))
		b = appendVarint(b, 4, uint64(r.DistanceCM))
		b = appendVarint(b, 5, uint64(r.Variance))
		b = appendVarint(b, 6, reasonCode(r.Reason))
		out = appendBytes(out, 1, b)
	}
	return out
}
