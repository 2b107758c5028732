package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"

	"c3loc/go-ingest-server/internal/model"
)

// MopekaSignature is the manufacturer data header of Mopeka tank sensors.
var MopekaSignature = []byte{0xff, 0x59, 0x00}

const mopekaLen = 8

// MopekaReport is a Pro Check tank sensor reading.
type MopekaReport struct {
	HardwareID   uint8
	BatteryRaw   uint8
	TemperatureC int
	// EchoUS is the time of flight of the ultrasonic echo in microseconds.
	EchoUS   uint16
	Quality  uint8
	SensorID uint32
}

func (*MopekaReport) rawReport() {}

func decodeMopeka(b []byte) (RawReport, error) {
	if len(b) < mopekaLen {
		return nil, fmt.Errorf("%w: mopeka is %d bytes", ErrShortPayload, len(b))
	}
	level := binary.LittleEndian.Uint16(b[3:5])
	return &MopekaReport{
		HardwareID:   b[0],
		BatteryRaw:   b[1],
		TemperatureC: int(b[2]&0x7f) - 40,
		EchoUS:       level & 0x3fff,
		Quality:      uint8(level >> 14),
		SensorID:     uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
	}, nil
}

// BatteryVolts converts the battery reading.
func (m *MopekaReport) BatteryVolts() decimal.Decimal {
	return decimal.New(int64(m.BatteryRaw), 0).Div(decimal.New(32, 0)).Round(2)
}

// LevelMM converts the echo time to a propane level using the temperature
// compensated speed of sound.
func (m *MopekaReport) LevelMM() int {
	t := float64(m.TemperatureC)
	coef := 0.573045 - 0.002822*t - 0.00000535*t*t
	mm := float64(m.EchoUS) * coef
	if mm < 0 {
		return 0
	}
	return int(mm + 0.5)
}

// Sensors returns the telemetry rows of the reading.
func (m *MopekaReport) Sensors() []SensorField {
	mv := m.BatteryVolts().Mul(decimal.New(1000, 0)).IntPart()
	return []SensorField{
		{Type: model.SensorBattery, Value: binary.LittleEndian.AppendUint16(nil, uint16(mv))},
		{Type: model.SensorTemperature, Value: []byte{byte(int8(m.TemperatureC))}},
		{Type: model.SensorTankHeight, Value: binary.LittleEndian.AppendUint16(nil, uint16(m.LevelMM()))},
		{Type: model.SensorTankConfidence, Value: []byte{m.Quality}},
	}
}

// EncodeMopeka builds the advertisement bytes for m, signature included.
func EncodeMopeka(m MopekaReport) []byte {
	b := append([]byte(nil), MopekaSignature...)
	b = append(b, m.HardwareID, m.BatteryRaw, byte(m.TemperatureC+40)&0x7f)
	b = binary.LittleEndian.AppendUint16(b, m.EchoUS&0x3fff|uint16(m.Quality&0x3)<<14)
	return append(b, byte(m.SensorID>>16), byte(m.SensorID>>8), byte(m.SensorID))
}
