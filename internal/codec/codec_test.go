package codec

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c3loc/go-ingest-server/internal/model"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestIdentity(t *testing.T) {
	id := Identity{ListenerID: mustHex(t, "aabbccddeeff00112233445566778899"), Version: "1.0"}
	got, err := DecodeIdentity(EncodeIdentity(id))
	require.NoError(t, err)
	assert.Equal(t, "aabbccddeeff00112233445566778899", got.Hex())
	assert.Equal(t, "1.0", got.Version)

	_, err = DecodeIdentity(EncodeIdentity(Identity{ListenerID: []byte{1, 2, 3}}))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = DecodeIdentity(nil)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = DecodeIdentity([]byte{0x0a, 0x10, 0x01})
	assert.True(t, errors.Is(err, ErrMalformed), "length runs past the end")
}

func TestIBeaconSummary(t *testing.T) {
	u := uuid.MustParse("e2c56db5-dffb-48d2-b060-d0f5a71096e0")
	in := []IBeaconReport{
		{UUID: u, Major: 1, Minor: 2, DistanceCM: 150, Variance: 400, Reason: model.ReasonEntry},
		{UUID: u, Major: 65535, Minor: 7, DistanceCM: 0, Variance: 1, Reason: model.ReasonExit},
		{UUID: u, Major: 3, Minor: 3, Reason: model.ReasonNone},
	}
	got, err := DecodeIBeaconSummary(EncodeIBeaconSummary(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestIBeaconSummaryMissingReasonIsEntry(t *testing.T) {
	u := uuid.MustParse("e2c56db5-dffb-48d2-b060-d0f5a71096e0")
	report := appendBytes(nil, 1, u[:])
	report = appendVarint(report, 2, 1)
	report = appendVarint(report, 3, 2)
	report = appendVarint(report, 4, 150)

	got, err := DecodeIBeaconSummary(appendBytes(nil, 1, report))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ReasonEntry, got[0].Reason)

	relay := appendBytes(nil, 1, []byte{1, 2, 3, 4, 5, 6})
	relay = appendVarint(relay, 2, 200)
	relays, err := DecodeRelaySummary(appendBytes(nil, 1, relay))
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, model.ReasonEntry, relays[0].Reason)
}

func TestIBeaconSummaryRejectsShortUUID(t *testing.T) {
	report := appendBytes(nil, 1, []byte{1, 2, 3})
	_, err := DecodeIBeaconSummary(appendBytes(nil, 1, report))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestIBeaconSummaryRejectsWideMajor(t *testing.T) {
	u := uuid.New()
	report := appendBytes(nil, 1, u[:])
	report = appendVarint(report, 2, 70000)
	_, err := DecodeIBeaconSummary(appendBytes(nil, 1, report))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestRelaySummary(t *testing.T) {
	in := []RelayReport{{
		BeaconID:     [6]byte{0x06, 0x05, 0x04, 0x03, 0x02, 0x01},
		DistanceCM:   230,
		Variance:     2000,
		Reason:       model.ReasonMove,
		BatteryPct:   88,
		Pressed:      true,
		Nearest:      1<<16 | 2,
		NearestDelta: 3,
		NearestDist:  15,
	}}
	got, err := DecodeRelaySummary(EncodeRelaySummary(in))
	require.NoError(t, err)
	require.Equal(t, in, got)

	r := got[0]
	assert.Equal(t, "010203040506", r.MAC())
	assert.True(t, r.Anchored())
	assert.Equal(t, uint16(1), r.NearestMajor())
	assert.Equal(t, uint16(2), r.NearestMinor())

	r.Nearest, r.NearestDelta, r.NearestDist = 0, 0, 0
	assert.False(t, r.Anchored())
}

func TestParseSSRPayloadV0(t *testing.T) {
	in := SSRReport{
		Version:  1,
		RSSI1m:   -60,
		BeaconID: 0xdeadbeef,
		DeviceTS: 100,
		Battery:  90,
		Button:   true,
		Anchor:   &SSRAnchor{ID: 42, Delta: 3, DistDM: 25},
	}
	p := in.Payload()
	require.Len(t, p, 18)

	got, err := ParseSSRPayload(p)
	require.NoError(t, err)
	assert.Equal(t, int8(-60), got.RSSI1m)
	assert.Equal(t, uint32(0xdeadbeef), got.BeaconID)
	assert.Equal(t, uint32(100), got.DeviceTS)
	assert.Equal(t, uint8(90), got.Battery)
	assert.True(t, got.Button)
	require.NotNil(t, got.Anchor)
	assert.Equal(t, uint32(42), got.Anchor.ID)
	assert.Equal(t, uint8(3), got.Anchor.Delta)
	assert.Equal(t, "2.5", got.Anchor.Dist.String())
}

func TestParseSSRPayloadV1(t *testing.T) {
	in := SSRReport{
		Version:  2,
		BeaconID: 7,
		DeviceTS: 5,
		Anchor:   &SSRAnchor{ID: 9, Delta: 1, RSSI: -75, Cal: -59},
	}
	p := in.Payload()
	require.Len(t, p, 19)

	got, err := ParseSSRPayload(p)
	require.NoError(t, err)
	require.NotNil(t, got.Anchor)
	assert.Equal(t, "3.16", got.Anchor.Dist.String())
	assert.False(t, got.Button)
}

func TestParseSSRPayloadAnchorEdges(t *testing.T) {
	// Version 2 with the v0 length carries no anchor.
	p := SSRReport{Version: 0, Anchor: &SSRAnchor{ID: 9, DistDM: 4}}.Payload()
	p[1] = 2
	got, err := ParseSSRPayload(p)
	require.NoError(t, err)
	assert.Nil(t, got.Anchor)

	// Anchor id 0 means none.
	p = SSRReport{Version: 0, Anchor: &SSRAnchor{ID: 0, DistDM: 4}}.Payload()
	got, err = ParseSSRPayload(p)
	require.NoError(t, err)
	assert.Nil(t, got.Anchor)

	got, err = ParseSSRPayload(SSRReport{BeaconID: 1}.Payload())
	require.NoError(t, err)
	assert.Nil(t, got.Anchor)

	_, err = ParseSSRPayload(make([]byte, 11))
	assert.True(t, errors.Is(err, ErrShortPayload))
}

func TestVerifierKnownVector(t *testing.T) {
	// RFC 4493, example 2.
	v, err := NewVerifier(mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"))
	require.NoError(t, err)

	s := SecureRelay{Payload: mustHex(t, "6bc1bee22e409f96e93d7e117393172a")}
	copy(s.MAC[:], mustHex(t, "070a16b4"))
	assert.NoError(t, v.Verify(s))

	s.MAC[3] ^= 0x01
	assert.True(t, errors.Is(v.Verify(s), ErrAuthFailed))
}

func TestVerifierSignRoundTrip(t *testing.T) {
	v, err := NewVerifier(mustHex(t, "000102030405060708090a0b0c0d0e0f"))
	require.NoError(t, err)

	payload := SSRReport{BeaconID: 3, DeviceTS: 77}.Payload()
	tag, err := v.Sign(payload)
	require.NoError(t, err)

	s := SecureRelay{MACAddr: [6]byte{1, 2, 3, 4, 5, 6}, MAC: tag, Payload: payload, DistanceCM: 120, Variance: 10}
	decoded, err := DecodeSecureRelay(EncodeSecureRelay(s))
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
	assert.Equal(t, "060504030201", decoded.Address())
	assert.NoError(t, v.Verify(decoded))

	decoded.Payload[8] ^= 0xff
	assert.True(t, errors.Is(v.Verify(decoded), ErrAuthFailed))
}

func TestVerifierWithoutKey(t *testing.T) {
	v, err := NewVerifier(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.True(t, errors.Is(v.Verify(SecureRelay{Payload: []byte{1}}), ErrAuthFailed))

	_, err = NewVerifier([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseTLV(t *testing.T) {
	fields, truncated := ParseTLV([]byte{0x02, 0x02, 0x10, 0x20, 0x03, 0x01, 0x40})
	assert.False(t, truncated)
	assert.Equal(t, []SensorField{
		{Type: model.SensorTemperature, Value: []byte{0x10, 0x20}},
		{Type: model.SensorHumidity, Value: []byte{0x40}},
	}, fields)

	// Second field claims three bytes but only one follows.
	fields, truncated = ParseTLV([]byte{0x01, 0x01, 0x64, 0x02, 0x03, 0x01})
	assert.True(t, truncated)
	assert.Equal(t, []SensorField{{Type: model.SensorBattery, Value: []byte{0x64}}}, fields)

	fields, truncated = ParseTLV([]byte{0x01})
	assert.True(t, truncated)
	assert.Empty(t, fields)

	fields, truncated = ParseTLV(nil)
	assert.False(t, truncated)
	assert.Empty(t, fields)
}

func TestDecodeRawSensorAdvert(t *testing.T) {
	adv := SensorAdvert{
		DeviceTS: 1234,
		Fields:   []SensorField{{Type: model.SensorWetness, Value: []byte{0x01, 0x02}}},
	}
	payload := append([]byte{0x02, 0x01, 0x06}, EncodeSensorAdvert(adv)...)

	r, err := DecodeRaw(payload, DefaultRawCodecs)
	require.NoError(t, err)
	got, ok := r.(*SensorAdvert)
	require.True(t, ok)
	assert.Equal(t, adv, *got)
}

func TestDecodeRawSensorOtherSubtype(t *testing.T) {
	payload := append(append([]byte(nil), SensorSignature...), SubtypeSmartRelay, 0, 0)
	_, err := DecodeRaw(payload, DefaultRawCodecs)
	assert.True(t, errors.Is(err, ErrNoSignature))
}

func TestDecodeRawUnknown(t *testing.T) {
	_, err := DecodeRaw([]byte{0x02, 0x01, 0x06, 0x03, 0xff, 0x4c, 0x00}, DefaultRawCodecs)
	assert.True(t, errors.Is(err, ErrNoSignature))
}

func TestDecodeRawMopeka(t *testing.T) {
	in := MopekaReport{HardwareID: 3, BatteryRaw: 96, TemperatureC: 20, EchoUS: 1000, Quality: 3, SensorID: 0xa1b2c3}
	r, err := DecodeRaw(append([]byte{0x02, 0x01, 0x06}, EncodeMopeka(in)...), DefaultRawCodecs)
	require.NoError(t, err)
	m, ok := r.(*MopekaReport)
	require.True(t, ok)
	assert.Equal(t, in, *m)

	assert.Equal(t, "3", m.BatteryVolts().String())
	// 1000us * (0.573045 - 0.05644 - 0.00214)
	assert.Equal(t, 514, m.LevelMM())

	rows := m.Sensors()
	require.Len(t, rows, 4)
	assert.Equal(t, model.SensorBattery, rows[0].Type)
	assert.Equal(t, []byte{0xb8, 0x0b}, rows[0].Value)
	assert.Equal(t, model.SensorTankConfidence, rows[3].Type)
	assert.Equal(t, []byte{3}, rows[3].Value)
}

func TestDecodeRawMopekaShort(t *testing.T) {
	_, err := DecodeRaw(append(append([]byte(nil), MopekaSignature...), 1, 2, 3), DefaultRawCodecs)
	assert.True(t, errors.Is(err, ErrShortPayload))
}

func TestRawAdvert(t *testing.T) {
	in := RawAdvert{MACAddr: [6]byte{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa}, Payload: []byte{1, 2, 3}}
	got, err := DecodeRawAdvert(EncodeRawAdvert(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.Equal(t, "aabbccddeeff", got.Address())

	mac, err := ReverseMAC("aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, in.MACAddr, mac)
}
