package codec

import "strconv"

// PacketType is the type byte of a listener frame.
type PacketType byte

const (
	PacketID          PacketType = 0
	PacketData        PacketType = 1
	PacketSecure      PacketType = 2
	PacketResponse    PacketType = 3
	PacketRequest     PacketType = 4
	PacketIDRequest   PacketType = 5
	PacketHealthCheck PacketType = 6
	PacketTempBeacon  PacketType = 7
	PacketLABeacon    PacketType = 8
	PacketSSR         PacketType = 9
	PacketRaw         PacketType = 10
)

var packetNames = map[PacketType]string{
	PacketID:          "ID",
	PacketData:        "DATA",
	PacketSecure:      "SECURE",
	PacketResponse:    "RESPONSE",
	PacketRequest:     "REQUEST",
	PacketIDRequest:   "ID_REQUEST",
	PacketHealthCheck: "HEALTH_CHECK",
	PacketTempBeacon:  "TEMPBEACON",
	PacketLABeacon:    "LABEACON",
	PacketSSR:         "SSR",
	PacketRaw:         "RAW",
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// Ignored reports types a listener may send that carry nothing to ingest.
func (t PacketType) Ignored() bool {
	switch t {
	case PacketHealthCheck, PacketSecure, PacketTempBeacon:
		return true
	}
	return false
}

// Routed reports types handed to the ingest workers.
func (t PacketType) Routed() bool {
	switch t {
	case PacketData, PacketLABeacon, PacketSSR, PacketRaw:
		return true
	}
	return false
}
