package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TagType enumerates the device families a tag row can describe.
type TagType string

const (
	TagIBeacon              TagType = "iBeacon"
	TagSmartRelay           TagType = "SmartRelay"
	TagLocationAnchor       TagType = "LocationAnchor"
	TagSecureLocationAnchor TagType = "SecureLocationAnchor"
	TagSecureSmartRelay     TagType = "SecureSmartRelay"
	TagAlertWet             TagType = "AlertWet"
	TagMacBeacon            TagType = "MacBeacon"
)

// Reason is the device-reported cause of a proximity report.
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonEntry  Reason = "ENTRY"
	ReasonMove   Reason = "MOVE"
	ReasonStatus Reason = "STATUS"
	ReasonExit   Reason = "EXIT"
)

// SensorType identifies the channel of a sensor telemetry row.
type SensorType uint8

const (
	SensorBattery        SensorType = 0x1
	SensorTemperature    SensorType = 0x2
	SensorHumidity       SensorType = 0x3
	SensorWetness        SensorType = 0x4
	SensorTankHeight     SensorType = 0x5
	SensorTankConfidence SensorType = 0x6
	SensorAuth           SensorType = 0x7
)

// Tag is a tracked physical device. Exactly one of MAC, (UUID, Major, Minor) or BID
// identifies it; Type decides which.
type Tag struct {
	ID          int64             `json:"id"`
	MAC         string            `json:"mac,omitempty"`
	UUID        *uuid.UUID        `json:"uuid,omitempty"`
	Major       *uint16           `json:"major,omitempty"`
	Minor       *uint16           `json:"minor,omitempty"`
	BID         *int64            `json:"bid,omitempty"`
	Type        TagType           `json:"type"`
	ZoneID      *int64            `json:"zone_id,omitempty"`
	Distance    decimal.Decimal   `json:"distance"`
	BatteryPct  *int              `json:"battery_pct,omitempty"`
	AlarmActive bool              `json:"alarm_active"`
	LastSeen    time.Time         `json:"last_seen"`
	LastClock   *uint32           `json:"last_clock,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// Zone is a named logical location.
type Zone struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	AutoName string            `json:"auto_name,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Listener is a gateway that terminates a TCP session.
type Listener struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	ZoneID   *int64            `json:"zone_id,omitempty"`
	LastSeen time.Time         `json:"last_seen"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Anchor is the location-anchor evidence a relay attached to its report.
type Anchor struct {
	TagID   int64
	ZoneID  int64
	Dist    decimal.Decimal
	TSDelta int
}

// LogEntry is one immutable proximity observation.
type LogEntry struct {
	ID         int64
	TagID      int64
	ZoneID     *int64
	Timestamp  time.Time
	Distance   decimal.Decimal
	Variance   decimal.Decimal
	ListenerID string
	Anchor     *Anchor
	Reason     Reason
}

// Alarm is an alarm episode of a tag. At most one unacknowledged alarm exists per tag.
type Alarm struct {
	ID           int64      `json:"id"`
	TagID        int64      `json:"tag_id"`
	StartTS      time.Time  `json:"start_ts"`
	LastTS       time.Time  `json:"last_ts"`
	AckTS        *time.Time `json:"ack_ts,omitempty"`
	Acknowledged bool       `json:"acknowledged"`
	Priority     int        `json:"priority"`
}

// Sensor is one telemetry value attached to a tag.
type Sensor struct {
	TagID     int64
	Type      SensorType
	Value     []byte
	Timestamp time.Time
	DeviceTS  *uint32
}

// AlarmEvent is emitted whenever an alarm is opened or refreshed.
type AlarmEvent struct {
	TagID     int64     `json:"tag_id"`
	AlarmID   int64     `json:"alarm_id"`
	Opened    bool      `json:"opened"`
	Timestamp time.Time `json:"timestamp"`
}
