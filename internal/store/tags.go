package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"c3loc/go-ingest-server/internal/model"
)

// TagRef is the part of a tag row the ingest path decides on.
type TagRef struct {
	ID          int64
	ZoneID      *int64
	AlarmActive bool
	Created     bool
}

type stmt struct {
	query string
	args  []any
}

// upsertTag inserts a tag unless its identity exists, otherwise runs the rate
// limited touch. lookup selects id, zone_id, alarm_active by the same identity.
func (s *Store) upsertTag(ctx context.Context, what string, insert, touch, lookup stmt) (TagRef, error) {
	if s.db == nil {
		return TagRef{}, errNotInitialized
	}
	var ref TagRef
	err := s.queryRow(ctx, insert.query, insert.args...).Scan(&ref.ID)
	switch {
	case err == nil:
		ref.Created = true
		return ref, nil
	case !errors.Is(err, sql.ErrNoRows):
		return TagRef{}, fmt.Errorf("insert %s: %w", what, err)
	}

	if _, err := s.exec(ctx, touch.query, touch.args...); err != nil {
		return TagRef{}, fmt.Errorf("touch %s: %w", what, err)
	}

	var zone sql.NullInt64
	if err := s.queryRow(ctx, lookup.query, lookup.args...).Scan(&ref.ID, &zone, &ref.AlarmActive); err != nil {
		return TagRef{}, fmt.Errorf("select %s: %w", what, err)
	}
	ref.ZoneID = ptrInt64(zone)
	return ref, nil
}

// UpsertIBeacon records a sighting of the iBeacon identity (u, major, minor). typ is
// only applied when the tag is created.
func (s *Store) UpsertIBeacon(ctx context.Context, typ model.TagType, u uuid.UUID, major, minor uint16, now time.Time, resolution time.Duration) (TagRef, error) {
	key := []any{u.String(), int64(major), int64(minor)}
	return s.upsertTag(ctx, "ibeacon tag",
		stmt{
			`INSERT INTO tags (uuid, major, minor, type, last_seen) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (uuid, major, minor) DO NOTHING RETURNING id;`,
			append(key, string(typ), millis(now)),
		},
		stmt{
			`UPDATE tags SET last_seen = ? WHERE uuid = ? AND major = ? AND minor = ? AND last_seen < ?;`,
			[]any{millis(now), key[0], key[1], key[2], millis(now.Add(-resolution))},
		},
		stmt{
			`SELECT id, zone_id, alarm_active FROM tags WHERE uuid = ? AND major = ? AND minor = ?;`,
			key,
		},
	)
}

// UpsertRelay records a smart relay sighting keyed by its MAC.
func (s *Store) UpsertRelay(ctx context.Context, mac string, batteryPct int, now time.Time, resolution time.Duration) (TagRef, error) {
	return s.upsertTag(ctx, "relay tag",
		stmt{
			`INSERT INTO tags (mac, type, battery_pct, last_seen) VALUES (?, 'SmartRelay', ?, ?)
			ON CONFLICT (mac) WHERE type = 'SmartRelay' DO NOTHING RETURNING id;`,
			[]any{mac, batteryPct, millis(now)},
		},
		stmt{
			`UPDATE tags SET last_seen = ?, battery_pct = ?
			WHERE mac = ? AND type = 'SmartRelay' AND last_seen < ?;`,
			[]any{millis(now), batteryPct, mac, millis(now.Add(-resolution))},
		},
		stmt{
			`SELECT id, zone_id, alarm_active FROM tags WHERE mac = ? AND type = 'SmartRelay';`,
			[]any{mac},
		},
	)
}

// UpsertSecureAnchor records a secure location anchor heard by a secure relay.
func (s *Store) UpsertSecureAnchor(ctx context.Context, bid uint32, now time.Time, resolution time.Duration) (TagRef, error) {
	return s.upsertTag(ctx, "secure anchor tag",
		stmt{
			`INSERT INTO tags (bid, type, last_seen) VALUES (?, 'SecureLocationAnchor', ?)
			ON CONFLICT (bid) DO NOTHING RETURNING id;`,
			[]any{int64(bid), millis(now)},
		},
		stmt{
			`UPDATE tags SET last_seen = ? WHERE bid = ? AND last_seen < ?;`,
			[]any{millis(now), int64(bid), millis(now.Add(-resolution))},
		},
		stmt{
			`SELECT id, zone_id, alarm_active FROM tags WHERE bid = ?;`,
			[]any{int64(bid)},
		},
	)
}

// SecureRelayUpdate is the state a verified SSR report carries.
type SecureRelayUpdate struct {
	BID        uint32
	MAC        string
	BatteryPct int
	Clock      uint32
}

// UpsertSecureRelay applies an SSR report in one statement. The update only happens
// when Clock is newer than the stored last_clock; ok is false for a replayed or
// out of order report, which changes nothing. The alarm flag is left to SetAlarmActive.
func (s *Store) UpsertSecureRelay(ctx context.Context, u SecureRelayUpdate, now time.Time) (id int64, ok bool, err error) {
	if s.db == nil {
		return 0, false, errNotInitialized
	}
	err = s.queryRow(ctx,
		`INSERT INTO tags (bid, type, mac, battery_pct, last_clock, last_seen)
		VALUES (?, 'SecureSmartRelay', ?, ?, ?, ?)
		ON CONFLICT (bid) DO UPDATE SET
			battery_pct = excluded.battery_pct,
			last_clock = excluded.last_clock,
			mac = excluded.mac,
			last_seen = excluded.last_seen
		WHERE tags.last_clock IS NULL OR tags.last_clock < excluded.last_clock
		RETURNING id;`,
		int64(u.BID), u.MAC, u.BatteryPct, int64(u.Clock), millis(now),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("upsert secure relay: %w", err)
	}
	return id, true, nil
}

// AlertWetUpdate is the state of a moisture sensor report.
type AlertWetUpdate struct {
	BID        uint16
	BatteryPct int
	Alarm      bool
	Attrs      string
	ZoneID     *int64
	Distance   decimal.Decimal
}

// UpsertAlertWet creates or overwrites a moisture sensor tag.
func (s *Store) UpsertAlertWet(ctx context.Context, u AlertWetUpdate, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNotInitialized
	}
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO tags (bid, type, battery_pct, alarm_active, attrs, last_seen, zone_id, distance)
		VALUES (?, 'AlertWet', ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bid) DO UPDATE SET
			battery_pct = excluded.battery_pct,
			alarm_active = excluded.alarm_active,
			attrs = excluded.attrs,
			last_seen = excluded.last_seen,
			zone_id = excluded.zone_id,
			distance = excluded.distance
		RETURNING id;`,
		int64(u.BID), u.BatteryPct, u.Alarm, u.Attrs, millis(now), nullInt64(u.ZoneID), u.Distance,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert alertwet: %w", err)
	}
	return id, nil
}

// UpsertMacBeacon creates or refreshes a sensor beacon identified by a vendor id.
func (s *Store) UpsertMacBeacon(ctx context.Context, bid uint32, mac string, zoneID *int64, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNotInitialized
	}
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO tags (bid, type, mac, zone_id, last_seen) VALUES (?, 'MacBeacon', ?, ?, ?)
		ON CONFLICT (bid) DO UPDATE SET last_seen = excluded.last_seen, zone_id = excluded.zone_id
		RETURNING id;`,
		int64(bid), mac, nullInt64(zoneID), millis(now),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert mac beacon: %w", err)
	}
	return id, nil
}

// SetAlarmActive flips the tag alarm flag and reports whether it changed.
func (s *Store) SetAlarmActive(ctx context.Context, tagID int64, active bool) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE tags SET alarm_active = ? WHERE id = ? AND alarm_active <> ?;`,
		active, tagID, active,
	)
	if err != nil {
		return false, fmt.Errorf("set alarm flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set alarm flag: %w", err)
	}
	return n > 0, nil
}

// TagIDByMAC returns the most recently seen tag with the given MAC.
func (s *Store) TagIDByMAC(ctx context.Context, mac string) (int64, bool, error) {
	if s.db == nil {
		return 0, false, errNotInitialized
	}
	var id int64
	err := s.queryRow(ctx,
		`SELECT id FROM tags WHERE mac = ? ORDER BY last_seen DESC LIMIT 1;`, mac,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select tag by mac: %w", err)
	}
	return id, true, nil
}

// Tag loads one tag.
func (s *Store) Tag(ctx context.Context, id int64) (model.Tag, error) {
	if s.db == nil {
		return model.Tag{}, errNotInitialized
	}
	var (
		t                        model.Tag
		mac, uid                 sql.NullString
		major, minor, bid        sql.NullInt64
		zone, battery, lastClock sql.NullInt64
		distance                 decimal.NullDecimal
		typ, attrs               string
		lastSeen                 int64
	)
	err := s.queryRow(ctx,
		`SELECT id, mac, uuid, major, minor, bid, type, zone_id, distance, battery_pct,
			alarm_active, last_seen, last_clock, attrs
		FROM tags WHERE id = ?;`, id,
	).Scan(&t.ID, &mac, &uid, &major, &minor, &bid, &typ, &zone, &distance, &battery,
		&t.AlarmActive, &lastSeen, &lastClock, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tag{}, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Tag{}, fmt.Errorf("select tag: %w", err)
	}

	t.MAC = mac.String
	if uid.Valid {
		u, err := uuid.Parse(uid.String)
		if err != nil {
			return model.Tag{}, fmt.Errorf("tag %d uuid: %w", id, err)
		}
		t.UUID = &u
	}
	if major.Valid {
		v := uint16(major.Int64)
		t.Major = &v
	}
	if minor.Valid {
		v := uint16(minor.Int64)
		t.Minor = &v
	}
	t.BID = ptrInt64(bid)
	t.Type = model.TagType(typ)
	t.ZoneID = ptrInt64(zone)
	if distance.Valid {
		t.Distance = distance.Decimal
	}
	if battery.Valid {
		v := int(battery.Int64)
		t.BatteryPct = &v
	}
	t.LastSeen = fromMillis(lastSeen)
	if lastClock.Valid {
		v := uint32(lastClock.Int64)
		t.LastClock = &v
	}
	t.Attrs = decodeAttrs(attrs)
	return t, nil
}

// CountTags counts tags of a type.
func (s *Store) CountTags(ctx context.Context, typ model.TagType) (int, error) {
	if s.db == nil {
		return 0, errNotInitialized
	}
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM tags WHERE type = ?;`, string(typ)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tags: %w", err)
	}
	return n, nil
}
