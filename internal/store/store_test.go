package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c3loc/go-ingest-server/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "nested", "c3loc.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestRebind(t *testing.T) {
	got := rebind(`SELECT id FROM tags WHERE type = 'a?b' AND mac = ? AND bid = ?;`)
	assert.Equal(t, `SELECT id FROM tags WHERE type = 'a?b' AND mac = $1 AND bid = $2;`, got)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("postgres")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)
	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}

func TestInitSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InitSchema(context.Background()))
}

func TestNotInitialized(t *testing.T) {
	var s Store
	_, _, err := s.EnsureAutoZone(context.Background(), "x")
	assert.Error(t, err)
	assert.NoError(t, s.Close())
}

func TestEnsureAutoZoneIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, created, err := s.EnsureAutoZone(ctx, "Near Listener aabb")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.EnsureAutoZone(ctx, "Near Listener aabb")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	zones, err := s.Zones(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "Near Listener aabb", zones[0].Name)
}

func TestListenerZoneClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TouchListener(ctx, "aabb", t0, 5*time.Second))
	zone, err := s.ListenerZone(ctx, "aabb")
	require.NoError(t, err)
	assert.Nil(t, zone)

	z1, _, err := s.EnsureAutoZone(ctx, "one")
	require.NoError(t, err)
	z2, _, err := s.EnsureAutoZone(ctx, "two")
	require.NoError(t, err)

	got, err := s.ClaimListenerZone(ctx, "aabb", z1)
	require.NoError(t, err)
	assert.Equal(t, z1, got)

	// An assigned zone is never replaced.
	got, err = s.ClaimListenerZone(ctx, "aabb", z2)
	require.NoError(t, err)
	assert.Equal(t, z1, got)

	_, err = s.ClaimListenerZone(ctx, "nope", z1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTouchListenerRateLimited(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TouchListener(ctx, "aabb", t0, 5*time.Second))
	require.NoError(t, s.TouchListener(ctx, "aabb", t0.Add(3*time.Second), 5*time.Second))
	l, err := s.Listener(ctx, "aabb")
	require.NoError(t, err)
	assert.Equal(t, t0, l.LastSeen)

	require.NoError(t, s.TouchListener(ctx, "aabb", t0.Add(6*time.Second), 5*time.Second))
	l, err = s.Listener(ctx, "aabb")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(6*time.Second), l.LastSeen)
}

func TestUpsertIBeacon(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := uuid.MustParse("e2c56db5-dffb-48d2-b060-d0f5a71096e0")

	ref, err := s.UpsertIBeacon(ctx, model.TagLocationAnchor, u, 1, 2, t0, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ref.Created)

	again, err := s.UpsertIBeacon(ctx, model.TagIBeacon, u, 1, 2, t0.Add(10*time.Second), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, ref.ID, again.ID)

	tag, err := s.Tag(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TagLocationAnchor, tag.Type)
	require.NotNil(t, tag.UUID)
	assert.Equal(t, u, *tag.UUID)
	assert.Equal(t, uint16(1), *tag.Major)
	assert.Equal(t, uint16(2), *tag.Minor)
	assert.Equal(t, t0.Add(10*time.Second), tag.LastSeen)
}

func TestUpsertRelay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ref, err := s.UpsertRelay(ctx, "010203040506", 90, t0, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ref.Created)

	// Within the resolution window nothing is written.
	again, err := s.UpsertRelay(ctx, "010203040506", 80, t0.Add(time.Second), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, again.Created)
	tag, err := s.Tag(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, *tag.BatteryPct)

	_, err = s.UpsertRelay(ctx, "010203040506", 70, t0.Add(6*time.Second), 5*time.Second)
	require.NoError(t, err)
	tag, err = s.Tag(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, *tag.BatteryPct)

	n, err := s.CountTags(ctx, model.TagSmartRelay)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, ok, err := s.TagIDByMAC(ctx, "010203040506")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ref.ID, id)

	_, ok, err = s.TagIDByMAC(ctx, "ffffffffffff")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertSecureRelayClockGuard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, ok, err := s.UpsertSecureRelay(ctx, SecureRelayUpdate{BID: 7, MAC: "aa", BatteryPct: 50, Clock: 100}, t0)
	require.NoError(t, err)
	require.True(t, ok)

	for _, clock := range []uint32{100, 50} {
		_, ok, err = s.UpsertSecureRelay(ctx, SecureRelayUpdate{BID: 7, MAC: "bb", BatteryPct: 10, Clock: clock}, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "clock %d", clock)
	}

	tag, err := s.Tag(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "aa", tag.MAC)
	assert.Equal(t, 50, *tag.BatteryPct)
	assert.False(t, tag.AlarmActive)
	assert.Equal(t, uint32(100), *tag.LastClock)
	assert.Equal(t, t0, tag.LastSeen)

	changed, err := s.SetAlarmActive(ctx, id, true)
	require.NoError(t, err)
	require.True(t, changed)

	again, ok, err := s.UpsertSecureRelay(ctx, SecureRelayUpdate{BID: 7, MAC: "bb", BatteryPct: 10, Clock: 101}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, again)

	tag, err = s.Tag(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bb", tag.MAC)
	assert.Equal(t, 10, *tag.BatteryPct)
	assert.True(t, tag.AlarmActive, "upsert leaves the alarm flag alone")
	assert.Equal(t, uint32(101), *tag.LastClock)
}

func TestUpsertAlertWetAndMacBeacon(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	zone, _, err := s.EnsureAutoZone(ctx, "z")
	require.NoError(t, err)

	id, err := s.UpsertAlertWet(ctx, AlertWetUpdate{
		BID: 0x1234, BatteryPct: 90, Alarm: true, Attrs: `{"wetness":"40000"}`,
		ZoneID: &zone, Distance: decimal.RequireFromString("1.25"),
	}, t0)
	require.NoError(t, err)

	tag, err := s.Tag(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TagAlertWet, tag.Type)
	assert.True(t, tag.AlarmActive)
	assert.Equal(t, "40000", tag.Attrs["wetness"])
	assert.True(t, decimal.RequireFromString("1.25").Equal(tag.Distance))

	same, err := s.UpsertAlertWet(ctx, AlertWetUpdate{BID: 0x1234, BatteryPct: 80, Attrs: `{}`}, t0)
	require.NoError(t, err)
	assert.Equal(t, id, same)

	mb, err := s.UpsertMacBeacon(ctx, 0xa1b2c3, "aabbccddeeff", &zone, t0)
	require.NoError(t, err)
	mb2, err := s.UpsertMacBeacon(ctx, 0xa1b2c3, "aabbccddeeff", nil, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, mb, mb2)
}

func TestSetAlarmActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref, err := s.UpsertRelay(ctx, "r1", 1, t0, time.Second)
	require.NoError(t, err)

	changed, err := s.SetAlarmActive(ctx, ref.ID, false)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.SetAlarmActive(ctx, ref.ID, true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetAlarmActive(ctx, ref.ID, true)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRaiseAlarmSingleOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref, err := s.UpsertRelay(ctx, "r1", 1, t0, time.Second)
	require.NoError(t, err)

	a1, opened, err := s.RaiseAlarm(ctx, ref.ID, t0)
	require.NoError(t, err)
	assert.True(t, opened)

	a2, opened, err := s.RaiseAlarm(ctx, ref.ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, a1, a2)

	alarms, err := s.Alarms(ctx, ref.ID)
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, t0, alarms[0].StartTS)
	assert.Equal(t, t0.Add(time.Second), alarms[0].LastTS)

	acked, err := s.AcknowledgeAlarm(ctx, ref.ID, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, acked)

	a3, opened, err := s.RaiseAlarm(ctx, ref.ID, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, opened)
	assert.NotEqual(t, a1, a3)

	alarms, err = s.Alarms(ctx, ref.ID)
	require.NoError(t, err)
	require.Len(t, alarms, 2)
	assert.True(t, alarms[0].Acknowledged)
	require.NotNil(t, alarms[0].AckTS)
	assert.False(t, alarms[1].Acknowledged)
}

func TestOpenAlarmLosingRaceRefreshes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref, err := s.UpsertRelay(ctx, "r1", 1, t0, time.Second)
	require.NoError(t, err)

	ts := millis(t0)
	a1, inserted, err := s.openAlarm(ctx, ref.ID, ts)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same tag, same millisecond: only the first insert opens the alarm.
	a2, inserted, err := s.openAlarm(ctx, ref.ID, ts)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, a1, a2)

	alarms, err := s.Alarms(ctx, ref.ID)
	require.NoError(t, err)
	assert.Len(t, alarms, 1)
}

func TestSensors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref, err := s.UpsertRelay(ctx, "r1", 1, t0, time.Second)
	require.NoError(t, err)

	dts := uint32(99)
	require.NoError(t, s.InsertSensors(ctx, []model.Sensor{
		{TagID: ref.ID, Type: model.SensorBattery, Value: []byte{1}, Timestamp: t0, DeviceTS: &dts},
		{TagID: ref.ID, Type: model.SensorHumidity, Value: []byte{2, 3}, Timestamp: t0},
	}))
	require.NoError(t, s.InsertSensors(ctx, nil))

	rows, err := s.Sensors(ctx, ref.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.SensorBattery, rows[0].Type)
	assert.Equal(t, uint32(99), *rows[0].DeviceTS)
	assert.Equal(t, []byte{2, 3}, rows[1].Value)
	assert.Nil(t, rows[1].DeviceTS)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolveProximityNearestThenNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	zA, _, err := s.EnsureAutoZone(ctx, "A")
	require.NoError(t, err)
	zB, _, err := s.EnsureAutoZone(ctx, "B")
	require.NoError(t, err)
	zC, _, err := s.EnsureAutoZone(ctx, "C")
	require.NoError(t, err)

	now := t0.Add(time.Minute)
	tag, err := s.UpsertRelay(ctx, "r1", 1, now, time.Second)
	require.NoError(t, err)
	anchor, err := s.UpsertSecureAnchor(ctx, 5, now, time.Second)
	require.NoError(t, err)

	entries := []model.LogEntry{
		// Nearest by anchor distance, older.
		{TagID: tag.ID, ZoneID: &zA, Timestamp: now.Add(-4 * time.Second), Distance: dec("9"),
			Anchor: &model.Anchor{TagID: anchor.ID, Dist: dec("1.5")}},
		// Same nearest distance, newer: wins the tie.
		{TagID: tag.ID, ZoneID: &zB, Timestamp: now.Add(-2 * time.Second), Distance: dec("1.5")},
		// Newest but farther.
		{TagID: tag.ID, ZoneID: &zC, Timestamp: now, Distance: dec("3")},
		// Closest but outside the window.
		{TagID: tag.ID, ZoneID: &zC, Timestamp: now.Add(-20 * time.Second), Distance: dec("0.1")},
	}
	for _, e := range entries {
		require.NoError(t, s.InsertLog(ctx, e))
	}

	n, err := s.ResolveProximity(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Tag(ctx, tag.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ZoneID)
	assert.Equal(t, zB, *got.ZoneID)
	assert.True(t, dec("1.5").Equal(got.Distance), got.Distance.String())

	// Nothing changed, nothing written.
	n, err = s.ResolveProximity(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestResolveProximityKeepsAnchorZone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := uuid.New()

	zLA, _, err := s.EnsureAutoZone(ctx, "Near LA 1:2")
	require.NoError(t, err)
	zL, _, err := s.EnsureAutoZone(ctx, "Near Listener x")
	require.NoError(t, err)

	la, err := s.UpsertIBeacon(ctx, model.TagLocationAnchor, u, 1, 2, t0, time.Second)
	require.NoError(t, err)
	_, err = s.ClaimTagZone(ctx, la.ID, zLA)
	require.NoError(t, err)
	require.NoError(t, s.InsertLog(ctx, model.LogEntry{TagID: la.ID, ZoneID: &zL, Timestamp: t0, Distance: dec("1")}))

	_, err = s.ResolveProximity(ctx, 10*time.Second)
	require.NoError(t, err)
	got, err := s.Tag(ctx, la.ID)
	require.NoError(t, err)
	assert.Equal(t, zLA, *got.ZoneID)
}

func TestLogsAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref, err := s.UpsertRelay(ctx, "r1", 1, t0, time.Second)
	require.NoError(t, err)
	anchor, err := s.UpsertSecureAnchor(ctx, 9, t0, time.Second)
	require.NoError(t, err)
	zone, _, err := s.EnsureAutoZone(ctx, "Near SLA 9")
	require.NoError(t, err)
	_, err = s.ClaimTagZone(ctx, anchor.ID, zone)
	require.NoError(t, err)

	require.NoError(t, s.InsertLog(ctx, model.LogEntry{
		TagID: ref.ID, Timestamp: t0.Add(-10 * time.Minute), Distance: dec("1.50"), Variance: dec("0.2"),
		ListenerID: "aabb", Reason: model.ReasonEntry,
	}))
	require.NoError(t, s.InsertLog(ctx, model.LogEntry{
		TagID: ref.ID, ZoneID: &zone, Timestamp: t0, Distance: dec("2"), ListenerID: "aabb",
		Anchor: &model.Anchor{TagID: anchor.ID, Dist: dec("0.7"), TSDelta: 3},
	}))

	logs, err := s.Logs(ctx, ref.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, dec("1.5").Equal(logs[0].Distance))
	assert.True(t, dec("0.2").Equal(logs[0].Variance))
	assert.Equal(t, model.ReasonEntry, logs[0].Reason)
	assert.Nil(t, logs[0].ZoneID)
	assert.Nil(t, logs[0].Anchor)
	require.NotNil(t, logs[1].Anchor)
	assert.Equal(t, anchor.ID, logs[1].Anchor.TagID)
	assert.Equal(t, zone, logs[1].Anchor.ZoneID)
	assert.Equal(t, 3, logs[1].Anchor.TSDelta)
	assert.Equal(t, model.ReasonNone, logs[1].Reason)

	n, err := s.PruneLog(ctx, t0.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.CountLog(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
