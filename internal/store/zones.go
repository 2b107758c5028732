package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"c3loc/go-ingest-server/internal/model"
)

// TouchListener creates the listener row or refreshes last_seen when the stored
// value is older than resolution.
func (s *Store) TouchListener(ctx context.Context, id string, now time.Time, resolution time.Duration) error {
	_, err := s.exec(ctx,
		`INSERT INTO listeners (id, last_seen) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET last_seen = excluded.last_seen
		WHERE listeners.last_seen < ?;`,
		id, millis(now), millis(now.Add(-resolution)),
	)
	if err != nil {
		return fmt.Errorf("touch listener: %w", err)
	}
	return nil
}

// ListenerZone returns the zone assigned to a listener, or nil.
func (s *Store) ListenerZone(ctx context.Context, id string) (*int64, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	var zone sql.NullInt64
	err := s.queryRow(ctx, `SELECT zone_id FROM listeners WHERE id = ?;`, id).Scan(&zone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select listener zone: %w", err)
	}
	return ptrInt64(zone), nil
}

// EnsureAutoZone returns the zone auto-provisioned under name, creating it when absent.
func (s *Store) EnsureAutoZone(ctx context.Context, name string) (id int64, created bool, err error) {
	if s.db == nil {
		return 0, false, errNotInitialized
	}
	err = s.queryRow(ctx,
		`INSERT INTO zones (name, auto_name) VALUES (?, ?)
		ON CONFLICT (auto_name) DO NOTHING RETURNING id;`,
		name, name,
	).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("insert zone: %w", err)
	}
	if err := s.queryRow(ctx, `SELECT id FROM zones WHERE auto_name = ?;`, name).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("select zone: %w", err)
	}
	return id, false, nil
}

// ClaimListenerZone assigns zoneID to a listener that has no zone yet and returns the
// zone the listener ends up with.
func (s *Store) ClaimListenerZone(ctx context.Context, listenerID string, zoneID int64) (int64, error) {
	return s.claimZone(ctx, "listeners", listenerID, zoneID)
}

// ClaimTagZone is ClaimListenerZone for tags.
func (s *Store) ClaimTagZone(ctx context.Context, tagID, zoneID int64) (int64, error) {
	return s.claimZone(ctx, "tags", tagID, zoneID)
}

func (s *Store) claimZone(ctx context.Context, table string, id any, zoneID int64) (int64, error) {
	if _, err := s.exec(ctx,
		`UPDATE `+table+` SET zone_id = ? WHERE id = ? AND zone_id IS NULL;`, zoneID, id,
	); err != nil {
		return 0, fmt.Errorf("claim %s zone: %w", table, err)
	}
	var got sql.NullInt64
	if err := s.queryRow(ctx, `SELECT zone_id FROM `+table+` WHERE id = ?;`, id).Scan(&got); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("claim %s zone: %w", table, ErrNotFound)
		}
		return 0, fmt.Errorf("claim %s zone: %w", table, err)
	}
	if !got.Valid {
		return 0, fmt.Errorf("claim %s zone: zone cleared concurrently", table)
	}
	return got.Int64, nil
}

// Zones lists all zones ordered by id.
func (s *Store) Zones(ctx context.Context) ([]model.Zone, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, auto_name, attrs FROM zones ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var zones []model.Zone
	for rows.Next() {
		var z model.Zone
		var auto sql.NullString
		var attrs string
		if err := rows.Scan(&z.ID, &z.Name, &auto, &attrs); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.AutoName = auto.String
		z.Attrs = decodeAttrs(attrs)
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate zones: %w", err)
	}
	return zones, nil
}

// Listener loads one listener.
func (s *Store) Listener(ctx context.Context, id string) (model.Listener, error) {
	if s.db == nil {
		return model.Listener{}, errNotInitialized
	}
	var (
		l        model.Listener
		name     sql.NullString
		zone     sql.NullInt64
		lastSeen int64
		attrs    string
	)
	err := s.queryRow(ctx,
		`SELECT id, name, zone_id, last_seen, attrs FROM listeners WHERE id = ?;`, id,
	).Scan(&l.ID, &name, &zone, &lastSeen, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Listener{}, fmt.Errorf("listener %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Listener{}, fmt.Errorf("select listener: %w", err)
	}
	l.Name = name.String
	l.ZoneID = ptrInt64(zone)
	l.LastSeen = fromMillis(lastSeen)
	l.Attrs = decodeAttrs(attrs)
	return l, nil
}

func decodeAttrs(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{"raw": raw}
	}
	return out
}
