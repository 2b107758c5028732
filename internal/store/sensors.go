package store

import (
	"context"
	"database/sql"
	"fmt"

	"c3loc/go-ingest-server/internal/model"
)

// InsertSensors appends telemetry rows in one transaction.
func (s *Store) InsertSensors(ctx context.Context, rows []model.Sensor) error {
	if s.db == nil {
		return errNotInitialized
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sensors: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO sensors (tag_id, type, value, ts, device_ts) VALUES (?, ?, ?, ?, ?);`))
	if err != nil {
		return fmt.Errorf("prepare sensors: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var deviceTS sql.NullInt64
		if r.DeviceTS != nil {
			deviceTS = sql.NullInt64{Int64: int64(*r.DeviceTS), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.TagID, int64(r.Type), r.Value, millis(r.Timestamp), deviceTS); err != nil {
			return fmt.Errorf("insert sensor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sensors: %w", err)
	}
	return nil
}

// Sensors lists the telemetry of a tag, oldest first.
func (s *Store) Sensors(ctx context.Context, tagID int64) ([]model.Sensor, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT tag_id, type, value, ts, device_ts FROM sensors WHERE tag_id = ? ORDER BY id;`), tagID)
	if err != nil {
		return nil, fmt.Errorf("query sensors: %w", err)
	}
	defer rows.Close()

	var out []model.Sensor
	for rows.Next() {
		var (
			r        model.Sensor
			typ, ts  int64
			deviceTS sql.NullInt64
		)
		if err := rows.Scan(&r.TagID, &typ, &r.Value, &ts, &deviceTS); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		r.Type = model.SensorType(typ)
		r.Timestamp = fromMillis(ts)
		if deviceTS.Valid {
			v := uint32(deviceTS.Int64)
			r.DeviceTS = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensors: %w", err)
	}
	return out, nil
}
