package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"c3loc/go-ingest-server/internal/model"
)

// RaiseAlarm refreshes the open alarm of a tag, or opens one when there is none.
// At most one unacknowledged alarm exists per tag; the alarms_open index enforces it.
func (s *Store) RaiseAlarm(ctx context.Context, tagID int64, now time.Time) (alarmID int64, opened bool, err error) {
	if s.db == nil {
		return 0, false, errNotInitialized
	}
	ts := millis(now)

	err = s.queryRow(ctx,
		`UPDATE alarms SET last_ts = ? WHERE tag_id = ? AND acknowledged = FALSE RETURNING id;`,
		ts, tagID,
	).Scan(&alarmID)
	switch {
	case err == nil:
		return alarmID, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("refresh alarm: %w", err)
	}

	alarmID, opened, err = s.openAlarm(ctx, tagID, ts)
	if err != nil {
		return 0, false, err
	}
	return alarmID, opened, nil
}

// openAlarm inserts an open alarm. When a concurrent raise opened one first, that
// alarm is refreshed instead and inserted is false.
func (s *Store) openAlarm(ctx context.Context, tagID, ts int64) (alarmID int64, inserted bool, err error) {
	err = s.queryRow(ctx,
		`INSERT INTO alarms (tag_id, start_ts, last_ts) VALUES (?, ?, ?)
		ON CONFLICT (tag_id) WHERE acknowledged = FALSE DO NOTHING
		RETURNING id;`,
		tagID, ts, ts,
	).Scan(&alarmID)
	switch {
	case err == nil:
		return alarmID, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("open alarm: %w", err)
	}

	err = s.queryRow(ctx,
		`UPDATE alarms SET last_ts = ? WHERE tag_id = ? AND acknowledged = FALSE RETURNING id;`,
		ts, tagID,
	).Scan(&alarmID)
	if err != nil {
		return 0, false, fmt.Errorf("open alarm: %w", err)
	}
	return alarmID, false, nil
}

// AcknowledgeAlarm closes the open alarm of a tag. It reports whether one was open.
func (s *Store) AcknowledgeAlarm(ctx context.Context, tagID int64, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE alarms SET acknowledged = TRUE, ack_ts = ? WHERE tag_id = ? AND acknowledged = FALSE;`,
		millis(now), tagID,
	)
	if err != nil {
		return false, fmt.Errorf("acknowledge alarm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acknowledge alarm: %w", err)
	}
	return n > 0, nil
}

// Alarms lists the alarms of a tag, oldest first.
func (s *Store) Alarms(ctx context.Context, tagID int64) ([]model.Alarm, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, tag_id, start_ts, last_ts, ack_ts, acknowledged, priority
		FROM alarms WHERE tag_id = ? ORDER BY id;`), tagID)
	if err != nil {
		return nil, fmt.Errorf("query alarms: %w", err)
	}
	defer rows.Close()

	var out []model.Alarm
	for rows.Next() {
		var (
			a           model.Alarm
			start, last int64
			ack         sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.TagID, &start, &last, &ack, &a.Acknowledged, &a.Priority); err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		a.StartTS = fromMillis(start)
		a.LastTS = fromMillis(last)
		if ack.Valid {
			t := fromMillis(ack.Int64)
			a.AckTS = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alarms: %w", err)
	}
	return out, nil
}
