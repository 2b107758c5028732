package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"c3loc/go-ingest-server/internal/model"
)

// InsertLog appends one proximity observation.
func (s *Store) InsertLog(ctx context.Context, e model.LogEntry) error {
	var (
		anchorID    sql.NullInt64
		anchorDist  decimal.NullDecimal
		anchorDelta sql.NullInt64
	)
	if e.Anchor != nil {
		anchorID = sql.NullInt64{Int64: e.Anchor.TagID, Valid: true}
		anchorDist = decimal.NewNullDecimal(e.Anchor.Dist)
		anchorDelta = sql.NullInt64{Int64: int64(e.Anchor.TSDelta), Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO log (tag_id, zone_id, ts, distance, variance, listener_id,
			anchor_id, anchor_dist, anchor_ts_delta, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.TagID, nullInt64(e.ZoneID), millis(e.Timestamp), e.Distance, e.Variance, e.ListenerID,
		anchorID, anchorDist, anchorDelta,
		sql.NullString{String: string(e.Reason), Valid: e.Reason != model.ReasonNone},
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// Logs returns the log of a tag, oldest first.
func (s *Store) Logs(ctx context.Context, tagID int64) ([]model.LogEntry, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT l.id, l.tag_id, l.zone_id, l.ts, l.distance, l.variance, l.listener_id,
			l.anchor_id, a.zone_id, l.anchor_dist, l.anchor_ts_delta, l.reason
		FROM log l LEFT JOIN tags a ON a.id = l.anchor_id
		WHERE l.tag_id = ? ORDER BY l.ts, l.id;`), tagID)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var (
			e                             model.LogEntry
			zone, anchorID, anchorZone    sql.NullInt64
			anchorDelta                   sql.NullInt64
			ts                            int64
			distance, variance, anchorDst decimal.NullDecimal
			listener, reason              sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TagID, &zone, &ts, &distance, &variance, &listener,
			&anchorID, &anchorZone, &anchorDst, &anchorDelta, &reason); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.ZoneID = ptrInt64(zone)
		e.Timestamp = fromMillis(ts)
		e.Distance = distance.Decimal
		e.Variance = variance.Decimal
		e.ListenerID = listener.String
		e.Reason = model.Reason(reason.String)
		if anchorID.Valid {
			e.Anchor = &model.Anchor{
				TagID:   anchorID.Int64,
				ZoneID:  anchorZone.Int64,
				Dist:    anchorDst.Decimal,
				TSDelta: int(anchorDelta.Int64),
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return out, nil
}

// CountLog counts the log rows of a tag.
func (s *Store) CountLog(ctx context.Context, tagID int64) (int, error) {
	if s.db == nil {
		return 0, errNotInitialized
	}
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM log WHERE tag_id = ?;`, tagID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count log: %w", err)
	}
	return n, nil
}

// ResolveProximity moves every tag to the zone of its nearest recent observation.
// Candidate rows are newer than the tag's last_seen minus window; distance is the
// anchor distance when present, ties go to the newest row. Anchors keep their zone.
func (s *Store) ResolveProximity(ctx context.Context, window time.Duration) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE tags SET zone_id = best.zone_id, distance = best.dist
		FROM (
			SELECT tag_id, zone_id, dist FROM (
				SELECT l.tag_id, l.zone_id, COALESCE(l.anchor_dist, l.distance) AS dist,
					ROW_NUMBER() OVER (
						PARTITION BY l.tag_id
						ORDER BY COALESCE(l.anchor_dist, l.distance) ASC, l.ts DESC, l.id DESC
					) AS rn
				FROM log l JOIN tags t ON t.id = l.tag_id
				WHERE l.ts > t.last_seen - ?
					AND l.zone_id IS NOT NULL
					AND t.type NOT IN ('LocationAnchor', 'SecureLocationAnchor')
			) ranked
			WHERE rn = 1
		) AS best
		WHERE tags.id = best.tag_id
			AND (tags.zone_id IS NULL OR tags.zone_id <> best.zone_id
				OR tags.distance IS NULL OR tags.distance <> best.dist);`,
		window.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("resolve proximity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve proximity: %w", err)
	}
	return n, nil
}

// PruneLog deletes log rows older than before.
func (s *Store) PruneLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM log WHERE ts < ?;`, millis(before))
	if err != nil {
		return 0, fmt.Errorf("prune log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune log: %w", err)
	}
	return n, nil
}
