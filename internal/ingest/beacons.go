package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"c3loc/go-ingest-server/internal/codec"
	"c3loc/go-ingest-server/internal/model"
	"c3loc/go-ingest-server/internal/store"
)

// AlertWet moisture sensors advertise as iBeacons whose UUID starts with this prefix.
var alertWetPrefix = []byte{0x00, 0x86, 0x00, 0x03, 0x96, 0x06, 0x15, 0x00, 0x00, 0x00, 0x00, 0x11, 0x00, 0x00}

const alertWetThreshold = 1 << 15

func (p *Processor) processIBeacon(ctx context.Context, pkt Packet, zone int64, now time.Time) error {
	reports, err := codec.DecodeIBeaconSummary(pkt.Msg.Data)
	if err != nil {
		p.decodeFailed("iBeacon", pkt, err)
		return nil
	}

	for _, r := range reports {
		if bytes.HasPrefix(r.UUID[:], alertWetPrefix) {
			if err := p.processAlertWet(ctx, pkt, r, zone, now); err != nil {
				return err
			}
			continue
		}

		p.sink.Increment("iBeacon Reports")
		typ := model.TagIBeacon
		if p.opts.LAUUID != uuid.Nil && r.UUID == p.opts.LAUUID {
			typ = model.TagLocationAnchor
		}
		ref, err := p.store.UpsertIBeacon(ctx, typ, r.UUID, r.Major, r.Minor, now, p.opts.LastSeenResolution)
		if err != nil {
			return err
		}
		if ref.Created && typ == model.TagLocationAnchor {
			p.sink.Increment("New LA")
		}

		err = p.store.InsertLog(ctx, model.LogEntry{
			TagID:      ref.ID,
			ZoneID:     &zone,
			Timestamp:  now,
			Distance:   Metres(r.DistanceCM),
			Variance:   Variance(r.Variance),
			ListenerID: pkt.ListenerID,
			Reason:     r.Reason,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processAlertWet(ctx context.Context, pkt Packet, r codec.IBeaconReport, zone int64, now time.Time) error {
	p.sink.Increment("AlertWet Reports")

	bid := binary.BigEndian.Uint16(r.UUID[14:])
	wetness, battery := r.Major, r.Minor
	attrs, err := json.Marshal(map[string]string{
		"raw":     fmt.Sprintf("%s:%d:%d", r.UUID, wetness, battery),
		"wetness": strconv.Itoa(int(wetness)),
		"battery": strconv.Itoa(int(battery)),
	})
	if err != nil {
		return fmt.Errorf("alertwet attrs: %w", err)
	}

	id, err := p.store.UpsertAlertWet(ctx, store.AlertWetUpdate{
		BID:        bid,
		BatteryPct: int(battery),
		Alarm:      int(wetness) > alertWetThreshold,
		Attrs:      string(attrs),
		ZoneID:     &zone,
		Distance:   Metres(r.DistanceCM),
	}, now)
	if err != nil {
		return err
	}

	err = p.store.InsertLog(ctx, model.LogEntry{
		TagID:      id,
		ZoneID:     &zone,
		Timestamp:  now,
		Distance:   Metres(r.DistanceCM),
		Variance:   Variance(r.Variance),
		ListenerID: pkt.ListenerID,
		Reason:     r.Reason,
	})
	if err != nil {
		return err
	}

	return p.store.InsertSensors(ctx, []model.Sensor{{
		TagID:     id,
		Type:      model.SensorWetness,
		Value:     binary.LittleEndian.AppendUint16(nil, wetness),
		Timestamp: now,
	}})
}

func (p *Processor) processRelay(ctx context.Context, pkt Packet, zone int64, now time.Time) error {
	reports, err := codec.DecodeRelaySummary(pkt.Msg.Data)
	if err != nil {
		p.decodeFailed("LABeacon", pkt, err)
		return nil
	}

	for _, r := range reports {
		p.sink.Increment("SR Reports")

		ref, err := p.store.UpsertRelay(ctx, r.MAC(), int(r.BatteryPct), now, p.opts.LastSeenResolution)
		if err != nil {
			return err
		}
		if ref.Created {
			p.sink.Increment("New SR")
		}

		if r.Pressed {
			if err := p.raiseAlarm(ctx, ref.ID, now); err != nil {
				return err
			}
		}
		if ref.AlarmActive != r.Pressed {
			changed, err := p.store.SetAlarmActive(ctx, ref.ID, r.Pressed)
			if err != nil {
				return err
			}
			if changed {
				p.sink.Increment("Alarm State Updated")
			}
		}

		entry := model.LogEntry{
			TagID:      ref.ID,
			ZoneID:     &zone,
			Timestamp:  now,
			Distance:   Metres(r.DistanceCM),
			Variance:   Variance(r.Variance),
			ListenerID: pkt.ListenerID,
			Reason:     r.Reason,
		}
		if !r.Anchored() {
			p.sink.Increment("Unanchored SR Packet")
		} else {
			major, minor := r.NearestMajor(), r.NearestMinor()
			anchor, err := p.store.UpsertIBeacon(ctx, model.TagLocationAnchor, p.opts.LAUUID, major, minor, now, p.opts.LastSeenResolution)
			if err != nil {
				return err
			}
			if anchor.Created {
				p.sink.Increment("New LA")
			}
			azone, err := p.anchorZone(ctx, anchor, fmt.Sprintf("Near LA %d:%d", major, minor), "Autocreated Zone (LA)")
			if err != nil {
				return err
			}
			entry.ZoneID = &azone
			entry.Anchor = &model.Anchor{
				TagID:   anchor.ID,
				ZoneID:  azone,
				Dist:    Decimetres(r.NearestDist),
				TSDelta: int(r.NearestDelta),
			}
		}
		if err := p.store.InsertLog(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

