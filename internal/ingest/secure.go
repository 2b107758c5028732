package ingest

import (
	"context"
	"fmt"
	"time"

	"c3loc/go-ingest-server/internal/codec"
	"c3loc/go-ingest-server/internal/model"
	"c3loc/go-ingest-server/internal/store"
)

func (p *Processor) processSSR(ctx context.Context, pkt Packet, zone int64, now time.Time) error {
	ssr, err := codec.DecodeSecureRelay(pkt.Msg.Data)
	if err != nil {
		p.decodeFailed("SSR", pkt, err)
		return nil
	}
	if err := p.opts.Verifier.Verify(ssr); err != nil {
		p.sink.Increment("Failed MAC")
		p.logger.Debug("dropping ssr", "listener", pkt.ListenerID, "relay", ssr.Address(), "error", err)
		return nil
	}
	p.sink.Increment("Valid MAC")

	rep, err := codec.ParseSSRPayload(ssr.Payload)
	if err != nil {
		p.decodeFailed("SSR payload", pkt, err)
		return nil
	}
	p.sink.Increment("SSR Reports")

	id, ok, err := p.store.UpsertSecureRelay(ctx, store.SecureRelayUpdate{
		BID:        rep.BeaconID,
		MAC:        ssr.Address(),
		BatteryPct: int(rep.Battery),
		Clock:      rep.DeviceTS,
	}, now)
	if err != nil {
		return err
	}
	if !ok {
		p.sink.Increment("SSR Replay Rejected")
		p.logger.Debug("stale ssr clock", "bid", rep.BeaconID, "device_ts", rep.DeviceTS)
		return nil
	}

	if rep.Button {
		if err := p.raiseAlarm(ctx, id, now); err != nil {
			return err
		}
	}
	changed, err := p.store.SetAlarmActive(ctx, id, rep.Button)
	if err != nil {
		return err
	}
	if changed {
		p.sink.Increment("Alarm State Updated")
	}

	entry := model.LogEntry{
		TagID:      id,
		ZoneID:     &zone,
		Timestamp:  now,
		Distance:   Metres(ssr.DistanceCM),
		Variance:   Variance(ssr.Variance),
		ListenerID: pkt.ListenerID,
	}
	if a := rep.Anchor; a != nil {
		anchor, err := p.store.UpsertSecureAnchor(ctx, a.ID, now, p.opts.LastSeenResolution)
		if err != nil {
			return err
		}
		if anchor.Created {
			p.sink.Increment("New SLA")
		}
		azone, err := p.anchorZone(ctx, anchor, fmt.Sprintf("Near SLA %d", a.ID), "Autocreated Zone (SLA)")
		if err != nil {
			return err
		}
		entry.ZoneID = &azone
		entry.Anchor = &model.Anchor{
			TagID:   anchor.ID,
			ZoneID:  azone,
			Dist:    a.Dist,
			TSDelta: int(a.Delta),
		}
	}
	return p.store.InsertLog(ctx, entry)
}
