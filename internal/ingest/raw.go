package ingest

import (
	"context"
	"errors"
	"time"

	"c3loc/go-ingest-server/internal/codec"
	"c3loc/go-ingest-server/internal/model"
)

func (p *Processor) processRaw(ctx context.Context, pkt Packet, zone int64, now time.Time) error {
	adv, err := codec.DecodeRawAdvert(pkt.Msg.Data)
	if err != nil {
		p.decodeFailed("RAW", pkt, err)
		return nil
	}

	rep, err := codec.DecodeRaw(adv.Payload, p.opts.RawCodecs)
	switch {
	case errors.Is(err, codec.ErrNoSignature):
		p.sink.Increment("Unrecognized Raw Advert")
		return nil
	case err != nil:
		p.decodeFailed("RAW payload", pkt, err)
		return nil
	}

	switch r := rep.(type) {
	case *codec.MopekaReport:
		return p.processMopeka(ctx, adv, r, zone, now)
	case *codec.SensorAdvert:
		return p.processSensor(ctx, adv, r, now)
	}
	p.sink.Increment("Unrecognized Raw Advert")
	return nil
}

func (p *Processor) processMopeka(ctx context.Context, adv codec.RawAdvert, m *codec.MopekaReport, zone int64, now time.Time) error {
	id, err := p.store.UpsertMacBeacon(ctx, m.SensorID, adv.Address(), &zone, now)
	if err != nil {
		return err
	}
	fields := m.Sensors()
	rows := make([]model.Sensor, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, model.Sensor{TagID: id, Type: f.Type, Value: f.Value, Timestamp: now})
	}
	if err := p.store.InsertSensors(ctx, rows); err != nil {
		return err
	}
	p.sink.Increment("Mopeka packets")
	return nil
}

func (p *Processor) processSensor(ctx context.Context, adv codec.RawAdvert, s *codec.SensorAdvert, now time.Time) error {
	p.sink.Increment("Sensor Packets")
	if s.Truncated {
		p.sink.Increment("Truncated Sensor Report")
	}

	id, ok, err := p.store.TagIDByMAC(ctx, adv.Address())
	if err != nil {
		return err
	}
	if !ok {
		p.sink.Increment("Orphaned sensor packets")
		return nil
	}

	deviceTS := s.DeviceTS
	rows := make([]model.Sensor, 0, len(s.Fields))
	for _, f := range s.Fields {
		rows = append(rows, model.Sensor{TagID: id, Type: f.Type, Value: f.Value, Timestamp: now, DeviceTS: &deviceTS})
	}
	return p.store.InsertSensors(ctx, rows)
}
