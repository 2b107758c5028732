// Package ingest applies decoded listener reports to the store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"c3loc/go-ingest-server/internal/codec"
	"c3loc/go-ingest-server/internal/frame"
	"c3loc/go-ingest-server/internal/model"
	"c3loc/go-ingest-server/internal/stats"
	"c3loc/go-ingest-server/internal/store"
)

// Packet is a routed message together with the listener that sent it.
type Packet struct {
	ListenerID string
	Peer       string
	Msg        frame.Message
}

// Store is the part of the store the ingest path writes through.
type Store interface {
	TouchListener(ctx context.Context, id string, now time.Time, resolution time.Duration) error
	ListenerZone(ctx context.Context, id string) (*int64, error)
	EnsureAutoZone(ctx context.Context, name string) (int64, bool, error)
	ClaimListenerZone(ctx context.Context, listenerID string, zoneID int64) (int64, error)
	ClaimTagZone(ctx context.Context, tagID, zoneID int64) (int64, error)

	UpsertIBeacon(ctx context.Context, typ model.TagType, u uuid.UUID, major, minor uint16, now time.Time, resolution time.Duration) (store.TagRef, error)
	UpsertRelay(ctx context.Context, mac string, batteryPct int, now time.Time, resolution time.Duration) (store.TagRef, error)
	UpsertSecureAnchor(ctx context.Context, bid uint32, now time.Time, resolution time.Duration) (store.TagRef, error)
	UpsertSecureRelay(ctx context.Context, u store.SecureRelayUpdate, now time.Time) (int64, bool, error)
	UpsertAlertWet(ctx context.Context, u store.AlertWetUpdate, now time.Time) (int64, error)
	UpsertMacBeacon(ctx context.Context, bid uint32, mac string, zoneID *int64, now time.Time) (int64, error)
	SetAlarmActive(ctx context.Context, tagID int64, active bool) (bool, error)
	TagIDByMAC(ctx context.Context, mac string) (int64, bool, error)

	RaiseAlarm(ctx context.Context, tagID int64, now time.Time) (int64, bool, error)
	InsertLog(ctx context.Context, e model.LogEntry) error
	InsertSensors(ctx context.Context, rows []model.Sensor) error
}

// Notifier is told about every alarm that is opened or refreshed.
type Notifier interface {
	AlarmRaised(ctx context.Context, ev model.AlarmEvent)
}

// Options tunes a Processor.
type Options struct {
	// LAUUID is the iBeacon UUID shared by all location anchors.
	LAUUID uuid.UUID
	// Verifier checks SSR MACs. Nil rejects every SSR.
	Verifier *codec.Verifier
	// LastSeenResolution is the minimum age of last_seen before a tag is touched again.
	LastSeenResolution time.Duration
	// ListenerTouchInterval is how long a listener's zone is cached before the
	// listener row is touched again.
	ListenerTouchInterval time.Duration
	// RawCodecs overrides codec.DefaultRawCodecs.
	RawCodecs []codec.RawCodec
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Processor turns one routed packet into store mutations.
type Processor struct {
	store     Store
	opts      Options
	sink      stats.Sink
	notifier  Notifier
	logger    *slog.Logger
	listeners *cache.Cache
}

// NewProcessor builds a Processor. notifier may be nil.
func NewProcessor(st Store, opts Options, sink stats.Sink, notifier Notifier, logger *slog.Logger) *Processor {
	if opts.LastSeenResolution <= 0 {
		opts.LastSeenResolution = 5 * time.Second
	}
	if opts.ListenerTouchInterval <= 0 {
		opts.ListenerTouchInterval = 5 * time.Second
	}
	if opts.RawCodecs == nil {
		opts.RawCodecs = codec.DefaultRawCodecs
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if sink == nil {
		sink = stats.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     st,
		opts:      opts,
		sink:      sink,
		notifier:  notifier,
		logger:    logger.With("component", "ingest"),
		// One entry per listener; expired entries are replaced on lookup, so no janitor runs.
		listeners: cache.New(opts.ListenerTouchInterval, 0),
	}
}

// Process handles a routed packet. Malformed or unauthenticated reports are counted
// and dropped; only store failures are returned.
func (p *Processor) Process(ctx context.Context, pkt Packet) error {
	zone, err := p.listenerZone(ctx, pkt.ListenerID)
	if err != nil {
		return err
	}

	now := p.opts.Clock()
	switch t := codec.PacketType(pkt.Msg.Type); t {
	case codec.PacketData:
		return p.processIBeacon(ctx, pkt, zone, now)
	case codec.PacketLABeacon:
		return p.processRelay(ctx, pkt, zone, now)
	case codec.PacketSSR:
		return p.processSSR(ctx, pkt, zone, now)
	case codec.PacketRaw:
		return p.processRaw(ctx, pkt, zone, now)
	default:
		p.sink.Increment("Unknown Packets")
		p.logger.Warn("no handler for packet type", "listener", pkt.ListenerID, "type", t.String())
		return nil
	}
}

// listenerZone refreshes the listener row and returns its zone, provisioning
// "Near Listener <id>" the first time. Results are cached for ListenerTouchInterval.
func (p *Processor) listenerZone(ctx context.Context, id string) (int64, error) {
	if z, ok := p.listeners.Get(id); ok {
		return z.(int64), nil
	}

	now := p.opts.Clock()
	if err := p.store.TouchListener(ctx, id, now, p.opts.ListenerTouchInterval); err != nil {
		return 0, err
	}
	zone, err := p.store.ListenerZone(ctx, id)
	if err != nil {
		return 0, err
	}
	if zone == nil {
		auto, created, err := p.store.EnsureAutoZone(ctx, "Near Listener "+id)
		if err != nil {
			return 0, err
		}
		if created {
			p.sink.Increment("Autocreated Zone (Listener)")
		}
		claimed, err := p.store.ClaimListenerZone(ctx, id, auto)
		if err != nil {
			return 0, err
		}
		zone = &claimed
	}

	p.listeners.SetDefault(id, *zone)
	return *zone, nil
}

// anchorZone returns the zone of an anchor tag, provisioning name when it has none.
func (p *Processor) anchorZone(ctx context.Context, anchor store.TagRef, name, counter string) (int64, error) {
	if anchor.ZoneID != nil {
		return *anchor.ZoneID, nil
	}
	zone, created, err := p.store.EnsureAutoZone(ctx, name)
	if err != nil {
		return 0, err
	}
	if created {
		p.sink.Increment(counter)
	}
	return p.store.ClaimTagZone(ctx, anchor.ID, zone)
}

func (p *Processor) raiseAlarm(ctx context.Context, tagID int64, now time.Time) error {
	alarmID, opened, err := p.store.RaiseAlarm(ctx, tagID, now)
	if err != nil {
		return err
	}
	if opened {
		p.sink.Increment("New Alarm")
		p.logger.Info("alarm opened", "tag_id", tagID, "alarm_id", alarmID)
	}
	if p.notifier != nil {
		p.notifier.AlarmRaised(ctx, model.AlarmEvent{TagID: tagID, AlarmID: alarmID, Opened: opened, Timestamp: now})
	}
	return nil
}

func (p *Processor) decodeFailed(kind string, pkt Packet, err error) {
	p.sink.Increment(fmt.Sprintf("Decode Failure (%s)", kind))
	p.logger.Debug("dropping undecodable report", "kind", kind, "listener", pkt.ListenerID, "error", err)
}

// Metres converts a centimetre reading.
func Metres(cm uint32) decimal.Decimal {
	return decimal.New(int64(cm), -2)
}

// Decimetres converts a decimetre reading.
func Decimetres(dm uint32) decimal.Decimal {
	return decimal.New(int64(dm), -1)
}

// Variance converts a raw device variance.
func Variance(raw uint32) decimal.Decimal {
	return decimal.New(int64(raw), 0).Div(decimal.New(2000, 0)).Round(1)
}
