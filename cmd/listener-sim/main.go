package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"c3loc/go-ingest-server/internal/codec"
	"c3loc/go-ingest-server/internal/frame"
	"c3loc/go-ingest-server/internal/model"
)

type options struct {
	addr       string
	listenerID string
	version    string
	interval   time.Duration
	count      int
}

// payloadFunc builds the next report frame. seq counts from zero.
type payloadFunc func(seq int) (frame.Message, error)

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:           filepath.Base(os.Args[0]),
		Short:         "Simulate a c3loc listener streaming reports to an ingest server",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", "localhost:9999", "ingest server address")
	flags.StringVar(&opts.listenerID, "listener-id", "000102030405060708090a0b0c0d0e0f", "16-byte listener id in hex")
	flags.StringVar(&opts.version, "version", "sim-1.0", "listener firmware version")
	flags.DurationVar(&opts.interval, "interval", 2*time.Second, "interval between reports")
	flags.IntVar(&opts.count, "count", 0, "number of reports to send, 0 runs until interrupted")

	cmd.AddCommand(
		newIBeacon(&opts),
		newRelay(&opts),
		newSSR(&opts),
		newMopeka(&opts),
		newSensor(&opts),
	)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newIBeacon(opts *options) *cobra.Command {
	var (
		id       string
		major    uint16
		minor    uint16
		distance uint32
	)
	cmd := &cobra.Command{
		Use:   "ibeacon",
		Short: "Send DATA packets with iBeacon summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("uuid: %w", err)
			}
			return run(cmd.Context(), opts, func(seq int) (frame.Message, error) {
				report := codec.IBeaconReport{
					UUID:       u,
					Major:      major,
					Minor:      minor,
					DistanceCM: jitter(distance),
					Variance:   uint32(rand.IntN(2000)),
					Reason:     reason(seq),
				}
				return frame.Message{
					Type: byte(codec.PacketData),
					Data: codec.EncodeIBeaconSummary([]codec.IBeaconReport{report}),
				}, nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "uuid", "2f234454-cf6d-4a0f-adf2-f4911ba9ffa6", "iBeacon uuid")
	cmd.Flags().Uint16Var(&major, "major", 1, "iBeacon major")
	cmd.Flags().Uint16Var(&minor, "minor", 1, "iBeacon minor")
	cmd.Flags().Uint32Var(&distance, "distance", 150, "base distance in centimetres")
	return cmd
}

func newRelay(opts *options) *cobra.Command {
	var (
		mac        string
		distance   uint32
		battery    uint32
		anchor     uint32
		pressEvery int
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Send LABEACON packets on behalf of a smart relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := codec.ReverseMAC(mac)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, func(seq int) (frame.Message, error) {
				report := codec.RelayReport{
					BeaconID:   addr,
					DistanceCM: jitter(distance),
					Variance:   uint32(rand.IntN(2000)),
					Reason:     reason(seq),
					BatteryPct: battery,
					Pressed:    pressEvery > 0 && seq%pressEvery == pressEvery-1,
				}
				if anchor != 0 {
					report.Nearest = anchor
					report.NearestDelta = 1
					report.NearestDist = jitter(distance)
				}
				return frame.Message{
					Type: byte(codec.PacketLABeacon),
					Data: codec.EncodeRelaySummary([]codec.RelayReport{report}),
				}, nil
			})
		},
	}
	cmd.Flags().StringVar(&mac, "mac", "c0:ff:ee:00:00:01", "relay MAC address")
	cmd.Flags().Uint32Var(&distance, "distance", 200, "base distance in centimetres")
	cmd.Flags().Uint32Var(&battery, "battery", 90, "battery percentage")
	cmd.Flags().Uint32Var(&anchor, "anchor", 0, "nearest location anchor as major<<16|minor, 0 for none")
	cmd.Flags().IntVar(&pressEvery, "press-every", 0, "press the button every n reports, 0 never")
	return cmd
}

func newSSR(opts *options) *cobra.Command {
	var (
		key        string
		mac        string
		beaconID   uint32
		anchor     uint32
		distance   uint32
		pressEvery int
	)
	cmd := &cobra.Command{
		Use:   "ssr",
		Short: "Send signed secure smart relay packets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawKey, err := hex.DecodeString(key)
			if err != nil {
				return fmt.Errorf("ssr key: %w", err)
			}
			verifier, err := codec.NewVerifier(rawKey)
			if err != nil {
				return err
			}
			if verifier == nil {
				return fmt.Errorf("ssr key is required")
			}
			addr, err := codec.ReverseMAC(mac)
			if err != nil {
				return err
			}
			start := uint32(time.Now().Unix())
			return run(cmd.Context(), opts, func(seq int) (frame.Message, error) {
				report := codec.SSRReport{
					Version:  1,
					RSSI1m:   -59,
					BeaconID: beaconID,
					DeviceTS: start + uint32(seq),
					Battery:  100,
					Button:   pressEvery > 0 && seq%pressEvery == pressEvery-1,
				}
				if anchor != 0 {
					report.Anchor = &codec.SSRAnchor{ID: anchor, Delta: 1, DistDM: uint8(min(jitter(distance)/10, 255))}
				}
				payload := report.Payload()
				tag, err := verifier.Sign(payload)
				if err != nil {
					return frame.Message{}, err
				}
				return frame.Message{
					Type: byte(codec.PacketSSR),
					Data: codec.EncodeSecureRelay(codec.SecureRelay{
						MACAddr:    addr,
						MAC:        tag,
						Payload:    payload,
						DistanceCM: jitter(distance),
						Variance:   uint32(rand.IntN(2000)),
					}),
				}, nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "AES key in hex shared with the ingest server")
	cmd.Flags().StringVar(&mac, "mac", "c0:ff:ee:00:00:02", "relay MAC address")
	cmd.Flags().Uint32Var(&beaconID, "beacon-id", 1, "relay beacon id")
	cmd.Flags().Uint32Var(&anchor, "anchor", 0, "secure location anchor id, 0 for none")
	cmd.Flags().Uint32Var(&distance, "distance", 200, "base distance in centimetres")
	cmd.Flags().IntVar(&pressEvery, "press-every", 0, "press the button every n reports, 0 never")
	return cmd
}

func newMopeka(opts *options) *cobra.Command {
	var (
		mac    string
		echoUS uint16
	)
	cmd := &cobra.Command{
		Use:   "mopeka",
		Short: "Send RAW packets carrying Mopeka tank sensor adverts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := codec.ReverseMAC(mac)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, func(int) (frame.Message, error) {
				advert := codec.EncodeMopeka(codec.MopekaReport{
					HardwareID:   3,
					BatteryRaw:   96,
					TemperatureC: 20,
					EchoUS:       echoUS,
					Quality:      3,
					SensorID:     uint32(addr[0]) | uint32(addr[1])<<8 | uint32(addr[2])<<16,
				})
				return rawMessage(addr, advert), nil
			})
		},
	}
	cmd.Flags().StringVar(&mac, "mac", "c0:ff:ee:00:00:03", "sensor MAC address")
	cmd.Flags().Uint16Var(&echoUS, "echo", 1000, "echo time of flight in microseconds")
	return cmd
}

func newSensor(opts *options) *cobra.Command {
	var mac string
	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Send RAW packets carrying sensor data adverts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := codec.ReverseMAC(mac)
			if err != nil {
				return err
			}
			start := uint32(time.Now().Unix())
			return run(cmd.Context(), opts, func(seq int) (frame.Message, error) {
				advert := codec.EncodeSensorAdvert(codec.SensorAdvert{
					DeviceTS: start + uint32(seq),
					Fields: []codec.SensorField{
						{Type: model.SensorBattery, Value: []byte{0xb8, 0x0b}},
						{Type: model.SensorTemperature, Value: []byte{byte(18 + rand.IntN(5))}},
						{Type: model.SensorHumidity, Value: []byte{byte(40 + rand.IntN(20))}},
					},
				})
				return rawMessage(addr, advert), nil
			})
		},
	}
	cmd.Flags().StringVar(&mac, "mac", "c0:ff:ee:00:00:04", "sensor MAC address")
	return cmd
}

func rawMessage(addr [6]byte, advert []byte) frame.Message {
	return frame.Message{
		Type: byte(codec.PacketRaw),
		Data: codec.EncodeRawAdvert(codec.RawAdvert{MACAddr: addr, Payload: advert}),
	}
}

func run(parent context.Context, opts *options, next payloadFunc) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenerID, err := hex.DecodeString(opts.listenerID)
	if err != nil || len(listenerID) != codec.ListenerIDLen {
		return fmt.Errorf("listener id must be %d bytes of hex", codec.ListenerIDLen)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.addr, err)
	}
	defer conn.Close()
	logger := slog.Default().With("addr", opts.addr, "listener", opts.listenerID)
	logger.Info("connected to ingest server")

	hello := frame.Encode(frame.Message{
		Type: byte(codec.PacketID),
		Data: codec.EncodeIdentity(codec.Identity{ListenerID: listenerID, Version: opts.version}),
	})
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("send identity: %w", err)
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for seq := 0; opts.count == 0 || seq < opts.count; seq++ {
		msg, err := next(seq)
		if err != nil {
			return err
		}
		if _, err := conn.Write(frame.Encode(msg)); err != nil {
			return fmt.Errorf("send %s: %w", codec.PacketType(msg.Type), err)
		}
		logger.Info("report sent", "type", codec.PacketType(msg.Type).String(), "seq", seq, "bytes", len(msg.Data))

		select {
		case <-ctx.Done():
			logger.Info("simulator stopped")
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// reason reports the first sighting as an entry and later ones as moves.
func reason(seq int) model.Reason {
	if seq == 0 {
		return model.ReasonEntry
	}
	return model.ReasonMove
}

// jitter varies a distance by up to 10 percent either way.
func jitter(cm uint32) uint32 {
	spread := int(cm / 10)
	if spread == 0 {
		return cm
	}
	return uint32(max(int(cm)+rand.IntN(2*spread+1)-spread, 0))
}
