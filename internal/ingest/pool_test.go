package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"c3loc/go-ingest-server/internal/frame"
	"c3loc/go-ingest-server/internal/stats"
)

func TestPoolShedsWhenFull(t *testing.T) {
	reg := stats.NewRegistry()
	p := NewPool(1, 3, func(context.Context, Packet) error { return nil }, reg, nil)

	for i := 0; i < p.Cap(); i++ {
		require.NoError(t, p.Submit(Packet{ListenerID: "l"}))
	}
	err := p.Submit(Packet{ListenerID: "l"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, float64(1), reg.Count("Packet Dropped (Queue Full)"))
	assert.Equal(t, float64(3), reg.Gauge("Current Packet Queue Depth"))
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestPoolProcessesAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := stats.NewRegistry()
	var seen atomic.Int64
	p := NewPool(2, 10, func(_ context.Context, pkt Packet) error {
		seen.Add(int64(len(pkt.Msg.Data)))
		return nil
	}, reg, nil)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Packet{Msg: frame.Message{Type: 1, Data: []byte{1, 2}}}))
	}
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int64(10), seen.Load())
	assert.Equal(t, float64(5), reg.Count("Packets Processed"))
	assert.ErrorIs(t, p.Submit(Packet{}), ErrPoolStopped)
	assert.NoError(t, p.Stop(time.Second))
}

func TestPoolRecoversFromPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := stats.NewRegistry()
	p := NewPool(1, 10, func(_ context.Context, pkt Packet) error {
		switch pkt.ListenerID {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("store down")
		}
		return nil
	}, reg, nil)

	require.NoError(t, p.Submit(Packet{ListenerID: "panic"}))
	require.NoError(t, p.Submit(Packet{ListenerID: "fail"}))
	require.NoError(t, p.Submit(Packet{ListenerID: "ok"}))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(time.Second))

	s := p.Stats()
	assert.Equal(t, int64(2), s.Failed)
	assert.Equal(t, int64(1), s.Processed)
	assert.Equal(t, float64(2), reg.Count("Packet Processing Failure"))
}

func TestPoolStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, 1, func(context.Context, Packet) error {
		<-release
		return nil
	}, nil, nil)
	require.NoError(t, p.Submit(Packet{}))
	require.NoError(t, p.Start(context.Background()))

	assert.ErrorIs(t, p.Stop(10*time.Millisecond), ErrStopTimeout)
	close(release)
}
