package proximity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"c3loc/go-ingest-server/internal/model"
	"c3loc/go-ingest-server/internal/stats"
	"c3loc/go-ingest-server/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	resolves   int
	prunes     []time.Time
	resolveErr error
	panicOn    int
}

func (f *fakeStore) ResolveProximity(context.Context, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.panicOn > 0 && f.resolves == f.panicOn {
		panic("resolver exploded")
	}
	return 1, f.resolveErr
}

func (f *fakeStore) PruneLog(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, before)
	return 0, nil
}

func (f *fakeStore) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves, len(f.prunes)
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTickPrunesOnSchedule(t *testing.T) {
	st := &fakeStore{}
	r := New(st, Options{PruneEvery: 3, Retention: 5 * time.Minute, Clock: func() time.Time { return now }}, nil, nil)

	for i := 0; i < 7; i++ {
		require.NoError(t, r.Tick(context.Background()))
	}

	resolves, prunes := st.calls()
	assert.Equal(t, 7, resolves)
	assert.Equal(t, 2, prunes)
	assert.Equal(t, now.Add(-5*time.Minute), st.prunes[0])
	assert.Equal(t, int64(7), r.Ticks())
}

func TestTickFailureStillPrunes(t *testing.T) {
	reg := stats.NewRegistry()
	st := &fakeStore{resolveErr: errors.New("database is locked")}
	r := New(st, Options{PruneEvery: 1}, reg, nil)

	err := r.Tick(context.Background())
	assert.ErrorContains(t, err, "database is locked")
	_, prunes := st.calls()
	assert.Equal(t, 1, prunes)
	assert.Equal(t, float64(1), reg.Count("Proximity Tick Failure"))
}

func TestRunSurvivesPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := stats.NewRegistry()
	st := &fakeStore{panicOn: 1}
	r := New(st, Options{Period: 10 * time.Millisecond}, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// cron ticks at most once a second; the ticks after the panic must still run.
	require.Eventually(t, func() bool {
		resolves, _ := st.calls()
		return resolves >= 3
	}, 6*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("resolver did not stop")
	}
	assert.Equal(t, float64(1), reg.Count("Proximity Tick Failure"))
	assert.GreaterOrEqual(t, r.Ticks(), int64(3))
}

func TestTickAgainstStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "c3loc.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(ctx))

	zNear, _, err := st.EnsureAutoZone(ctx, "Near Listener a")
	require.NoError(t, err)
	zFar, _, err := st.EnsureAutoZone(ctx, "Near Listener b")
	require.NoError(t, err)
	tag, err := st.UpsertIBeacon(ctx, model.TagIBeacon, uuid.New(), 1, 1, now, time.Second)
	require.NoError(t, err)

	for _, e := range []model.LogEntry{
		{TagID: tag.ID, ZoneID: &zFar, Timestamp: now.Add(-time.Second), Distance: decimal.RequireFromString("4.00"), ListenerID: "b"},
		{TagID: tag.ID, ZoneID: &zNear, Timestamp: now.Add(-2 * time.Second), Distance: decimal.RequireFromString("0.75"), ListenerID: "a"},
		{TagID: tag.ID, ZoneID: &zFar, Timestamp: now.Add(-10 * time.Minute), Distance: decimal.RequireFromString("0.10"), ListenerID: "b"},
	} {
		require.NoError(t, st.InsertLog(ctx, e))
	}

	r := New(st, Options{PruneEvery: 1, Clock: func() time.Time { return now }}, nil, nil)
	require.NoError(t, r.Tick(ctx))

	got, err := st.Tag(ctx, tag.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ZoneID)
	assert.Equal(t, zNear, *got.ZoneID)
	assert.True(t, decimal.RequireFromString("0.75").Equal(got.Distance))

	n, err := st.CountLog(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
