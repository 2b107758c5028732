// Package proximity periodically re-derives each tag's zone and distance from
// recent log evidence and enforces log retention.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"c3loc/go-ingest-server/internal/stats"
)

// Store is the part of the store the resolver runs against.
type Store interface {
	ResolveProximity(ctx context.Context, window time.Duration) (int64, error)
	PruneLog(ctx context.Context, before time.Time) (int64, error)
}

// Options tunes a Resolver.
type Options struct {
	// Period between ticks. cron schedules at whole seconds, so anything shorter runs every second.
	Period time.Duration
	// Window is how far before a tag's last_seen log rows still count.
	Window time.Duration
	// Retention is the age after which log rows are deleted.
	Retention time.Duration
	// PruneEvery runs retention on every n-th tick.
	PruneEvery int
	Clock      func() time.Time
}

// Resolver recomputes tag locations on a fixed period.
type Resolver struct {
	store  Store
	opts   Options
	sink   stats.Sink
	logger *slog.Logger
	ticks  atomic.Int64
}

// New builds a Resolver with defaults for unset options.
func New(st Store, opts Options, sink stats.Sink, logger *slog.Logger) *Resolver {
	if opts.Period <= 0 {
		opts.Period = time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	if opts.PruneEvery <= 0 {
		opts.PruneEvery = 60
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
	return &Resolver{store: st, opts: opts, sink: sink, logger: logger.With("component", "proximity")}
}

// Ticks is the number of ticks started so far.
func (r *Resolver) Ticks() int64 { return r.ticks.Load() }

// Tick runs one resolution pass, and the retention pass when due. A failing
// resolution does not skip a due retention pass.
func (r *Resolver) Tick(ctx context.Context) error {
	n := r.ticks.Add(1)

	var errs []error
	updated, err := r.store.ResolveProximity(ctx, r.opts.Window)
	if err != nil {
		errs = append(errs, fmt.Errorf("resolve proximity: %w", err))
	} else if updated > 0 {
		r.logger.Debug("tags relocated", "count", updated)
	}

	if n%int64(r.opts.PruneEvery) == 0 {
		before := r.opts.Clock().Add(-r.opts.Retention)
		pruned, err := r.store.PruneLog(ctx, before)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune log: %w", err))
		} else {
			r.logger.Debug("log pruned", "rows", pruned, "before", before)
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.sink.Increment("Proximity Tick Failure")
		return err
	}
	return nil
}

// Run ticks every Period until ctx is done. Failed or panicking ticks are logged
// and counted; an overrunning tick makes the next one skip.
func (r *Resolver) Run(ctx context.Context) error {
	l := cronLogger{logger: r.logger, sink: r.sink}
	// Recover must run inside SkipIfStillRunning: a panic escaping it would keep
	// its run token and every later tick would be skipped.
	c := cron.New(cron.WithLogger(l), cron.WithChain(cron.SkipIfStillRunning(l), cron.Recover(l)))
	c.Schedule(cron.Every(r.opts.Period), cron.FuncJob(func() {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("proximity tick failed", "error", err)
		}
	}))

	r.logger.Info("proximity resolver started", "period", r.opts.Period, "window", r.opts.Window)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("proximity resolver stopped", "ticks", r.Ticks())
	return nil
}

// cronLogger routes cron's logging to slog. cron only logs errors for recovered panics.
type cronLogger struct {
	logger *slog.Logger
	sink   stats.Sink
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sink.Increment("Proximity Tick Failure")
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
