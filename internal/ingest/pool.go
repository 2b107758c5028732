package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"c3loc/go-ingest-server/internal/stats"
)

var (
	// ErrQueueFull is returned by Submit when the packet queue is at capacity.
	ErrQueueFull = errors.New("packet queue full")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrStopTimeout is returned when workers do not drain in time.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)

// ProcessFunc handles one dequeued packet.
type ProcessFunc func(context.Context, Packet) error

// Pool is a fixed set of workers draining a bounded packet queue. Submit never
// blocks: a packet arriving at a full queue is dropped and counted.
type Pool struct {
	workers int
	process ProcessFunc
	sink    stats.Sink
	logger  *slog.Logger

	queue chan Packet
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// NewPool creates a pool. Packets may be submitted before Start; they wait in the queue.
func NewPool(workers, queueSize int, process ProcessFunc, sink stats.Sink, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if sink == nil {
		sink = stats.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		workers: workers,
		process: process,
		sink:    sink,
		logger:  logger.With("component", "ingest-pool"),
		queue:   make(chan Packet, queueSize),
	}
	sink.RegisterGauge("Current Packet Queue Depth", func() float64 { return float64(p.Len()) })
	return p
}

// Submit enqueues pkt without blocking.
func (p *Pool) Submit(pkt Packet) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- pkt:
		return nil
	default:
		p.dropped.Add(1)
		p.sink.Increment("Packet Dropped (Queue Full)")
		return ErrQueueFull
	}
}

// Len is the number of queued packets.
func (p *Pool) Len() int { return len(p.queue) }

// Cap is the queue capacity.
func (p *Pool) Cap() int { return cap(p.queue) }

// Start launches the workers. They exit when ctx is done or the pool is stopped.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.started = true
	p.logger.Info("ingest workers started", "workers", p.workers, "queue", cap(p.queue))
	return nil
}

// Stop closes the queue and waits up to timeout for the workers to drain it.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.safeProcess(ctx, pkt); err != nil {
				p.failed.Add(1)
				p.sink.Increment("Packet Processing Failure")
				p.logger.Warn("packet processing failed",
					"worker", id, "listener", pkt.ListenerID, "type", pkt.Msg.Type, "error", err)
				continue
			}
			p.processed.Add(1)
			p.sink.Increment("Packets Processed")
		}
	}
}

func (p *Pool) safeProcess(ctx context.Context, pkt Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.process(ctx, pkt)
}
