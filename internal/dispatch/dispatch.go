// Package dispatch fans events out to evaluation workers while keeping
// all events from one source IP on the same worker. Per-source ordering
// is what makes sequential analysis (travel checks, attempt windows)
// deterministic.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authguard/internal/config"
	"authguard/internal/queue"
	"authguard/internal/schema"
)

// Handler evaluates one event. Called serially per source IP.
type Handler interface {
	Handle(ctx context.Context, event *schema.LoginEvent)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *schema.LoginEvent)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event *schema.LoginEvent) {
	f(ctx, event)
}

// Dispatcher owns one queue per worker and routes events by hashing the
// source IP. Two events with the same source IP always land on the same
// worker in submission order.
type Dispatcher struct {
	handler Handler
	queues  []*queue.RingBuffer
	config  config.DispatchConfig

	wg   sync.WaitGroup
	done chan struct{}

	dispatched uint64
	dropped    uint64
	processed  uint64
}

// New creates a dispatcher with cfg.Workers worker queues of queueSize each.
func New(handler Handler, queueSize int, cfg config.DispatchConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	d := &Dispatcher{
		handler: handler,
		queues:  make([]*queue.RingBuffer, cfg.Workers),
		config:  cfg,
		done:    make(chan struct{}),
	}
	for i := range d.queues {
		d.queues[i] = queue.NewRingBuffer(queueSize)
	}
	return d
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	slog.Info("dispatcher started", "workers", len(d.queues))
}

// Submit routes an event to its source IP's worker. Returns an error when
// that worker's queue is full or the dispatcher is shutting down.
func (d *Dispatcher) Submit(event *schema.LoginEvent) error {
	q := d.queues[workerIndex(event.SourceIP, len(d.queues))]
	if err := q.Push(event); err != nil {
		atomic.AddUint64(&d.dropped, 1)
		return err
	}
	atomic.AddUint64(&d.dispatched, 1)
	return nil
}

// workerIndex maps a source IP to a worker slot via FNV-1a.
func workerIndex(sourceIP string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(sourceIP))
	return int(h.Sum32()) % workers
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	q := d.queues[id]
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			// Drain what is already queued before exiting.
			for {
				event, err := q.Pop()
				if err != nil {
					return
				}
				d.handler.Handle(ctx, event)
				atomic.AddUint64(&d.processed, 1)
			}
		default:
			event, err := q.PopWait(10 * time.Millisecond)
			if err != nil {
				if errors.Is(err, queue.ErrQueueClosed) {
					return
				}
				continue
			}
			d.handler.Handle(ctx, event)
			atomic.AddUint64(&d.processed, 1)
		}
	}
}

// Stop drains the worker queues and waits for workers up to ShutdownWait.
func (d *Dispatcher) Stop() {
	close(d.done)

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		slog.Info("dispatcher stopped", "processed", atomic.LoadUint64(&d.processed))
	case <-time.After(d.config.ShutdownWait):
		slog.Warn("dispatcher shutdown timed out",
			"pending", d.pending(),
		)
	}

	for _, q := range d.queues {
		q.Close()
	}
}

func (d *Dispatcher) pending() int {
	n := 0
	for _, q := range d.queues {
		n += q.Len()
	}
	return n
}

// Metrics returns dispatcher counters.
func (d *Dispatcher) Metrics() Metrics {
	return Metrics{
		Dispatched: atomic.LoadUint64(&d.dispatched),
		Dropped:    atomic.LoadUint64(&d.dropped),
		Processed:  atomic.LoadUint64(&d.processed),
		Pending:    d.pending(),
		Workers:    len(d.queues),
	}
}

// Metrics holds dispatcher counters.
type Metrics struct {
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Processed  uint64 `json:"processed"`
	Pending    int    `json:"pending"`
	Workers    int    `json:"workers"`
}
