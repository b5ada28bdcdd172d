package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// ErrQueueFull is returned by Enqueue when the dispatch queue has no room.
var ErrQueueFull = errors.New("alert dispatch queue is full")

// ErrDispatcherStopped is returned by Enqueue after Run has returned.
var ErrDispatcherStopped = errors.New("alert dispatcher stopped")

const drainTimeout = 30 * time.Second

// EventProcessor is the part of Processor the dispatcher needs.
type EventProcessor interface {
	ProcessDetectionEvent(ctx context.Context, event models.DetectionEvent) (Result, error)
}

// Dispatcher processes detection events off the request path with a fixed
// pool of workers. With one worker, events are handled in arrival order.
type Dispatcher struct {
	processor EventProcessor
	queue     chan models.DetectionEvent
	workers   int
	logger    *slog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a dispatcher with the given worker count and queue size.
func NewDispatcher(processor EventProcessor, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		processor: processor,
		queue:     make(chan models.DetectionEvent, queueSize),
		workers:   workers,
		logger:    logger,
	}
}

// Enqueue schedules event for processing without blocking.
func (d *Dispatcher) Enqueue(event models.DetectionEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run starts the workers and blocks until ctx is cancelled. Events already
// queued at that point are still processed, bounded by a drain timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Alert dispatcher started", "workers", d.workers, "queue", cap(d.queue))

	// Workers keep running past ctx so the queue can drain.
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range d.queue {
				d.process(workCtx, event)
			}
		}()
	}

	<-ctx.Done()

	d.mu.Lock()
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Alert dispatcher stopped")
	case <-time.After(drainTimeout):
		cancel()
		<-done
		d.logger.Warn("Alert dispatcher drain timed out", "timeout", drainTimeout)
	}
}

func (d *Dispatcher) process(ctx context.Context, event models.DetectionEvent) {
	result, err := d.processor.ProcessDetectionEvent(ctx, event)
	if err != nil {
		d.logger.Error("Alert processing failed",
			"event_id", event.ID, "summary", result.Summary(), "error", err)
	}
}
