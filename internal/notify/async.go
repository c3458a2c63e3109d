package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/state"
)

// ErrQueueFull is returned when an update is dropped because the delivery
// queue is full.
var ErrQueueFull = errors.New("notify: queue full")

// ErrClosed is returned for updates reported after Close.
var ErrClosed = errors.New("notify: reporter closed")

// RunReporter delivers a single run update.
type RunReporter interface {
	ReportRun(ctx context.Context, ensembleID string, run state.Run) error
}

type queuedUpdate struct {
	ensembleID string
	run        state.Run
}

// Async delivers run updates in order on one goroutine. ReportRun never
// blocks; updates that do not fit in the queue are dropped.
type Async struct {
	next    RunReporter
	logger  *slog.Logger
	queue   chan queuedUpdate
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next RunReporter, size int, logger *slog.Logger) *Async {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = observability.NewLogger("notify")
	}
	a := &Async{
		next:   next,
		logger: logger,
		queue:  make(chan queuedUpdate, size),
		done:   make(chan struct{}),
	}
	go a.deliver()
	return a
}

func (a *Async) ReportRun(ctx context.Context, ensembleID string, run state.Run) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queuedUpdate{ensembleID: ensembleID, run: run}:
		return nil
	default:
		a.dropped.Add(1)
		return fmt.Errorf("%w: dropped update for run %d (%s)", ErrQueueFull, run.ID, run.Status)
	}
}

// Dropped returns the number of updates discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting updates and waits for queued ones to be delivered
// or for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) deliver() {
	defer close(a.done)
	for update := range a.queue {
		if err := a.next.ReportRun(context.Background(), update.ensembleID, update.run); err != nil {
			a.logger.Warn("run update delivery failed", "event", "run_update_failed",
				"ensemble_id", update.ensembleID,
				"run_id", update.run.ID,
				"error", err)
		}
	}
}
