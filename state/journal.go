package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// interruptedCause is recorded on runs that were in flight when the journal stopped.
const interruptedCause = "interrupted: ledger restored before the run finished"

// Journal persists ledger mutations as an append-only log keyed by run id.
type Journal interface {
	Append(ctx context.Context, event RunEvent) error
}

// EventSource returns the journaled events of an ensemble in sequence order.
type EventSource interface {
	ListRunEvents(ctx context.Context, ensembleID string) ([]RunEvent, error)
}

// NoopJournal discards events; the ledger is then memory-only.
type NoopJournal struct{}

func (NoopJournal) Append(ctx context.Context, event RunEvent) error {
	return nil
}

// MemoryJournal keeps events in process memory.
type MemoryJournal struct {
	mu     sync.Mutex
	events []RunEvent
}

func (j *MemoryJournal) Append(ctx context.Context, event RunEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	event.Run = event.Run.clone()
	j.events = append(j.events, event)
	return nil
}

func (j *MemoryJournal) ListRunEvents(ctx context.Context, ensembleID string) ([]RunEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]RunEvent, 0, len(j.events))
	for _, event := range j.events {
		if event.EnsembleID == ensembleID {
			event.Run = event.Run.clone()
			out = append(out, event)
		}
	}
	return out, nil
}

// Restore rebuilds the ledger of ensembleID from source. Runs that were still
// PLANNED or RUNNING are failed as interrupted, and that failure is journaled.
func Restore(ctx context.Context, ensembleID string, source EventSource, journal Journal) (*Ledger, error) {
	ledger, err := replay(ctx, ensembleID, source, journal)
	if err != nil {
		return nil, err
	}
	if err := ledger.interruptInFlight(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Replay rebuilds a snapshot of the ledger without touching in-flight runs.
// The returned ledger does not journal further mutations.
func Replay(ctx context.Context, ensembleID string, source EventSource) (*Ledger, error) {
	return replay(ctx, ensembleID, source, nil)
}

func replay(ctx context.Context, ensembleID string, source EventSource, journal Journal) (*Ledger, error) {
	if source == nil {
		return nil, errors.New("restore requires an event source")
	}
	events, err := source.ListRunEvents(ctx, ensembleID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	ledger := NewLedger(ensembleID, journal)
	for _, event := range events {
		if event.RunID != event.Run.ID {
			return nil, fmt.Errorf("run event %d: run id mismatch %d != %d", event.Seq, event.RunID, event.Run.ID)
		}
		if _, ok := runTransitions[event.Run.Status]; !ok {
			return nil, UnknownStatusError{Status: string(event.Run.Status)}
		}
		ledger.restore(event)
	}
	ledger.sortOrder()
	return ledger, nil
}

func (l *Ledger) interruptInFlight(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.order {
		run := l.runs[id]
		if run.Status.Terminal() {
			continue
		}
		if err := validateRunTransition(id, run.Status, RunStatusFailed); err != nil {
			return err
		}
		updated := run.clone()
		updated.Status = RunStatusFailed
		updated.Error = interruptedCause
		updated.UpdatedAt = l.now()
		if err := l.appendLocked(ctx, RunEventFailed, updated); err != nil {
			return err
		}
		*run = updated
	}
	return nil
}
