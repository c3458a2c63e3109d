package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

// Ledger is the authoritative record of runs and their restart lineage.
// Every mutation is appended to the journal before it becomes visible.
type Ledger struct {
	mu         sync.Mutex
	ensembleID string
	journal    Journal
	now        func() time.Time

	lastID int64
	seq    int64
	runs   map[int64]*Run
	order  []int64
}

// NewLedger returns an empty ledger writing through to journal.
func NewLedger(ensembleID string, journal Journal) *Ledger {
	if journal == nil {
		journal = NoopJournal{}
	}
	return &Ledger{
		ensembleID: ensembleID,
		journal:    journal,
		now:        func() time.Time { return time.Now().UTC() },
		runs:       make(map[int64]*Run),
	}
}

// EnsembleID returns the identifier of the ensemble this ledger belongs to.
func (l *Ledger) EnsembleID() string {
	return l.ensembleID
}

// Allocate assigns the next run id and records the run as PLANNED.
func (l *Ledger) Allocate(ctx context.Context, a Allocation) (Run, error) {
	if !a.Phase.Valid() {
		return Run{}, fmt.Errorf("%w: unknown phase %q", ErrInvalidRun, a.Phase)
	}
	if a.Duration <= 0 {
		return Run{}, fmt.Errorf("%w: duration %s must be positive", ErrInvalidRun, a.Duration)
	}
	if (a.Phase == protocol.PhaseSpinoff) != (a.Branch != nil) {
		return Run{}, fmt.Errorf("%w: branch index is required for spinoff runs only", ErrInvalidRun)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if a.RestartSource != nil {
		if _, ok := l.runs[*a.RestartSource]; !ok {
			return Run{}, fmt.Errorf("%w: restart source %d", ErrUnknownRun, *a.RestartSource)
		}
	}

	now := l.now()
	run := Run{
		ID:            l.lastID + 1,
		Phase:         a.Phase,
		Branch:        a.Branch,
		ChunkIndex:    a.ChunkIndex,
		StartOffset:   a.StartOffset,
		Duration:      a.Duration,
		RestartSource: a.RestartSource,
		Status:        RunStatusPlanned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	run = run.clone()

	if err := l.appendLocked(ctx, RunEventAllocated, run); err != nil {
		return Run{}, err
	}
	l.lastID = run.ID
	l.runs[run.ID] = &run
	l.order = append(l.order, run.ID)
	return run.clone(), nil
}

// MarkRunning moves a PLANNED run into RUNNING when it is dispatched.
func (l *Ledger) MarkRunning(ctx context.Context, id int64) (Run, error) {
	return l.transition(ctx, id, RunStatusPlanned, RunStatusRunning, RunEventRunning, func(r *Run) {})
}

// MarkCompleted records the checkpoint produced by a RUNNING run.
func (l *Ledger) MarkCompleted(ctx context.Context, id int64, checkpoint protocol.Checkpoint) (Run, error) {
	return l.transition(ctx, id, RunStatusRunning, RunStatusCompleted, RunEventCompleted, func(r *Run) {
		cp := checkpoint
		if cp.RunID == 0 {
			cp.RunID = id
		}
		r.Checkpoint = &cp
	})
}

// MarkFailed records the failure of a RUNNING run.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, cause error) (Run, error) {
	return l.transition(ctx, id, RunStatusRunning, RunStatusFailed, RunEventFailed, func(r *Run) {
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

func (l *Ledger) transition(ctx context.Context, id int64, required, next RunStatus, kind RunEventKind, mutate func(*Run)) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %d", ErrUnknownRun, id)
	}
	if err := validateRunTransition(id, current.Status, next); err != nil {
		return Run{}, err
	}
	if current.Status != required {
		return Run{}, TransitionError{RunID: id, From: current.Status, To: next}
	}

	updated := current.clone()
	updated.Status = next
	updated.UpdatedAt = l.now()
	mutate(&updated)

	if err := l.appendLocked(ctx, kind, updated); err != nil {
		return Run{}, err
	}
	*current = updated
	return updated.clone(), nil
}

// RestartSourceOf returns the checkpoint run id resumes from. A cold-start run
// yields a zero checkpoint.
func (l *Ledger) RestartSourceOf(id int64) (protocol.Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[id]
	if !ok {
		return protocol.Checkpoint{}, fmt.Errorf("%w: run %d", ErrUnknownRun, id)
	}
	if run.RestartSource == nil {
		return protocol.Checkpoint{}, nil
	}
	return l.checkpointLocked(*run.RestartSource)
}

// CheckpointOf returns the checkpoint produced by a COMPLETED run.
func (l *Ledger) CheckpointOf(id int64) (protocol.Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpointLocked(id)
}

func (l *Ledger) checkpointLocked(id int64) (protocol.Checkpoint, error) {
	source, ok := l.runs[id]
	if !ok {
		return protocol.Checkpoint{}, fmt.Errorf("%w: run %d", ErrUnknownRun, id)
	}
	if source.Status != RunStatusCompleted || source.Checkpoint == nil {
		return protocol.Checkpoint{}, fmt.Errorf("%w: run %d is %s", ErrNotReady, id, source.Status)
	}
	return *source.Checkpoint, nil
}

// LastRunOf returns the most recently allocated run matching filter.
func (l *Ledger) LastRunOf(filter RunFilter) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.order) - 1; i >= 0; i-- {
		run := l.runs[l.order[i]]
		if filter.matches(run) {
			return run.clone(), nil
		}
	}
	return Run{}, fmt.Errorf("%w: %s", ErrNoSuchRun, describeFilter(filter))
}

// Get returns a single run by id.
func (l *Ledger) Get(id int64) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %d", ErrUnknownRun, id)
	}
	return run.clone(), nil
}

// Runs returns a snapshot of all runs ordered by id.
func (l *Ledger) Runs() []Run {
	return l.Find(RunFilter{}, true)
}

// Find returns runs matching filter ordered by id. When anyBranch is set the
// filter's Branch field is ignored.
func (l *Ledger) Find(filter RunFilter, anyBranch bool) []Run {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Run, 0, len(l.order))
	for _, id := range l.order {
		run := l.runs[id]
		f := filter
		if anyBranch {
			f.Branch = run.Branch
		}
		if f.matches(run) {
			out = append(out, run.clone())
		}
	}
	return out
}

// Lineage returns the restart chain ending at id, starting from its cold-start root.
func (l *Ledger) Lineage(id int64) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var chain []Run
	next := &id
	for next != nil {
		run, ok := l.runs[*next]
		if !ok {
			return nil, fmt.Errorf("%w: run %d", ErrUnknownRun, *next)
		}
		chain = append(chain, run.clone())
		next = run.RestartSource
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Counts returns the number of runs per status.
func (l *Ledger) Counts() map[RunStatus]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[RunStatus]int, len(runTransitions))
	for _, run := range l.runs {
		counts[run.Status]++
	}
	return counts
}

func (l *Ledger) appendLocked(ctx context.Context, kind RunEventKind, run Run) error {
	event := RunEvent{
		EnsembleID: l.ensembleID,
		Seq:        l.seq + 1,
		RunID:      run.ID,
		Kind:       kind,
		Run:        run.clone(),
		At:         run.UpdatedAt,
	}
	if err := l.journal.Append(ctx, event); err != nil {
		return fmt.Errorf("journal run %d %s: %w", run.ID, kind, err)
	}
	l.seq = event.Seq
	return nil
}

// restore installs a replayed snapshot without journaling it.
func (l *Ledger) restore(event RunEvent) {
	run := event.Run.clone()
	if existing, ok := l.runs[run.ID]; ok {
		*existing = run
	} else {
		l.runs[run.ID] = &run
		l.order = append(l.order, run.ID)
	}
	if run.ID > l.lastID {
		l.lastID = run.ID
	}
	if event.Seq > l.seq {
		l.seq = event.Seq
	}
}

func (l *Ledger) sortOrder() {
	sort.Slice(l.order, func(i, j int) bool { return l.order[i] < l.order[j] })
}

func describeFilter(f RunFilter) string {
	desc := "phase=" + string(f.Phase)
	if f.Phase == "" {
		desc = "phase=*"
	}
	if f.Branch != nil {
		desc += fmt.Sprintf(" branch=%d", *f.Branch)
	}
	if f.Status != "" {
		desc += " status=" + string(f.Status)
	}
	return desc
}
