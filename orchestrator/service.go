package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/planner"
	"github.com/izavyalov-dev/chunkrun/protocol"
	"github.com/izavyalov-dev/chunkrun/state"
)

// Settings tune how the service drives the simulation.
type Settings struct {
	Parameters  Parameters
	CoresPerRun int
	// Parallelism bounds concurrently executing spinoff branches.
	Parallelism int
	BranchFrom  BranchOrigin
	// DrainOnCancel lets in-flight executions finish after cancellation.
	DrainOnCancel bool
	// Resume reuses Completed runs already in the ledger.
	Resume   bool
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Reporter StatusReporter
}

// Service sequences the spinup, spinon and spinoff phases of one ensemble.
type Service struct {
	ledger   *state.Ledger
	planner  planner.Planner
	driver   SimulationDriver
	settings Settings
	logger   *slog.Logger
	reporter StatusReporter
	now      func() time.Time

	mu    sync.Mutex
	phase PhaseState
}

// chain is one sequence of chunks restarting from each other.
type chain struct {
	phase  protocol.Phase
	branch *int
	plan   planner.PlanResult
	// root is the restart source of the first chunk. Nil means cold start.
	root *int64
	// blocked is set when the upstream chain stopped short of its last chunk.
	blocked error
}

// NewService constructs an orchestrator service with sensible defaults.
func NewService(ledger *state.Ledger, plan planner.Planner, driver SimulationDriver, settings Settings) *Service {
	if plan == nil {
		plan = planner.ChunkPlanner{}
	}
	if settings.Parallelism < 1 {
		settings.Parallelism = 1
	}
	if settings.BranchFrom == "" {
		settings.BranchFrom = BranchFromSpinup
	}
	logger := settings.Logger
	if logger == nil {
		logger = observability.NewLogger("orchestrator")
	}
	reporter := settings.Reporter
	if reporter == nil {
		reporter = NoopStatusReporter{}
	}
	return &Service{
		ledger:   ledger,
		planner:  plan,
		driver:   driver,
		settings: settings,
		logger:   observability.WithEnsemble(logger, ledger.EnsembleID()),
		reporter: reporter,
		now:      func() time.Time { return time.Now().UTC() },
		phase:    PhaseIdle,
	}
}

// State returns the current phase.
func (s *Service) State() PhaseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Ledger exposes the run ledger the service writes to.
func (s *Service) Ledger() *state.Ledger {
	return s.ledger
}

// Run executes the whole ensemble. Chain failures are recorded in the report
// and do not stop unrelated chains. The returned error is non-nil only for
// invalid parameters, ledger misuse or a broken journal.
func (s *Service) Run(ctx context.Context) (Report, error) {
	report := Report{EnsembleID: s.ledger.EnsembleID(), State: s.State()}
	if s.driver == nil {
		return report, errors.New("orchestrator: simulation driver is required")
	}

	plans, err := s.planAll(ctx)
	if err != nil {
		return report, err
	}
	if err := s.advance(PhaseIdle); err != nil {
		return report, err
	}
	s.logger.Info("ensemble started", "event", "ensemble_started",
		"spinup_chunks", len(plans.spinup.Chunks),
		"spinon_chunks", len(plans.spinon.Chunks),
		"branch_count", s.settings.Parameters.BranchCount,
		"parallelism", s.settings.Parallelism)

	spinup, err := s.runChain(ctx, chain{phase: protocol.PhaseSpinup, plan: plans.spinup})
	report.Chains = append(report.Chains, spinup)
	if err != nil {
		report.State = s.State()
		return report, err
	}

	// The branch point is the last spinup run once spinup has completed.
	// Otherwise every downstream chain fails with NotReady.
	var branchPoint *int64
	blocked := s.incomplete(spinup)
	if id, ok := spinup.LastRun(); ok && blocked == nil {
		branchPoint = &id
		report.BranchPoint = &id
		s.logger.Info("branch point recorded", "event", "branch_point_recorded", "run_id", id)
	}

	if err := s.advance(PhaseSpinup); err != nil {
		return report, err
	}
	spinon, err := s.runChain(ctx, chain{phase: protocol.PhaseSpinon, plan: plans.spinon, root: branchPoint, blocked: blocked})
	report.Chains = append(report.Chains, spinon)
	if err != nil {
		report.State = s.State()
		return report, err
	}

	if err := s.advance(PhaseSpinon); err != nil {
		return report, err
	}
	origin := branchPoint
	if s.settings.BranchFrom == BranchFromSpinon {
		if id, ok := spinon.LastRun(); ok {
			origin, blocked = &id, s.incomplete(spinon)
		}
	}
	branches, err := s.runSpinoff(ctx, plans.spinoff, origin, blocked)
	report.Chains = append(report.Chains, branches...)
	if err != nil {
		report.State = s.State()
		return report, err
	}

	if err := s.advance(PhaseSpinoff); err != nil {
		return report, err
	}
	report.State = s.State()

	counts := s.ledger.Counts()
	s.logger.Info("ensemble finished", "event", "ensemble_finished",
		"completed", counts[state.RunStatusCompleted],
		"failed", counts[state.RunStatusFailed],
		"failed_chains", len(report.Failed()))
	return report, nil
}

type ensemblePlans struct {
	spinup  planner.PlanResult
	spinon  planner.PlanResult
	spinoff []planner.PlanResult
}

// planAll plans every chain before anything executes so that invalid
// durations surface without side effects.
func (s *Service) planAll(ctx context.Context) (ensemblePlans, error) {
	p := s.settings.Parameters
	if p.BranchCount < 0 {
		return ensemblePlans{}, fmt.Errorf("%w: branch count %d", planner.ErrInvalidDuration, p.BranchCount)
	}

	var plans ensemblePlans
	var err error
	plans.spinup, err = s.planner.Plan(ctx, planner.PlanRequest{
		Phase:    protocol.PhaseSpinup,
		Total:    p.DurationSpinup,
		MaxChunk: p.DurationChunkMax,
	})
	if err != nil {
		return ensemblePlans{}, err
	}
	plans.spinon, err = s.planner.Plan(ctx, planner.PlanRequest{
		Phase:       protocol.PhaseSpinon,
		StartOffset: p.DurationSpinup,
		Total:       p.DurationSpinon,
		MaxChunk:    p.DurationChunkMax,
	})
	if err != nil {
		return ensemblePlans{}, err
	}
	branchOffset := p.DurationSpinup
	if s.settings.BranchFrom == BranchFromSpinon {
		branchOffset += p.DurationSpinon
	}
	for b := 0; b < p.BranchCount; b++ {
		branch := b
		plan, err := s.planner.Plan(ctx, planner.PlanRequest{
			Phase:       protocol.PhaseSpinoff,
			Branch:      &branch,
			StartOffset: branchOffset,
			Total:       p.DurationSpinoff,
			MaxChunk:    p.DurationChunkMax,
		})
		if err != nil {
			return ensemblePlans{}, err
		}
		plans.spinoff = append(plans.spinoff, plan)
	}
	return plans, nil
}

// runSpinoff runs every branch chain, at most Parallelism at a time.
func (s *Service) runSpinoff(ctx context.Context, plans []planner.PlanResult, origin *int64, blocked error) ([]ChainResult, error) {
	results := make([]ChainResult, len(plans))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.settings.Parallelism)

	for i, plan := range plans {
		branch := i
		group.Go(func() error {
			result, err := s.runChain(groupCtx, chain{
				phase:   protocol.PhaseSpinoff,
				branch:  &branch,
				plan:    plan,
				root:    origin,
				blocked: blocked,
			})
			results[branch] = result
			return err
		})
	}
	err := group.Wait()
	return results, err
}

// runChain executes the chunks of one chain in order. A non-nil error is
// returned only for fatal failures; anything contained to the chain is
// recorded on the result.
func (s *Service) runChain(ctx context.Context, c chain) (ChainResult, error) {
	result := ChainResult{Phase: c.phase, Branch: c.branch, Planned: len(c.plan.Chunks)}
	logger := observability.WithChain(s.logger, c.phase, c.branch)
	if len(c.plan.Chunks) == 0 {
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return s.abort(ctx, logger, result, 0, 0, fmt.Errorf("%w: %v", ErrCanceled, err))
	}
	if c.blocked != nil {
		return s.abort(ctx, logger, result, 0, 0, c.blocked)
	}
	if c.root != nil {
		if _, err := s.ledger.CheckpointOf(*c.root); err != nil {
			return s.abort(ctx, logger, result, 0, 0, err)
		}
	}

	var prev *state.Run
	for i, chunk := range c.plan.Chunks {
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, logger, result, i, 0, fmt.Errorf("%w: %v", ErrCanceled, err))
		}

		source := c.root
		if i > 0 {
			last := *prev
			if !s.settings.Resume {
				var err error
				if last, err = s.ledger.LastRunOf(state.RunFilter{Phase: c.phase, Branch: c.branch}); err != nil {
					return s.abort(ctx, logger, result, i, 0, err)
				}
			}
			if last.End() != chunk.StartOffset {
				return s.abort(ctx, logger, result, i, last.ID,
					fmt.Errorf("%w: run %d ends at %s, chunk %d starts at %s", ErrLineageGap, last.ID, last.End(), chunk.Index, chunk.StartOffset))
			}
			source = &last.ID
		}

		if s.settings.Resume {
			if reused, ok := s.reusable(c, chunk, source); ok {
				logger.Info("chunk reused", "event", "chunk_reused", "run_id", reused.ID, "chunk_index", chunk.Index)
				result.Runs = append(result.Runs, reused.ID)
				result.Reused++
				prev = &reused
				continue
			}
		}

		run, err := s.executeChunk(ctx, logger, c, chunk, source)
		if run.ID != 0 {
			result.Runs = append(result.Runs, run.ID)
		}
		if err != nil {
			return s.abort(ctx, logger, result, i+1, run.ID, err)
		}
		prev = &run
	}
	return result, nil
}

// executeChunk allocates a run, executes it and records the outcome.
func (s *Service) executeChunk(ctx context.Context, logger *slog.Logger, c chain, chunk planner.PlannedChunk, source *int64) (state.Run, error) {
	// Ledger writes must land even when the caller has been canceled.
	ledgerCtx := context.WithoutCancel(ctx)

	run, err := s.ledger.Allocate(ledgerCtx, state.Allocation{
		Phase:         c.phase,
		Branch:        c.branch,
		ChunkIndex:    chunk.Index,
		StartOffset:   chunk.StartOffset,
		Duration:      chunk.Duration,
		RestartSource: source,
	})
	if err != nil {
		return state.Run{}, err
	}
	s.observe(ledgerCtx, run)

	run, err = s.ledger.MarkRunning(ledgerCtx, run.ID)
	if err != nil {
		return run, err
	}
	s.observe(ledgerCtx, run)

	restart, err := s.ledger.RestartSourceOf(run.ID)
	if err != nil {
		return s.fail(ledgerCtx, run, err)
	}

	runLogger := observability.WithRun(logger, run.ID)
	runLogger.Info("chunk started", "event", "chunk_started",
		"chunk_index", chunk.Index,
		"start_offset_hours", int64(chunk.StartOffset),
		"duration_hours", int64(chunk.Duration),
		"restart_source", restartLabel(source))

	execCtx := ctx
	if s.settings.DrainOnCancel {
		execCtx = context.WithoutCancel(ctx)
	}
	s.settings.Metrics.RunStarted()
	checkpoint, execErr := s.driver.Execute(execCtx, protocol.ChunkSpec{
		RunID:       run.ID,
		Phase:       c.phase,
		Branch:      c.branch,
		ChunkIndex:  chunk.Index,
		StartOffset: chunk.StartOffset,
		Duration:    chunk.Duration,
		Cores:       s.settings.CoresPerRun,
		Restart:     restart,
		IssuedAt:    s.now(),
	})
	s.settings.Metrics.RunFinished()

	if execErr != nil {
		var failure SimulationFailure
		if !errors.As(execErr, &failure) {
			failure = SimulationFailure{RunID: run.ID, Cause: execErr}
		}
		runLogger.Warn("chunk failed", "event", "chunk_failed", "error", execErr)
		if ctx.Err() != nil {
			return s.fail(ledgerCtx, run, fmt.Errorf("%w: %w", ErrCanceled, failure))
		}
		return s.fail(ledgerCtx, run, failure)
	}

	run, err = s.ledger.MarkCompleted(ledgerCtx, run.ID, checkpoint)
	if err != nil {
		return run, err
	}
	s.observe(ledgerCtx, run)
	s.settings.Metrics.AddHours(string(c.phase), int64(run.Duration))
	runLogger.Info("chunk completed", "event", "chunk_completed", "checkpoint", checkpointLabel(run.Checkpoint))
	return run, nil
}

func (s *Service) fail(ctx context.Context, run state.Run, cause error) (state.Run, error) {
	failed, err := s.ledger.MarkFailed(ctx, run.ID, cause)
	if err != nil {
		return run, fmt.Errorf("record failure of run %d (%v): %w", run.ID, cause, err)
	}
	s.observe(ctx, failed)
	return failed, cause
}

// abort records the chain failure. Fatal errors are also returned so that
// sibling branches stop issuing chunks.
func (s *Service) abort(ctx context.Context, logger *slog.Logger, result ChainResult, done int, runID int64, err error) (ChainResult, error) {
	result.Skipped = result.Planned - done
	result.Err = &ChainError{Phase: result.Phase, Branch: result.Branch, RunID: runID, Err: err}

	kind := ClassifyFailure(err)
	s.settings.Metrics.IncFailure(kind)
	logger.Warn("chain aborted", "event", "chain_aborted",
		"kind", kind,
		"run_id", runID,
		"skipped_chunks", result.Skipped,
		"error", err)

	if fatal(err) {
		logger.Error("fatal scheduling error", "event", "fatal_scheduling_error", "error", err)
		return result, result.Err
	}
	return result, nil
}

// incomplete reports a chain that did not finish. Its last run is either
// Failed or not the end of the chain, so nothing may branch from it.
func (s *Service) incomplete(result ChainResult) error {
	if !result.Failed() {
		return nil
	}
	id, ok := result.LastRun()
	if !ok {
		return fmt.Errorf("%w: %s stopped before its first run", state.ErrNotReady, chainName(result.Phase, result.Branch))
	}
	run, err := s.ledger.Get(id)
	if err != nil {
		return err
	}
	if run.Status == state.RunStatusCompleted {
		return fmt.Errorf("%w: %s stopped after run %d with %d chunks left",
			state.ErrNotReady, chainName(result.Phase, result.Branch), id, result.Skipped)
	}
	return fmt.Errorf("%w: %s ended with run %d %s",
		state.ErrNotReady, chainName(result.Phase, result.Branch), id, run.Status)
}

// reusable finds a Completed run from an earlier pass that covers exactly
// this chunk from the same restart source.
func (s *Service) reusable(c chain, chunk planner.PlannedChunk, source *int64) (state.Run, bool) {
	candidates := s.ledger.Find(state.RunFilter{Phase: c.phase, Branch: c.branch, Status: state.RunStatusCompleted}, false)
	for i := len(candidates) - 1; i >= 0; i-- {
		run := candidates[i]
		if run.StartOffset != chunk.StartOffset || run.Duration != chunk.Duration {
			continue
		}
		if !sameSource(run.RestartSource, source) {
			continue
		}
		return run, true
	}
	return state.Run{}, false
}

// observe publishes a run transition to metrics and the status reporter.
func (s *Service) observe(ctx context.Context, run state.Run) {
	s.settings.Metrics.IncRun(string(run.Status))
	if err := s.reporter.ReportRun(ctx, s.ledger.EnsembleID(), run); err != nil {
		s.logger.Warn("status report failed", "event", "status_report_failed", "run_id", run.ID, "error", err)
	}
}

func (s *Service) advance(from PhaseState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		if from == PhaseIdle {
			return ErrAlreadyStarted
		}
		return fmt.Errorf("orchestrator: expected phase %s, at %s", from, s.phase)
	}
	next, err := from.Next()
	if err != nil {
		return err
	}
	s.logger.Info("phase entered", "event", "phase_entered", "from", from, "to", next)
	s.phase = next
	return nil
}

func sameSource(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func restartLabel(source *int64) string {
	if source == nil {
		return "cold"
	}
	return fmt.Sprintf("run%04d", *source)
}

func checkpointLabel(cp *protocol.Checkpoint) string {
	if cp == nil {
		return ""
	}
	if cp.URI != "" {
		return cp.URI
	}
	return cp.Path
}
