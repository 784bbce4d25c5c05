// Package engine orchestrates pipeline runs: it schedules stages over the
// dependency graph, executes them with retries and rate limiting, and
// checkpoints every transition so any run can resume after a crash.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"genline/internal/config"
	"genline/internal/domain"
	"genline/internal/events"
	"genline/internal/llm"
	"genline/internal/ratelimit"
	"genline/internal/repo"
	"genline/internal/retry"
	"genline/internal/stream"
	"genline/internal/template"
)

var (
	ErrRunActive   = errors.New("run is already active")
	ErrRunTerminal = errors.New("run is in a terminal state")
	ErrNotActive   = errors.New("run is not active")
)

// Engine coordinates runs. One scheduler goroutine per active run owns that
// run's in-memory state; everything else reads snapshots from the store.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Clients  map[string]llm.Client
	Renderer template.Renderer
	Limiter  *ratelimit.Limiter
	Hub      *stream.Hub
	Now      func() time.Time

	mu     sync.Mutex
	active map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	stopReason string // "" while running, else paused or cancelled
	err        error  // checkpoint store failure that stopped the scheduler
}

func (h *runHandle) stop(reason string) {
	h.mu.Lock()
	if h.stopReason == "" {
		h.stopReason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *runHandle) reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopReason
}

func (h *runHandle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *runHandle) waitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// New builds an engine from config, wiring provider clients, the rate
// limiter, and the stream hub.
func New(db *sql.DB, cfg *config.Config) (*Engine, error) {
	clients, err := llm.NewClients(cfg.Providers)
	if err != nil {
		return nil, err
	}
	renderer, err := template.NewEmbedded()
	if err != nil {
		return nil, err
	}
	intervals := map[string]time.Duration{}
	for name, p := range cfg.Providers {
		intervals[name] = time.Duration(p.MinIntervalMS) * time.Millisecond
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Clients:  clients,
		Renderer: renderer,
		Limiter:  ratelimit.New(intervals),
		Hub:      stream.NewHub(),
		Now:      time.Now,
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// StartRun creates a run from the configured pipeline and begins executing
// it. The created snapshot is persisted before any stage starts.
func (e *Engine) StartRun(ctx context.Context, brief domain.Brief, actorID string) (domain.Run, error) {
	now := e.nowRFC3339()
	run := domain.Run{
		ID:        uuid.New().String(),
		Status:    domain.RunRunning,
		Brief:     brief,
		Stages:    map[string]*domain.StageState{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, sc := range e.Config.Pipeline.Stages {
		run.Stages[sc.ID] = &domain.StageState{
			ID:        sc.ID,
			Kind:      sc.Kind,
			Provider:  sc.ProviderOrDefault(),
			Template:  sc.TemplateOrDefault(),
			DependsOn: append([]string(nil), sc.DependsOn...),
			Status:    domain.StageQueued,
		}
	}
	err := e.checkpoint(ctx, run, []pendingEvent{{
		Type: events.RunCreated, EntityKind: "run", EntityID: run.ID, ActorID: actorID,
		Payload: events.EventPayload{"name": brief.Name, "stages": len(run.Stages)},
	}})
	if err != nil {
		return domain.Run{}, err
	}
	e.launch(run)
	return run.Clone(), nil
}

// ResumeRun picks a paused or interrupted run back up. Stages left running by
// a crash go back to queued with their attempt counts intact; completed
// stages are never re-executed.
func (e *Engine) ResumeRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	e.mu.Lock()
	_, isActive := e.activeHandle(runID)
	e.mu.Unlock()
	if isActive {
		return domain.Run{}, ErrRunActive
	}
	run, err := e.Repo.GetSnapshot(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if domain.TerminalRun(run.Status) {
		return domain.Run{}, ErrRunTerminal
	}
	requeued := 0
	for _, st := range run.Stages {
		if st.Status == domain.StageRunning {
			st.Status = domain.StageQueued
			requeued++
		}
	}
	run.Status = domain.RunRunning
	run.LastError = ""
	run.UpdatedAt = e.nowRFC3339()
	err = e.checkpoint(ctx, run, []pendingEvent{{
		Type: events.RunResumed, EntityKind: "run", EntityID: run.ID, ActorID: actorID,
		Payload: events.EventPayload{"requeued_stages": requeued},
	}})
	if err != nil {
		return domain.Run{}, err
	}
	e.launch(run)
	return run.Clone(), nil
}

// PauseRun stops scheduling and aborts in-flight attempts. Interrupted stages
// go back to queued so resume continues where it left off.
func (e *Engine) PauseRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	h, ok := e.activeHandle(runID)
	e.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	h.stop("paused")
	<-h.done
	return nil
}

// CancelRun terminates a run permanently. Active runs are aborted first;
// pending or paused runs are cancelled in place.
func (e *Engine) CancelRun(ctx context.Context, runID, actorID string) error {
	e.mu.Lock()
	h, ok := e.activeHandle(runID)
	e.mu.Unlock()
	if ok {
		h.stop("cancelled")
		<-h.done
		return nil
	}
	run, err := e.Repo.GetSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if domain.TerminalRun(run.Status) {
		return ErrRunTerminal
	}
	run.Status = domain.RunCancelled
	run.UpdatedAt = e.nowRFC3339()
	return e.checkpoint(ctx, run, []pendingEvent{{
		Type: events.RunCancelled, EntityKind: "run", EntityID: run.ID, ActorID: actorID,
	}})
}

// RetryStage requeues a failed or completed stage on a non-active run and
// restarts it. Regenerating a stage requeues its downstream stages too, so
// dependent artifacts are rebuilt from the new output. Attempt counts are
// never reset; prior attempts stay auditable through the event log.
func (e *Engine) RetryStage(ctx context.Context, runID, stageID, actorID string) (domain.Run, error) {
	e.mu.Lock()
	_, isActive := e.activeHandle(runID)
	e.mu.Unlock()
	if isActive {
		return domain.Run{}, ErrRunActive
	}
	run, err := e.Repo.GetSnapshot(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status == domain.RunCancelled {
		return domain.Run{}, ErrRunTerminal
	}
	st, ok := run.Stages[stageID]
	if !ok {
		return domain.Run{}, fmt.Errorf("stage %s: %w", stageID, repo.ErrNotFound)
	}
	switch st.Status {
	case domain.StageFailed, domain.StageCompleted:
	default:
		return domain.Run{}, fmt.Errorf("stage %s is %s and cannot be retried", stageID, st.Status)
	}
	requeue(st)
	for _, id := range dependents(run.Stages, stageID) {
		if domain.TerminalStage(run.Stages[id].Status) {
			requeue(run.Stages[id])
		}
	}
	run.Status = domain.RunRunning
	run.LastError = ""
	run.UpdatedAt = e.nowRFC3339()
	err = e.checkpoint(ctx, run, []pendingEvent{{
		Type: events.StageRequeued, EntityKind: "stage", EntityID: stageID, ActorID: actorID,
	}})
	if err != nil {
		return domain.Run{}, err
	}
	e.launch(run)
	return run.Clone(), nil
}

// GetRun returns the persisted snapshot for a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return e.Repo.GetSnapshot(ctx, runID)
}

// Subscribe attaches to the live output stream of a stage.
func (e *Engine) Subscribe(runID, stageID string) (<-chan stream.Chunk, func()) {
	return e.Hub.Subscribe(runID, stageID)
}

// Wait blocks until a run's scheduler exits. The returned error is non-nil
// only when a checkpoint store failure stopped the run; ordinary stage
// failures are reported on the run itself. No-op for inactive runs.
func (e *Engine) Wait(runID string) error {
	e.mu.Lock()
	h, ok := e.activeHandle(runID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	<-h.done
	return h.waitErr()
}

func (e *Engine) activeHandle(runID string) (*runHandle, bool) {
	if e.active == nil {
		return nil, false
	}
	h, ok := e.active[runID]
	return h, ok
}

func (e *Engine) launch(run domain.Run) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	if e.active == nil {
		e.active = map[string]*runHandle{}
	}
	e.active[run.ID] = h
	e.mu.Unlock()
	go e.schedule(ctx, run.Clone(), h)
}

func (e *Engine) executor() Executor {
	return Executor{
		Clients:      e.Clients,
		Providers:    e.Config.Providers,
		Renderer:     e.Renderer,
		Limiter:      e.Limiter,
		Hub:          e.Hub,
		StageTimeout: e.Config.StageTimeout(),
		Policy: retry.Policy{
			MaxAttempts:        e.Config.Retry.MaxAttempts,
			ValidationAttempts: e.Config.Retry.ValidationAttempts,
			BaseDelay:          time.Duration(e.Config.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:           time.Duration(e.Config.Retry.MaxDelayMS) * time.Millisecond,
			Jitter:             e.Config.Retry.Jitter,
		},
	}
}

// schedule is the per-run scheduler loop. It is the single writer of the run
// value: workers report results over the channel and never touch run state.
func (e *Engine) schedule(ctx context.Context, run domain.Run, h *runHandle) {
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		close(h.done)
	}()

	exec := e.executor()
	limit := e.Config.Concurrency()
	results := make(chan ExecResult)
	inFlight := 0
	var storeErr error

	for ctx.Err() == nil && storeErr == nil {
		for inFlight < limit {
			st := nextReady(run)
			if st == nil {
				break
			}
			st.Status = domain.StageRunning
			st.LastAttemptAt = e.nowRFC3339()
			run.UpdatedAt = st.LastAttemptAt
			if err := e.persist(run, []pendingEvent{{
				Type: events.StageStarted, EntityKind: "stage", EntityID: st.ID, ActorID: "engine",
				Payload: events.EventPayload{"attempt_count": st.AttemptCount},
			}}); err != nil {
				st.Status = domain.StageQueued
				storeErr = err
				break
			}
			inFlight++
			go func(s domain.StageState, artifacts map[string]*domain.Artifact) {
				results <- exec.Execute(ctx, run.ID, s, run.Brief, artifacts)
			}(*st, completedArtifacts(run))
		}
		if inFlight == 0 || storeErr != nil {
			break
		}
		select {
		case res := <-results:
			inFlight--
			if err := e.apply(&run, res); err != nil {
				storeErr = err
			}
		case <-ctx.Done():
		}
	}
	if storeErr != nil {
		// The store cannot record progress; burning further provider calls
		// would lose their output.
		h.cancel()
	}
	for inFlight > 0 {
		res := <-results
		inFlight--
		if err := e.apply(&run, res); err != nil && storeErr == nil {
			storeErr = err
		}
	}
	h.fail(e.finalize(&run, h.reason(), storeErr))
}

// apply folds one stage result into the run and checkpoints the transition.
// The returned error is a checkpoint write failure; stage failures are state,
// not errors.
func (e *Engine) apply(run *domain.Run, res ExecResult) error {
	st := run.Stages[res.StageID]
	now := e.nowRFC3339()
	run.UpdatedAt = now
	st.RawOutput = res.RawOutput

	var evts []pendingEvent
	switch {
	case res.Err == nil:
		st.Status = domain.StageCompleted
		st.AttemptCount += res.Attempts
		st.Artifact = res.Artifact
		st.Partial = false
		st.LastError = ""
		evts = append(evts, pendingEvent{
			Type: events.StageCompleted, EntityKind: "stage", EntityID: st.ID, ActorID: "engine",
			Payload: events.EventPayload{"attempt_count": st.AttemptCount},
		})
		if st.Kind == domain.KindPlan && e.Config.Pipeline.ExpandPhases {
			evts = append(evts, e.expandPhases(run, st)...)
		}
	case errors.Is(res.Err, context.Canceled):
		// Interrupted, not failed: back to queued. Attempts that ran to a
		// real failure before the abort still count; the executor has
		// already excluded the cut-off one.
		st.Status = domain.StageQueued
		st.AttemptCount += res.Attempts
		st.Partial = res.RawOutput != ""
	default:
		st.Status = domain.StageFailed
		st.AttemptCount += res.Attempts
		st.Partial = res.RawOutput != ""
		st.LastError = res.Err.Error()
		evts = append(evts, pendingEvent{
			Type: events.StageFailed, EntityKind: "stage", EntityID: st.ID, ActorID: "engine",
			Payload: events.EventPayload{"error": st.LastError, "attempt_count": st.AttemptCount},
		})
		for _, id := range dependents(run.Stages, st.ID) {
			dep := run.Stages[id]
			if dep.Status == domain.StageQueued {
				dep.Status = domain.StageSkipped
				evts = append(evts, pendingEvent{
					Type: events.StageSkipped, EntityKind: "stage", EntityID: id, ActorID: "engine",
					Payload: events.EventPayload{"failed_dependency": st.ID},
				})
			}
		}
	}
	return e.persist(*run, evts)
}

// expandPhases inserts one phase_detail stage per plan phase and makes every
// stage that depended on the plan wait for all of them. Idempotent across
// resume: an already expanded graph is left alone.
func (e *Engine) expandPhases(run *domain.Run, planStage *domain.StageState) []pendingEvent {
	for _, st := range run.Stages {
		if st.Kind == domain.KindPhaseDetail {
			return nil
		}
	}
	if planStage.Artifact == nil || planStage.Artifact.Plan == nil {
		return nil
	}
	var phaseIDs []string
	for _, p := range planStage.Artifact.Plan.Phases {
		id := fmt.Sprintf("phase-%d", p.Number)
		run.Stages[id] = &domain.StageState{
			ID:        id,
			Kind:      domain.KindPhaseDetail,
			Provider:  planStage.Provider,
			Template:  domain.KindPhaseDetail,
			DependsOn: []string{planStage.ID},
			Status:    domain.StageQueued,
		}
		phaseIDs = append(phaseIDs, id)
	}
	sort.Strings(phaseIDs)
	for _, st := range run.Stages {
		if st.Kind == domain.KindPhaseDetail || st.ID == planStage.ID {
			continue
		}
		for _, dep := range st.DependsOn {
			if dep == planStage.ID {
				st.DependsOn = append(st.DependsOn, phaseIDs...)
				break
			}
		}
	}
	return []pendingEvent{{
		Type: events.StageRequeued, EntityKind: "run", EntityID: run.ID, ActorID: "engine",
		Payload: events.EventPayload{"expanded_phases": len(phaseIDs)},
	}}
}

// finalize settles the run status once the scheduler stops. A checkpoint
// store failure overrides everything else: the resume guarantee is broken, so
// the run is failed and the error returned for Wait to surface. The final
// write is best effort since the store may still be down.
func (e *Engine) finalize(run *domain.Run, stopReason string, storeErr error) error {
	now := e.nowRFC3339()
	run.UpdatedAt = now
	var evt pendingEvent
	if storeErr != nil {
		run.Status = domain.RunFailed
		run.LastError = "checkpoint write failed: " + storeErr.Error()
		evt = pendingEvent{Type: events.RunFailed, EntityKind: "run", EntityID: run.ID, ActorID: "engine",
			Payload: events.EventPayload{"error": run.LastError}}
		_ = e.persist(*run, []pendingEvent{evt})
		e.Hub.Drop(run.ID)
		return storeErr
	}
	switch stopReason {
	case "paused":
		run.Status = domain.RunPaused
		evt = pendingEvent{Type: events.RunPaused, EntityKind: "run", EntityID: run.ID, ActorID: "engine"}
	case "cancelled":
		run.Status = domain.RunCancelled
		evt = pendingEvent{Type: events.RunCancelled, EntityKind: "run", EntityID: run.ID, ActorID: "engine"}
	default:
		failed := ""
		done := true
		for _, id := range sortedStageIDs(run.Stages) {
			st := run.Stages[id]
			if st.Status == domain.StageFailed && failed == "" {
				failed = st.ID + ": " + st.LastError
			}
			if !domain.TerminalStage(st.Status) {
				done = false
			}
		}
		switch {
		case failed != "":
			run.Status = domain.RunFailed
			run.LastError = failed
			evt = pendingEvent{Type: events.RunFailed, EntityKind: "run", EntityID: run.ID, ActorID: "engine",
				Payload: events.EventPayload{"error": failed}}
		case done:
			run.Status = domain.RunCompleted
			evt = pendingEvent{Type: events.RunCompleted, EntityKind: "run", EntityID: run.ID, ActorID: "engine"}
		default:
			// Stopped with work remaining but no stop reason; treat as
			// paused so the run stays resumable.
			run.Status = domain.RunPaused
			evt = pendingEvent{Type: events.RunPaused, EntityKind: "run", EntityID: run.ID, ActorID: "engine"}
		}
	}
	err := e.persist(*run, []pendingEvent{evt})
	if domain.TerminalRun(run.Status) {
		e.Hub.Drop(run.ID)
	}
	return err
}

type pendingEvent struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    events.EventPayload
}

// checkpoint persists the snapshot and its events atomically.
func (e *Engine) checkpoint(ctx context.Context, run domain.Run, evts []pendingEvent) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveSnapshotTx(ctx, tx, run); err != nil {
		return err
	}
	for _, ev := range evts {
		if err := e.Events.Append(ctx, tx, ev.Type, run.ID, ev.EntityKind, ev.EntityID, ev.ActorID, ev.Payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// persist is the scheduler's checkpoint: it uses a background context so a
// cancelled run still persists its final state. A write failure means the
// store no longer reflects reality and the resume guarantee is void, so
// callers stop the run rather than press on.
func (e *Engine) persist(run domain.Run, evts []pendingEvent) error {
	return e.checkpoint(context.Background(), run, evts)
}

// nextReady picks the lowest stage ID whose dependencies are all complete.
func nextReady(run domain.Run) *domain.StageState {
	for _, id := range sortedStageIDs(run.Stages) {
		st := run.Stages[id]
		if st.Ready(run.Stages) {
			return st
		}
	}
	return nil
}

func sortedStageIDs(stages map[string]*domain.StageState) []string {
	ids := make([]string, 0, len(stages))
	for id := range stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func completedArtifacts(run domain.Run) map[string]*domain.Artifact {
	out := map[string]*domain.Artifact{}
	for id, st := range run.Stages {
		if st.Status == domain.StageCompleted && st.Artifact != nil {
			a := *st.Artifact
			out[id] = &a
		}
	}
	return out
}

// requeue puts a stage back in line for a fresh attempt. The attempt count is
// kept; the stale artifact is dropped so dependents render against the new
// output.
func requeue(st *domain.StageState) {
	st.Status = domain.StageQueued
	st.Artifact = nil
	st.Partial = false
	st.LastError = ""
}

// dependents returns all transitive downstream stage IDs of root.
func dependents(stages map[string]*domain.StageState, root string) []string {
	var out []string
	seen := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range sortedStageIDs(stages) {
			if seen[id] {
				continue
			}
			for _, dep := range stages[id].DependsOn {
				if dep == cur {
					seen[id] = true
					out = append(out, id)
					queue = append(queue, id)
					break
				}
			}
		}
	}
	return out
}
