package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genline/internal/config"
	"genline/internal/db"
	"genline/internal/domain"
	"genline/internal/events"
	"genline/internal/llm"
	"genline/internal/migrate"
	"genline/internal/ratelimit"
	"genline/internal/repo"
	"genline/internal/stream"
	"genline/internal/template"
)

const (
	goodDesign = "# Test Design\n\nOverview text.\n\n## Architecture\nOne box.\n"
	goodPlan   = "Two phases.\n\n## Phase 1: Skeleton\nStand up repo.\n\n## Phase 2: Core\nBuild it.\n"
	goodPhase  = "# Phase 1: Skeleton\n\n- do the thing\n"
	goodHand   = "All artifacts ready.\n\n- start with phase 1\n"
)

func testConfig(stages []config.StageConfig, expand bool) *config.Config {
	cfg := &config.Config{}
	cfg.Engine.Concurrency = 3
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.ValidationAttempts = 2
	cfg.Retry.BaseDelayMS = 1
	cfg.Retry.MaxDelayMS = 5
	cfg.Pipeline.Stages = stages
	cfg.Pipeline.ExpandPhases = expand
	cfg.Providers = map[string]config.Provider{"default": {Kind: "scripted"}}
	return cfg
}

func chainStages() []config.StageConfig {
	return []config.StageConfig{
		{ID: "design", Kind: "design"},
		{ID: "plan", Kind: "plan", DependsOn: []string{"design"}},
		{ID: "handoff", Kind: "handoff", DependsOn: []string{"plan"}},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, clients map[string]llm.Client) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	renderer, err := template.NewEmbedded()
	if err != nil {
		t.Fatal(err)
	}
	return &Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Config:   cfg,
		Clients:  clients,
		Renderer: renderer,
		Limiter:  ratelimit.New(nil),
		Hub:      stream.NewHub(),
		Now:      time.Now,
	}
}

func scripted(responses ...string) map[string]llm.Client {
	return map[string]llm.Client{"default": llm.NewScripted(responses)}
}

func TestRunCompletesChain(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false), scripted(goodDesign, goodPlan, goodHand))
	run, err := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait(run.ID)

	got, err := eng.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted {
		t.Fatalf("run status = %s, last_error = %s", got.Status, got.LastError)
	}
	for id, st := range got.Stages {
		if st.Status != domain.StageCompleted {
			t.Errorf("stage %s = %s (%s)", id, st.Status, st.LastError)
		}
		if st.Artifact == nil {
			t.Errorf("stage %s has no artifact", id)
		}
		if st.AttemptCount != 1 {
			t.Errorf("stage %s attempts = %d, want 1", id, st.AttemptCount)
		}
	}
	if got.Stages["design"].Artifact.Design.Title != "Test Design" {
		t.Fatalf("design artifact = %+v", got.Stages["design"].Artifact)
	}
}

func TestPhaseExpansion(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), true),
		scripted(goodDesign, goodPlan, goodPhase, "# Phase 2: Core\n\n- build\n", goodHand))
	run, err := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}
	if len(got.Stages) != 5 {
		t.Fatalf("stage count = %d, want 5", len(got.Stages))
	}
	for _, id := range []string{"phase-1", "phase-2"} {
		st, ok := got.Stages[id]
		if !ok {
			t.Fatalf("missing expanded stage %s", id)
		}
		if st.Kind != domain.KindPhaseDetail || st.Status != domain.StageCompleted {
			t.Fatalf("stage %s = %+v", id, st)
		}
	}
	deps := got.Stages["handoff"].DependsOn
	want := map[string]bool{"plan": true, "phase-1": true, "phase-2": true}
	for _, d := range deps {
		delete(want, d)
	}
	if len(want) != 0 {
		t.Fatalf("handoff deps = %v, missing %v", deps, want)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false),
		scripted("!transient flaky upstream", goodDesign, goodPlan, goodHand))
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}
	if got.Stages["design"].AttemptCount != 2 {
		t.Fatalf("design attempts = %d, want 2", got.Stages["design"].AttemptCount)
	}
	if got.Stages["plan"].AttemptCount != 1 {
		t.Fatalf("plan attempts = %d, want 1", got.Stages["plan"].AttemptCount)
	}
}

func TestValidationFailureBudgetAndSkips(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false), scripted("garbage with no headings"))
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunFailed {
		t.Fatalf("run = %s", got.Status)
	}
	design := got.Stages["design"]
	if design.Status != domain.StageFailed {
		t.Fatalf("design = %s", design.Status)
	}
	if design.AttemptCount != 2 {
		t.Fatalf("design attempts = %d, want validation budget 2", design.AttemptCount)
	}
	if !design.Partial {
		t.Fatal("raw output arrived, stage should be marked partial")
	}
	for _, id := range []string{"plan", "handoff"} {
		if got.Stages[id].Status != domain.StageSkipped {
			t.Fatalf("stage %s = %s, want skipped", id, got.Stages[id].Status)
		}
	}

	evts, err := eng.Repo.LatestEvents(context.Background(), 50, run.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]int{}
	for _, e := range evts {
		types[e.Type]++
	}
	if types[events.StageFailed] != 1 || types[events.StageSkipped] != 2 || types[events.RunFailed] != 1 {
		t.Fatalf("event counts = %v", types)
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false), scripted("!permanent bad credentials"))
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Stages["design"].AttemptCount != 1 {
		t.Fatalf("attempts = %d, want 1", got.Stages["design"].AttemptCount)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("run = %s", got.Status)
	}
}

type gauge struct {
	mu       sync.Mutex
	cur, max int
}

func (g *gauge) enter() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.max {
		g.max = g.cur
	}
	g.mu.Unlock()
}

func (g *gauge) exit() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

type gaugedClient struct {
	g   *gauge
	out string
}

func (c *gaugedClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *gaugedClient) GenerateStream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	c.g.enter()
	defer c.g.exit()
	time.Sleep(20 * time.Millisecond)
	return c.out, nil
}

func TestConcurrencyCap(t *testing.T) {
	var stages []config.StageConfig
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		stages = append(stages, config.StageConfig{ID: id, Kind: "design"})
	}
	cfg := testConfig(stages, false)
	cfg.Engine.Concurrency = 3
	g := &gauge{}
	eng := newTestEngine(t, cfg, map[string]llm.Client{"default": &gaugedClient{g: g, out: goodDesign}})

	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}
	if g.max > 3 {
		t.Fatalf("max concurrent = %d, cap is 3", g.max)
	}
	if g.max < 2 {
		t.Fatalf("max concurrent = %d, independent stages should overlap", g.max)
	}
}

type countingClient struct {
	calls atomic.Int32
	out   string
}

func (c *countingClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *countingClient) GenerateStream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	c.calls.Add(1)
	return c.out, nil
}

func TestResumeAfterCrashPreservesCompletedWork(t *testing.T) {
	cfg := testConfig([]config.StageConfig{
		{ID: "design", Kind: "design"},
		{ID: "handoff", Kind: "handoff", DependsOn: []string{"design"}},
	}, false)
	client := &countingClient{out: goodHand}
	eng := newTestEngine(t, cfg, map[string]llm.Client{"default": client})

	// Snapshot as a crash would leave it: design done, handoff was mid-attempt.
	designArt := &domain.Artifact{Kind: domain.KindDesign, Design: &domain.DesignDoc{
		Title: "T", Sections: []domain.Section{{Heading: "S", Body: "b"}},
	}}
	now := time.Now().UTC().Format(time.RFC3339)
	crashed := domain.Run{
		ID: "run-crashed", Status: domain.RunRunning, Brief: domain.Brief{Name: "demo"},
		CreatedAt: now, UpdatedAt: now,
		Stages: map[string]*domain.StageState{
			"design": {ID: "design", Kind: "design", Provider: "default", Template: "design",
				Status: domain.StageCompleted, AttemptCount: 1, Artifact: designArt},
			"handoff": {ID: "handoff", Kind: "handoff", Provider: "default", Template: "handoff",
				DependsOn: []string{"design"}, Status: domain.StageRunning, AttemptCount: 2},
		},
	}
	if err := eng.Repo.SaveSnapshot(context.Background(), crashed); err != nil {
		t.Fatal(err)
	}

	run, err := eng.ResumeRun(context.Background(), "run-crashed", "test")
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}
	if n := client.calls.Load(); n != 1 {
		t.Fatalf("provider calls = %d, completed stage must not re-run", n)
	}
	if got.Stages["handoff"].AttemptCount != 3 {
		t.Fatalf("handoff attempts = %d, want prior 2 + 1", got.Stages["handoff"].AttemptCount)
	}
	if got.Stages["design"].AttemptCount != 1 {
		t.Fatalf("design attempts = %d, want unchanged 1", got.Stages["design"].AttemptCount)
	}
}

func TestResumeTerminalRunRejected(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false), scripted(goodDesign, goodPlan, goodHand))
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)
	if _, err := eng.ResumeRun(context.Background(), run.ID, "test"); !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("err = %v, want ErrRunTerminal", err)
	}
}

type blockingClient struct {
	started chan struct{}
	once    sync.Once
	calls   atomic.Int32
	out     string
}

func (c *blockingClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *blockingClient) GenerateStream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	if c.calls.Add(1) == 1 {
		if onChunk != nil {
			onChunk("partial out")
		}
		c.once.Do(func() { close(c.started) })
		<-ctx.Done()
		return "partial out", ctx.Err()
	}
	return c.out, nil
}

func TestPauseMidFlightThenResume(t *testing.T) {
	client := &blockingClient{started: make(chan struct{}), out: goodDesign}
	cfg := testConfig([]config.StageConfig{{ID: "design", Kind: "design"}}, false)
	eng := newTestEngine(t, cfg, map[string]llm.Client{"default": client})

	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	<-client.started
	if err := eng.PauseRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunPaused {
		t.Fatalf("run = %s", got.Status)
	}
	st := got.Stages["design"]
	if st.Status != domain.StageQueued {
		t.Fatalf("stage = %s, want queued", st.Status)
	}
	if st.AttemptCount != 0 {
		t.Fatalf("aborted attempt counted: %d", st.AttemptCount)
	}
	if !st.Partial || st.RawOutput != "partial out" {
		t.Fatalf("partial output lost: partial=%v raw=%q", st.Partial, st.RawOutput)
	}

	resumed, err := eng.ResumeRun(context.Background(), run.ID, "test")
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait(resumed.ID)
	got, _ = eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}
}

func TestCancelMidFlight(t *testing.T) {
	client := &blockingClient{started: make(chan struct{})}
	cfg := testConfig([]config.StageConfig{{ID: "design", Kind: "design"}}, false)
	eng := newTestEngine(t, cfg, map[string]llm.Client{"default": client})

	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	<-client.started
	if err := eng.CancelRun(context.Background(), run.ID, "test"); err != nil {
		t.Fatal(err)
	}

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCancelled {
		t.Fatalf("run = %s", got.Status)
	}
	if _, err := eng.ResumeRun(context.Background(), run.ID, "test"); !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("cancelled run resumed: %v", err)
	}
}

func TestRetryStageRequeuesSkippedDownstream(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false), scripted("!permanent down"))
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunFailed {
		t.Fatalf("run = %s", got.Status)
	}

	// Swap the provider for one that now works, then retry the failed stage.
	eng.Clients = scripted(goodDesign, goodPlan, goodHand)
	resumed, err := eng.RetryStage(context.Background(), run.ID, "design", "test")
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait(resumed.ID)

	got, _ = eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}
	if got.Stages["design"].AttemptCount != 2 {
		t.Fatalf("design attempts = %d, want 2", got.Stages["design"].AttemptCount)
	}
}

func TestRetryCompletedStageRebuildsDownstream(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false), scripted(goodDesign, goodPlan, goodHand))
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}

	// Regenerate the design; plan and handoff must be rebuilt from it.
	eng.Clients = scripted(goodDesign, goodPlan, goodHand)
	resumed, err := eng.RetryStage(context.Background(), run.ID, "design", "test")
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait(resumed.ID)

	got, _ = eng.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.LastError)
	}
	for _, id := range []string{"design", "plan", "handoff"} {
		st := got.Stages[id]
		if st.Status != domain.StageCompleted || st.Artifact == nil {
			t.Fatalf("stage %s = %+v", id, st)
		}
		if st.AttemptCount != 2 {
			t.Fatalf("stage %s attempts = %d, want prior 1 + regenerated 1", id, st.AttemptCount)
		}
	}
}

func TestRetryStageRejectsSkipped(t *testing.T) {
	eng := newTestEngine(t, testConfig(chainStages(), false), scripted("!permanent down"))
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	got, _ := eng.GetRun(context.Background(), run.ID)
	if got.Stages["plan"].Status != domain.StageSkipped {
		t.Fatalf("plan = %s, want skipped", got.Stages["plan"].Status)
	}
	if _, err := eng.RetryStage(context.Background(), run.ID, "plan", "test"); err == nil {
		t.Fatal("expected error retrying a skipped stage")
	}
}

type gatedClient struct {
	attached chan struct{}
	out      string
}

func (c *gatedClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *gatedClient) GenerateStream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	select {
	case <-c.attached:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if onChunk != nil {
		onChunk("# Test Design\n")
		onChunk("\n## Architecture\nOne box.\n")
	}
	return c.out, nil
}

func TestSubscribeStreamsStageOutput(t *testing.T) {
	client := &gatedClient{attached: make(chan struct{}), out: goodDesign}
	eng := newTestEngine(t, testConfig([]config.StageConfig{{ID: "design", Kind: "design"}}, false),
		map[string]llm.Client{"default": client})
	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	ch, cancel := eng.Subscribe(run.ID, "design")
	defer cancel()
	close(client.attached)
	eng.Wait(run.ID)

	var text string
	sawFinal := false
	for c := range ch {
		text += c.Text
		if c.Final {
			sawFinal = true
			if c.Failed {
				t.Fatalf("stream failed: %s", c.Error)
			}
		}
	}
	if !sawFinal {
		t.Fatal("no final chunk")
	}
	if text != "# Test Design\n\n## Architecture\nOne box.\n" {
		t.Fatalf("streamed text = %q", text)
	}
}

type optionsRecorder struct {
	mu   sync.Mutex
	last llm.Options
	out  string
}

func (c *optionsRecorder) Generate(ctx context.Context, req llm.Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *optionsRecorder) GenerateStream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	c.mu.Lock()
	c.last = req.Options
	c.mu.Unlock()
	return c.out, nil
}

func TestProviderOptionsReachClient(t *testing.T) {
	cfg := testConfig([]config.StageConfig{{ID: "design", Kind: "design"}}, false)
	cfg.Providers = map[string]config.Provider{"default": {
		Kind: "scripted", Model: "gen-large", Temperature: 0.2, MaxTokens: 512,
	}}
	client := &optionsRecorder{out: goodDesign}
	eng := newTestEngine(t, cfg, map[string]llm.Client{"default": client})

	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	eng.Wait(run.ID)

	client.mu.Lock()
	got := client.last
	client.mu.Unlock()
	if got.Model != "gen-large" || got.MaxTokens != 512 || got.Temperature != 0.2 {
		t.Fatalf("options seen by client = %+v", got)
	}
}

type failThenBlockClient struct {
	started chan struct{}
	calls   atomic.Int32
}

func (c *failThenBlockClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *failThenBlockClient) GenerateStream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	if c.calls.Add(1) == 1 {
		return "", &llm.ProviderError{Kind: llm.Transient, Msg: "flaky upstream"}
	}
	close(c.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestPauseKeepsEarlierFailedAttempts(t *testing.T) {
	client := &failThenBlockClient{started: make(chan struct{})}
	cfg := testConfig([]config.StageConfig{{ID: "design", Kind: "design"}}, false)
	eng := newTestEngine(t, cfg, map[string]llm.Client{"default": client})

	run, _ := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	<-client.started
	if err := eng.PauseRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := eng.GetRun(context.Background(), run.ID)
	st := got.Stages["design"]
	if st.Status != domain.StageQueued {
		t.Fatalf("stage = %s, want queued", st.Status)
	}
	if st.AttemptCount != 1 {
		t.Fatalf("attempts = %d, want the real failed attempt kept and the aborted one dropped", st.AttemptCount)
	}
}

type gatedCountingClient struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	out     string
}

func (c *gatedCountingClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *gatedCountingClient) GenerateStream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	if c.calls.Add(1) == 1 {
		close(c.started)
		select {
		case <-c.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.out, nil
}

func TestCheckpointFailureFailsRunLoudly(t *testing.T) {
	client := &gatedCountingClient{started: make(chan struct{}), release: make(chan struct{}), out: goodDesign}
	cfg := testConfig([]config.StageConfig{
		{ID: "design", Kind: "design"},
		{ID: "plan", Kind: "plan", DependsOn: []string{"design"}},
	}, false)
	eng := newTestEngine(t, cfg, map[string]llm.Client{"default": client})

	run, err := eng.StartRun(context.Background(), domain.Brief{Name: "demo"}, "test")
	if err != nil {
		t.Fatal(err)
	}
	<-client.started

	// Break the store under the scheduler: every checkpoint tx now fails.
	if _, err := eng.DB.Exec(`ALTER TABLE events RENAME TO events_offline`); err != nil {
		t.Fatal(err)
	}
	close(client.release)

	if err := eng.Wait(run.ID); err == nil {
		t.Fatal("checkpoint store failure was swallowed, Wait returned nil")
	}
	if n := client.calls.Load(); n != 1 {
		t.Fatalf("provider calls = %d, scheduler kept dispatching on a broken store", n)
	}
}
