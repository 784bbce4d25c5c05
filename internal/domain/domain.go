package domain

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunPaused    = "paused"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Stage statuses.
const (
	StageQueued    = "queued"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// Stage kinds. Each kind maps to one artifact shape and one prompt template.
const (
	KindDesign      = "design"
	KindPlan        = "plan"
	KindPhaseDetail = "phase_detail"
	KindHandoff     = "handoff"
)

// Brief is the immutable user input a run is created from.
type Brief struct {
	Name         string   `json:"name"`
	Languages    []string `json:"languages,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Context      string   `json:"context,omitempty"`
}

// Run is one end-to-end pipeline execution. It doubles as the checkpoint
// snapshot: everything needed to resume is on the Run and its stages, nothing
// lives only in memory.
type Run struct {
	ID        string                 `json:"id"`
	Status    string                 `json:"status" enum:"pending,running,paused,completed,failed,cancelled"`
	Brief     Brief                  `json:"brief"`
	Stages    map[string]*StageState `json:"stages"`
	LastError string                 `json:"last_error,omitempty"`
	CreatedAt string                 `json:"created_at" format:"date-time"`
	UpdatedAt string                 `json:"updated_at" format:"date-time"`
}

// StageState is one node of a run's stage graph.
type StageState struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind" enum:"design,plan,phase_detail,handoff"`
	Provider      string    `json:"provider"`
	Template      string    `json:"template"`
	DependsOn     []string  `json:"depends_on,omitempty"`
	Status        string    `json:"status" enum:"queued,running,completed,failed,skipped"`
	AttemptCount  int       `json:"attempt_count"`
	Artifact      *Artifact `json:"artifact,omitempty"`
	RawOutput     string    `json:"raw_output,omitempty"`
	Partial       bool      `json:"partial,omitempty"`
	LastAttemptAt string    `json:"last_attempt_at,omitempty" format:"date-time"`
	LastError     string    `json:"last_error,omitempty"`
}

// Artifact is the structured output of a completed stage. Exactly one of the
// kind-specific fields is set, matching Kind; parsers enforce this.
type Artifact struct {
	Kind    string       `json:"kind" enum:"design,plan,phase_detail,handoff"`
	Design  *DesignDoc   `json:"design,omitempty"`
	Plan    *Plan        `json:"plan,omitempty"`
	Phase   *PhaseDetail `json:"phase,omitempty"`
	Handoff *Handoff     `json:"handoff,omitempty"`
}

type DesignDoc struct {
	Title    string    `json:"title"`
	Overview string    `json:"overview,omitempty"`
	Sections []Section `json:"sections"`
}

type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

type Plan struct {
	Summary string      `json:"summary,omitempty"`
	Phases  []PlanPhase `json:"phases"`
}

type PlanPhase struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
	Goal   string `json:"goal,omitempty"`
}

type PhaseDetail struct {
	Phase int      `json:"phase"`
	Name  string   `json:"name,omitempty"`
	Steps []string `json:"steps"`
}

type Handoff struct {
	Summary string   `json:"summary"`
	Notes   []string `json:"notes,omitempty"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates callers of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TerminalRun reports whether a run status is terminal.
func TerminalRun(status string) bool {
	return status == RunCompleted || status == RunFailed || status == RunCancelled
}

// TerminalStage reports whether a stage status is terminal.
func TerminalStage(status string) bool {
	return status == StageCompleted || status == StageFailed || status == StageSkipped
}

// Ready reports whether a stage is eligible to run: it is queued and every
// dependency is completed. Eligibility is computed, never stored.
func (s *StageState) Ready(stages map[string]*StageState) bool {
	if s.Status != StageQueued {
		return false
	}
	for _, dep := range s.DependsOn {
		d, ok := stages[dep]
		if !ok || d.Status != StageCompleted {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the run so callers can hand snapshots across
// goroutines without sharing stage pointers.
func (r Run) Clone() Run {
	out := r
	out.Stages = make(map[string]*StageState, len(r.Stages))
	for id, st := range r.Stages {
		c := *st
		c.DependsOn = append([]string(nil), st.DependsOn...)
		if st.Artifact != nil {
			a := *st.Artifact
			c.Artifact = &a
		}
		out.Stages[id] = &c
	}
	return out
}
