package server

import (
	"encoding/json"
	"sort"

	"genline/internal/domain"
)

// Request payloads

type CreateRunRequest struct {
	Name         string   `json:"name"`
	Languages    []string `json:"languages,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Context      string   `json:"context,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type StageResponse struct {
	ID            string           `json:"id"`
	Kind          string           `json:"kind" enum:"design,plan,phase_detail,handoff"`
	Provider      string           `json:"provider"`
	DependsOn     []string         `json:"depends_on,omitempty"`
	Status        string           `json:"status" enum:"queued,running,completed,failed,skipped"`
	AttemptCount  int              `json:"attempt_count"`
	Artifact      *domain.Artifact `json:"artifact,omitempty"`
	Partial       bool             `json:"partial,omitempty"`
	LastAttemptAt string           `json:"last_attempt_at,omitempty" format:"date-time"`
	LastError     string           `json:"last_error,omitempty"`
}

type RunResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status" enum:"pending,running,paused,completed,failed,cancelled"`
	Brief     domain.Brief    `json:"brief"`
	Stages    []StageResponse `json:"stages,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func briefFromRequest(req CreateRunRequest) domain.Brief {
	return domain.Brief{
		Name:         req.Name,
		Languages:    req.Languages,
		Requirements: req.Requirements,
		Context:      req.Context,
	}
}

func runResponse(run domain.Run, withStages bool) RunResponse {
	out := RunResponse{
		ID:        run.ID,
		Status:    run.Status,
		Brief:     run.Brief,
		LastError: run.LastError,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if !withStages {
		return out
	}
	ids := make([]string, 0, len(run.Stages))
	for id := range run.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := run.Stages[id]
		out.Stages = append(out.Stages, StageResponse{
			ID:            st.ID,
			Kind:          st.Kind,
			Provider:      st.Provider,
			DependsOn:     st.DependsOn,
			Status:        st.Status,
			AttemptCount:  st.AttemptCount,
			Artifact:      st.Artifact,
			Partial:       st.Partial,
			LastAttemptAt: st.LastAttemptAt,
			LastError:     st.LastError,
		})
	}
	return out
}

func mapRuns(runs []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, runResponse(r, false))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(evts []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(evts))
	for _, e := range evts {
		out = append(out, eventResponse(e))
	}
	return out
}

func apiKeyResponse(k domain.APIKey, raw string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Key:       raw,
		CreatedAt: k.CreatedAt,
	}
}
