package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"genline/internal/domain"
)

// Repo is the durable checkpoint store. One snapshot per run: the runs row
// plus its run_stages rows, always written together in one transaction so a
// reader never observes a half-written snapshot.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// SaveSnapshot atomically replaces the persisted snapshot for run.ID.
// Concurrent saves for different run IDs do not interfere.
func (r Repo) SaveSnapshot(ctx context.Context, run domain.Run) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.SaveSnapshotTx(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSnapshotTx writes the snapshot inside the caller's transaction, letting
// the engine commit a checkpoint together with its audit events.
func (r Repo) SaveSnapshotTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	brief, err := json.Marshal(run.Brief)
	if err != nil {
		return fmt.Errorf("marshal brief: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,status,brief_json,last_error,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		run.ID, run.Status, string(brief), nullable(run.LastError), run.CreatedAt, run.UpdatedAt); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	for _, st := range run.Stages {
		if err := upsertStage(ctx, tx, run.ID, st); err != nil {
			return fmt.Errorf("upsert stage %s: %w", st.ID, err)
		}
	}
	return nil
}

func upsertStage(ctx context.Context, tx *sql.Tx, runID string, st *domain.StageState) error {
	deps, err := marshalStringSlice(st.DependsOn)
	if err != nil {
		return err
	}
	var artifact *string
	if st.Artifact != nil {
		data, err := json.Marshal(st.Artifact)
		if err != nil {
			return fmt.Errorf("marshal artifact: %w", err)
		}
		s := string(data)
		artifact = &s
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_stages(run_id,stage_id,kind,provider,template,depends_on_json,status,attempt_count,artifact_json,raw_output,partial,last_attempt_at,last_error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id,stage_id) DO UPDATE SET
  depends_on_json=excluded.depends_on_json,
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  artifact_json=excluded.artifact_json,
  raw_output=excluded.raw_output,
  partial=excluded.partial,
  last_attempt_at=excluded.last_attempt_at,
  last_error=excluded.last_error`,
		runID, st.ID, st.Kind, st.Provider, st.Template, nullableStringPtr(deps), st.Status, st.AttemptCount,
		nullableStringPtr(artifact), nullable(st.RawOutput), boolInt(st.Partial), nullable(st.LastAttemptAt), nullable(st.LastError))
	return err
}

// GetSnapshot loads the full persisted snapshot for a run.
func (r Repo) GetSnapshot(ctx context.Context, runID string) (domain.Run, error) {
	var run domain.Run
	var brief string
	var lastError sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,status,brief_json,last_error,created_at,updated_at FROM runs WHERE id=?`, runID).
		Scan(&run.ID, &run.Status, &brief, &lastError, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(brief), &run.Brief); err != nil {
		return run, fmt.Errorf("decode brief: %w", err)
	}
	if lastError.Valid {
		run.LastError = lastError.String
	}
	run.Stages, err = r.loadStages(ctx, runID)
	return run, err
}

func (r Repo) loadStages(ctx context.Context, runID string) (map[string]*domain.StageState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_id,kind,provider,template,depends_on_json,status,attempt_count,artifact_json,raw_output,partial,last_attempt_at,last_error
FROM run_stages WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stages := map[string]*domain.StageState{}
	for rows.Next() {
		var st domain.StageState
		var deps, artifact, raw, lastAttempt, lastError sql.NullString
		var partial int
		if err := rows.Scan(&st.ID, &st.Kind, &st.Provider, &st.Template, &deps, &st.Status, &st.AttemptCount,
			&artifact, &raw, &partial, &lastAttempt, &lastError); err != nil {
			return nil, err
		}
		if deps.Valid {
			if err := json.Unmarshal([]byte(deps.String), &st.DependsOn); err != nil {
				return nil, fmt.Errorf("decode deps for %s: %w", st.ID, err)
			}
		}
		if artifact.Valid {
			var a domain.Artifact
			if err := json.Unmarshal([]byte(artifact.String), &a); err != nil {
				return nil, fmt.Errorf("decode artifact for %s: %w", st.ID, err)
			}
			st.Artifact = &a
		}
		if raw.Valid {
			st.RawOutput = raw.String
		}
		st.Partial = partial != 0
		if lastAttempt.Valid {
			st.LastAttemptAt = lastAttempt.String
		}
		if lastError.Valid {
			st.LastError = lastError.String
		}
		stages[st.ID] = &st
	}
	return stages, rows.Err()
}

// RunFilters narrow ListRuns output.
type RunFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListRuns returns run headers (no stage rows) newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,status,brief_json,last_error,created_at,updated_at FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var brief string
		var lastError sql.NullString
		if err := rows.Scan(&run.ID, &run.Status, &brief, &lastError, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(brief), &run.Brief); err != nil {
			return nil, fmt.Errorf("decode brief: %w", err)
		}
		if lastError.Valid {
			run.LastError = lastError.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// DeleteRun removes a run; its stage rows go with it via the schema's
// ON DELETE CASCADE. Retention is the caller's policy; the engine itself
// never calls this.
func (r Repo) DeleteRun(ctx context.Context, runID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns events newest first with optional filters.
func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for webhook delivery and log tailing.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args)
}

// LatestEventID returns the most recent event ID, optionally scoped to a run.
func (r Repo) LatestEventID(ctx context.Context, runID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) scanEvents(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
