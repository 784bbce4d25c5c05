package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"genline/internal/db"
	"genline/internal/domain"
	"genline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return Repo{DB: conn}
}

func sampleRun(id string) domain.Run {
	now := time.Now().UTC().Format(time.RFC3339)
	return domain.Run{
		ID: id, Status: domain.RunRunning, Brief: domain.Brief{Name: "demo"},
		CreatedAt: now, UpdatedAt: now,
		Stages: map[string]*domain.StageState{
			"design": {ID: "design", Kind: "design", Provider: "default", Template: "design",
				Status: domain.StageQueued},
			"plan": {ID: "plan", Kind: "plan", Provider: "default", Template: "plan",
				DependsOn: []string{"design"}, Status: domain.StageQueued},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	if err := r.SaveSnapshot(context.Background(), sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetSnapshot(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(got.Stages))
	}
	if deps := got.Stages["plan"].DependsOn; len(deps) != 1 || deps[0] != "design" {
		t.Fatalf("plan deps = %v", deps)
	}
}

func TestDeleteRunCascadesStages(t *testing.T) {
	r := newTestRepo(t)
	if err := r.SaveSnapshot(context.Background(), sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteRun(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetSnapshot(context.Background(), "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var stages int
	if err := r.DB.QueryRow(`SELECT COUNT(*) FROM run_stages WHERE run_id='run-1'`).Scan(&stages); err != nil {
		t.Fatal(err)
	}
	if stages != 0 {
		t.Fatalf("orphaned stage rows = %d", stages)
	}
}

func TestDeleteRunMissing(t *testing.T) {
	r := newTestRepo(t)
	if err := r.DeleteRun(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
