package repo_test

import (
	"context"
	"errors"
	"testing"

	"reportflow/internal/db"
	"reportflow/internal/domain"
	"reportflow/internal/engine/approval"
	"reportflow/internal/migrate"
	"reportflow/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.UpsertActor(ctx, nil, domain.Actor{ID: "alice", Role: approval.RoleSubmitter, CreatedAt: ts}); err != nil {
		t.Fatalf("upsert actor: %v", err)
	}
	if err := r.UpsertActor(ctx, nil, domain.Actor{ID: "adm", Role: approval.RoleAdmin, CreatedAt: ts}); err != nil {
		t.Fatalf("upsert actor: %v", err)
	}
	return r, ctx
}

func insertArtifact(t *testing.T, r repo.Repo, ctx context.Context, id string, status approval.State) domain.Artifact {
	t.Helper()
	a := domain.Artifact{
		ID:             id,
		Kind:           domain.KindProject,
		Title:          "t",
		CreatorID:      "alice",
		ApprovalStatus: status,
		Version:        1,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := r.InsertArtifact(ctx, nil, a); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	return a
}

func TestCompareAndSetStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertArtifact(t, r, ctx, "a1", approval.AdminReviewing)

	upd := repo.StatusUpdate{
		ID: "a1", FromStatus: approval.AdminReviewing, FromVersion: 1,
		ToStatus: approval.AdminApproved, Stage: approval.StageAdmin, ReviewerID: "adm", At: ts,
	}
	ok, err := r.CompareAndSetStatus(ctx, nil, upd)
	if err != nil || !ok {
		t.Fatalf("first write: ok=%v err=%v", ok, err)
	}
	// Same precondition again: the row moved on, nothing is written.
	upd.ToStatus = approval.AdminRejected
	reason := "late"
	upd.RejectionReason = &reason
	ok, err = r.CompareAndSetStatus(ctx, nil, upd)
	if err != nil || ok {
		t.Fatalf("stale write: ok=%v err=%v", ok, err)
	}

	a, err := r.GetArtifact(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ApprovalStatus != approval.AdminApproved || a.Version != 2 || a.RejectionReason != nil {
		t.Fatalf("unexpected artifact after race: %+v", a)
	}
	if a.AdminReviewerID == nil || *a.AdminReviewerID != "adm" {
		t.Fatalf("expected admin reviewer recorded, got %+v", a.AdminReviewerID)
	}
}

func TestRejectionReasonCheck(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertArtifact(t, r, ctx, "a1", approval.AIAnalyzing)
	_, err := r.CompareAndSetStatus(ctx, nil, repo.StatusUpdate{
		ID: "a1", FromStatus: approval.AIAnalyzing, FromVersion: 1, ToStatus: approval.AIRejected, At: ts,
	})
	var pe *repo.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error for rejection without reason, got %v", err)
	}
}

func TestOneInFlightAnalysisPerArtifact(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertArtifact(t, r, ctx, "a1", approval.Submitted)
	first := domain.AnalysisRecord{ID: "r1", ArtifactID: "a1", Status: domain.AnalysisPending, CreatedAt: ts}
	if err := r.InsertAnalysisRecord(ctx, nil, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second := domain.AnalysisRecord{ID: "r2", ArtifactID: "a1", Status: domain.AnalysisPending, CreatedAt: ts}
	if err := r.InsertAnalysisRecord(ctx, nil, second); err == nil {
		t.Fatalf("expected second in-flight record to be refused")
	}
	if rec, err := r.InFlightAnalysis(ctx, nil, "a1"); err != nil || rec.ID != "r1" {
		t.Fatalf("in flight: %+v %v", rec, err)
	}

	done := ts
	first.Status = domain.AnalysisCompleted
	first.ResultText = "fine"
	first.CompletedAt = &done
	if err := r.FinishAnalysisRecord(ctx, nil, first); err != nil {
		t.Fatalf("finish: %v", err)
	}
	first.ResultText = "rewritten"
	if err := r.FinishAnalysisRecord(ctx, nil, first); !errors.Is(err, repo.ErrRecordTerminal) {
		t.Fatalf("expected terminal record to be immutable, got %v", err)
	}
	if err := r.InsertAnalysisRecord(ctx, nil, second); err != nil {
		t.Fatalf("insert after finish: %v", err)
	}
	if _, err := r.InFlightAnalysis(ctx, nil, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	r, ctx := newTestRepo(t)
	key := domain.APIKey{ID: "k1", ActorID: "alice", Name: "ci", KeyHash: repo.HashAPIKey("secret"), CreatedAt: ts}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "alice" {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestListArtifactsFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertArtifact(t, r, ctx, "a1", approval.AdminReviewing)
	insertArtifact(t, r, ctx, "a2", approval.Draft)
	insertArtifact(t, r, ctx, "a3", approval.AdminReviewing)

	got, err := r.ListArtifacts(ctx, repo.ArtifactFilters{Status: string(approval.AdminReviewing)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts in review, got %d", len(got))
	}
	for _, a := range got {
		if a.ApprovalStatus != approval.AdminReviewing {
			t.Fatalf("filter leaked %s in %s", a.ID, a.ApprovalStatus)
		}
	}
	got, err = r.ListArtifacts(ctx, repo.ArtifactFilters{CreatorID: "adm"})
	if err != nil || len(got) != 0 {
		t.Fatalf("creator filter: %d %v", len(got), err)
	}
	got, err = r.ListArtifacts(ctx, repo.ArtifactFilters{Limit: 1})
	if err != nil || len(got) != 1 {
		t.Fatalf("limit: %d %v", len(got), err)
	}
}
