package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reportflow/internal/config"
	"reportflow/internal/db"
	"reportflow/internal/domain"
	"reportflow/internal/engine"
	"reportflow/internal/engine/approval"
	"reportflow/internal/engine/auth"
	"reportflow/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// directLauncher moves the artifact into AI_ANALYZING synchronously and
// never runs a provider.
type directLauncher struct {
	eng   engine.Engine
	calls int
}

func (l *directLauncher) Launch(ctx context.Context, artifactID string, actor approval.Actor) (domain.JobHandle, error) {
	l.calls++
	a, err := l.eng.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.JobHandle{}, err
	}
	req := engine.TransitionRequest{ArtifactID: artifactID, Target: approval.AIAnalyzing, Trigger: approval.TriggerAnalysisStart, Actor: approval.SystemActor}
	if a.ApprovalStatus == approval.AIRejected {
		req.Trigger = approval.TriggerResubmit
		req.Actor = actor
	}
	if _, err := l.eng.Transition(ctx, req); err != nil {
		return domain.JobHandle{}, err
	}
	done := make(chan struct{})
	close(done)
	return domain.JobHandle{ArtifactID: artifactID, Done: done}, nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	l := &directLauncher{}
	eng.Analyzer = l
	l.eng = eng
	ctx := context.Background()
	for id, role := range map[string]string{
		"alice": "submitter",
		"bob":   "submitter",
		"mgr":   "manager",
		"adm":   "admin",
		"adm2":  "admin",
		"sup":   "super_admin",
	} {
		if _, err := eng.RegisterActor(ctx, id, role, "", ""); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T) domain.Artifact {
	t.Helper()
	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{Title: "Q3 roadmap", Content: "plan", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	return a
}

// analyzing creates an artifact and submits it into AI_ANALYZING.
func (env testEnv) analyzing(t *testing.T) domain.Artifact {
	t.Helper()
	a := env.create(t)
	res, err := env.Engine.SubmitArtifact(env.Ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Artifact.ApprovalStatus != approval.AIAnalyzing {
		t.Fatalf("expected AI_ANALYZING, got %s", res.Artifact.ApprovalStatus)
	}
	return res.Artifact
}

func (env testEnv) aiDecision(t *testing.T, id string, trig approval.Trigger, reason string) domain.Artifact {
	t.Helper()
	a, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ArtifactID: id,
		Expected:   []approval.State{approval.AIAnalyzing},
		Trigger:    trig,
		Actor:      approval.AIActor,
		Reason:     reason,
		AnalysisID: "rec-1",
	})
	if err != nil {
		t.Fatalf("ai %s: %v", trig, err)
	}
	return a
}

func (env testEnv) reviewing(t *testing.T) domain.Artifact {
	t.Helper()
	a := env.analyzing(t)
	return env.aiDecision(t, a.ID, approval.TriggerAnalysisPass, "")
}

func TestSubmitMovesDraftIntoAnalysis(t *testing.T) {
	env := newTestEnv(t)
	a := env.analyzing(t)
	if a.Version != 3 {
		t.Fatalf("expected version 3 after two transitions, got %d", a.Version)
	}
	evts, err := env.Engine.ArtifactHistory(env.Ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected created + 2 transition events, got %d", len(evts))
	}
}

func TestSubmitRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t)
	_, err := env.Engine.SubmitArtifact(env.Ctx, a.ID, "bob")
	if !approval.IsKind(err, approval.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	got, _ := env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	if got.ApprovalStatus != approval.Draft {
		t.Fatalf("status changed to %s", got.ApprovalStatus)
	}
}

func TestTransitionStaleWhenStateMovedOn(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ArtifactID: a.ID,
		Expected:   []approval.State{approval.AIAnalyzing},
		Trigger:    approval.TriggerAnalysisPass,
		Actor:      approval.AIActor,
	})
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
	got, _ := env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	if got.ApprovalStatus != approval.Draft || got.Version != a.Version {
		t.Fatalf("artifact changed: %s v%d", got.ApprovalStatus, got.Version)
	}
}

func TestTransitionTargetMismatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ArtifactID: a.ID,
		Trigger:    approval.TriggerSubmit,
		Target:     approval.AIAnalyzing,
		Actor:      approval.Actor{ID: "alice", Role: approval.RoleSubmitter},
	})
	if !approval.IsKind(err, approval.InvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestConcurrentReviewersOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewing(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	decisions := []engine.ReviewOptions{
		{ArtifactID: a.ID, ActorID: "adm", Approve: true},
		{ArtifactID: a.ID, ActorID: "adm2", Approve: false, Comment: "numbers do not add up"},
	}
	for i := range decisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Review(env.Ctx, decisions[i])
		}(i)
	}
	wg.Wait()

	wins, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrStaleTransition):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Fatalf("expected one winner and one stale, got wins=%d stale=%d", wins, stale)
	}
	got, _ := env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	switch got.ApprovalStatus {
	case approval.SuperAdminReviewing:
		if got.RejectionReason != nil {
			t.Fatalf("approved artifact carries reason %q", *got.RejectionReason)
		}
	case approval.AdminRejected:
		if got.RejectionReason == nil || *got.RejectionReason != "numbers do not add up" {
			t.Fatalf("unexpected reason %v", got.RejectionReason)
		}
	default:
		t.Fatalf("unexpected final status %s", got.ApprovalStatus)
	}
}

func TestConcurrentAIAndHumanTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := env.analyzing(t)
	// Move the artifact on behind the AI's back, the way a force-submit
	// after a timeout would.
	env.aiDecision(t, a.ID, approval.TriggerAnalysisReject, "analysis failed: timeout")
	if _, err := env.Engine.ForceSubmit(env.Ctx, a.ID, "alice"); err != nil {
		t.Fatalf("force submit: %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "adm", Approve: true}); err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ArtifactID: a.ID,
		Expected:   []approval.State{approval.AIAnalyzing},
		Trigger:    approval.TriggerAnalysisReject,
		Actor:      approval.AIActor,
		Reason:     "late",
	})
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("late AI callback must be stale, got %v", err)
	}
	got, _ := env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	if got.ApprovalStatus != approval.SuperAdminReviewing {
		t.Fatalf("human decision overwritten: %s", got.ApprovalStatus)
	}
}

func TestForceSubmit(t *testing.T) {
	env := newTestEnv(t)
	a := env.analyzing(t)
	a = env.aiDecision(t, a.ID, approval.TriggerAnalysisReject, "analysis confidence 0.4 below threshold 0.7")
	if a.RejectionReason == nil || a.AIAnalysisID == nil || *a.AIAnalysisID != "rec-1" {
		t.Fatalf("AI rejection must record reason and analysis id: %+v", a)
	}
	if _, err := env.Engine.ForceSubmit(env.Ctx, a.ID, "bob"); !approval.IsKind(err, approval.Unauthorized) {
		t.Fatalf("expected unauthorized for non-creator, got %v", err)
	}
	got, err := env.Engine.ForceSubmit(env.Ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("force submit: %v", err)
	}
	if got.ApprovalStatus != approval.AdminReviewing {
		t.Fatalf("expected ADMIN_REVIEWING, got %s", got.ApprovalStatus)
	}
	if got.RejectionReason != nil {
		t.Fatalf("reason not cleared: %q", *got.RejectionReason)
	}
	if _, err := env.Engine.ForceSubmit(env.Ctx, a.ID, "alice"); !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("second force submit should be stale, got %v", err)
	}
}

func TestForceSubmitOutsideAIRejectedIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	draft := env.create(t)
	_, err := env.Engine.ForceSubmit(env.Ctx, draft.ID, "alice")
	if !approval.IsKind(err, approval.InvalidTransition) || errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("force submit from DRAFT: expected invalid transition, got %v", err)
	}
	analyzing := env.analyzing(t)
	_, err = env.Engine.ForceSubmit(env.Ctx, analyzing.ID, "alice")
	if !approval.IsKind(err, approval.InvalidTransition) {
		t.Fatalf("force submit from AI_ANALYZING: expected invalid transition, got %v", err)
	}
	a, err := env.Engine.Repo.GetArtifact(env.Ctx, draft.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ApprovalStatus != approval.Draft || a.Version != draft.Version {
		t.Fatalf("draft changed: %+v", a)
	}
}

func TestReviewEscalatesThenFinalizes(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewing(t)
	a, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "mgr", Approve: true})
	if err != nil {
		t.Fatalf("manager approve: %v", err)
	}
	if a.ApprovalStatus != approval.SuperAdminReviewing {
		t.Fatalf("expected SUPER_ADMIN_REVIEWING, got %s", a.ApprovalStatus)
	}
	if a.ManagerReviewerID == nil || *a.ManagerReviewerID != "mgr" || a.AdminReviewerID != nil {
		t.Fatalf("manager slot not recorded: %+v", a)
	}
	a, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "sup", Approve: true})
	if err != nil {
		t.Fatalf("super approve: %v", err)
	}
	if a.ApprovalStatus != approval.FinalApproved || a.SuperAdminReviewerID == nil {
		t.Fatalf("expected FINAL_APPROVED with reviewer, got %+v", a)
	}

	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "sup", Approve: false})
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("expected already reviewed, got %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ArtifactID: a.ID,
		Expected:   []approval.State{approval.FinalApproved},
		Trigger:    approval.TriggerReopen,
		Actor:      approval.Actor{ID: "alice", Role: approval.RoleSubmitter},
	})
	if !approval.IsKind(err, approval.AlreadyTerminal) {
		t.Fatalf("expected already terminal, got %v", err)
	}
}

func TestReviewFinalizesWhenSuperAdminNotRequired(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Machine.RequireSuperAdmin = false
	a := env.reviewing(t)
	a, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "adm", Approve: true})
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if a.ApprovalStatus != approval.FinalApproved {
		t.Fatalf("expected FINAL_APPROVED, got %s", a.ApprovalStatus)
	}
}

func TestReviewBeforeStageIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t)
	_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "adm", Approve: true})
	if !approval.IsKind(err, approval.InvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "alice", Approve: true})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for submitter, got %v", err)
	}
}

func TestRejectionReasonFollowsRejectedStates(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewing(t)
	a, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{ArtifactID: a.ID, ActorID: "adm", Approve: false, Comment: "  "})
	if err != nil {
		t.Fatalf("admin reject: %v", err)
	}
	if a.ApprovalStatus != approval.AdminRejected || a.RejectionReason == nil || *a.RejectionReason != "rejected by admin review" {
		t.Fatalf("expected default reason, got %+v", a)
	}
	res, err := env.Engine.SubmitArtifact(env.Ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Artifact.ApprovalStatus != approval.AIAnalyzing || res.Artifact.RejectionReason != nil {
		t.Fatalf("expected AI_ANALYZING without reason, got %+v", res.Artifact)
	}

	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE artifacts SET approval_status='ADMIN_REJECTED', rejection_reason=NULL WHERE id=?`, a.ID)
	if err == nil {
		t.Fatalf("schema must refuse a rejected status without reason")
	}
}

func TestEditArtifact(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t)
	title := "Q3 roadmap v2"
	got, err := env.Engine.EditArtifact(env.Ctx, engine.ArtifactEditOptions{ID: a.ID, Title: &title, ActorID: "alice"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.Title != title || got.Version != a.Version {
		t.Fatalf("unexpected edit result: %+v", got)
	}
	var notOwner auth.NotOwnerError
	if _, err := env.Engine.EditArtifact(env.Ctx, engine.ArtifactEditOptions{ID: a.ID, Title: &title, ActorID: "bob"}); !errors.As(err, &notOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if _, err := env.Engine.SubmitArtifact(env.Ctx, a.ID, "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.EditArtifact(env.Ctx, engine.ArtifactEditOptions{ID: a.ID, Title: &title, ActorID: "alice"}); !errors.Is(err, engine.ErrNotEditable) {
		t.Fatalf("expected not editable, got %v", err)
	}
}

func TestCreateWeeklyReportValidatesWeekStart(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{Kind: domain.KindWeeklyReport, Title: "W1", ActorID: "alice"}); err == nil {
		t.Fatalf("expected week_start required")
	}
	if _, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{Kind: domain.KindWeeklyReport, Title: "W1", WeekStart: "01/08/2024", ActorID: "alice"}); err == nil {
		t.Fatalf("expected invalid week_start")
	}
	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{Kind: domain.KindWeeklyReport, Title: "W1", WeekStart: "2024-01-08", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create weekly report: %v", err)
	}
	if a.WeekStart == nil || *a.WeekStart != "2024-01-08" {
		t.Fatalf("week_start not stored: %+v", a)
	}
	if _, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{Title: "x", ActorID: "adm"}); err == nil {
		t.Fatalf("only submitters may create artifacts")
	}
}

func TestGetStatusIncludesLatestAnalysis(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t)
	view, err := env.Engine.GetStatus(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.ApprovalStatus != approval.Draft || view.LatestAnalysis != nil {
		t.Fatalf("unexpected view: %+v", view)
	}
	if err := env.Engine.Repo.InsertAnalysisRecord(env.Ctx, nil, domain.AnalysisRecord{
		ID: "rec-9", ArtifactID: a.ID, Status: domain.AnalysisPending, CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	view, err = env.Engine.GetStatus(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.LatestAnalysis == nil || view.LatestAnalysis.ID != "rec-9" {
		t.Fatalf("latest analysis missing: %+v", view)
	}
}
