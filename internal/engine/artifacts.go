package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reportflow/internal/domain"
	"reportflow/internal/engine/approval"
	"reportflow/internal/engine/auth"
	"reportflow/internal/events"
	"reportflow/internal/repo"
)

// ErrNotEditable is returned when content changes are requested while the
// artifact is under review or approved.
var ErrNotEditable = errors.New("artifact not editable in its current status")

// ArtifactCreateOptions are parameters for creating an artifact.
type ArtifactCreateOptions struct {
	ID        string
	Kind      string
	Title     string
	Content   string
	WeekStart string
	ActorID   string
}

func (e Engine) CreateArtifact(ctx context.Context, opts ArtifactCreateOptions) (domain.Artifact, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Artifact{}, errors.New("title is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindProject
	}
	if opts.Kind != domain.KindProject && opts.Kind != domain.KindWeeklyReport {
		return domain.Artifact{}, fmt.Errorf("invalid kind %q", opts.Kind)
	}
	weekStart, err := normalizeWeekStart(opts.Kind, opts.WeekStart)
	if err != nil {
		return domain.Artifact{}, err
	}
	actor, err := e.Auth.Require(ctx, opts.ActorID, approval.RoleSubmitter)
	if err != nil {
		return domain.Artifact{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	a := domain.Artifact{
		ID:             id,
		Kind:           opts.Kind,
		Title:          opts.Title,
		Content:        opts.Content,
		WeekStart:      weekStart,
		CreatorID:      actor.ID,
		ApprovalStatus: approval.Draft,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.ArtifactCreated, a.Kind, a.ID, actor.ID, events.EventPayload{"title": a.Title})
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

func normalizeWeekStart(kind, weekStart string) (*string, error) {
	weekStart = strings.TrimSpace(weekStart)
	if kind != domain.KindWeeklyReport {
		if weekStart != "" {
			return nil, errors.New("invalid week_start: only weekly reports carry one")
		}
		return nil, nil
	}
	if weekStart == "" {
		return nil, errors.New("week_start is required for weekly reports")
	}
	if _, err := time.Parse(time.DateOnly, weekStart); err != nil {
		return nil, fmt.Errorf("invalid week_start %q: want YYYY-MM-DD", weekStart)
	}
	return &weekStart, nil
}

// ArtifactEditOptions carries the fields to change; nil leaves a field as is.
type ArtifactEditOptions struct {
	ID        string
	Title     *string
	Content   *string
	WeekStart *string
	ActorID   string
}

// EditArtifact changes content while the artifact is DRAFT or rejected.
// Only the creator may edit.
func (e Engine) EditArtifact(ctx context.Context, opts ArtifactEditOptions) (domain.Artifact, error) {
	actor, err := e.Auth.Resolve(ctx, opts.ActorID)
	if err != nil {
		return domain.Artifact{}, err
	}
	var out domain.Artifact
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetArtifactTx(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		if a.CreatorID != actor.ID {
			return auth.NotOwnerError{ActorID: actor.ID, ArtifactID: a.ID}
		}
		if a.ApprovalStatus != approval.Draft && !a.ApprovalStatus.Rejected() {
			return fmt.Errorf("%w: %s", ErrNotEditable, a.ApprovalStatus)
		}
		changed := []string{}
		if opts.Title != nil {
			title := strings.TrimSpace(*opts.Title)
			if title == "" {
				return errors.New("title is required")
			}
			a.Title = title
			changed = append(changed, "title")
		}
		if opts.Content != nil {
			a.Content = *opts.Content
			changed = append(changed, "content")
		}
		if opts.WeekStart != nil {
			ws, err := normalizeWeekStart(a.Kind, *opts.WeekStart)
			if err != nil {
				return err
			}
			a.WeekStart = ws
			changed = append(changed, "week_start")
		}
		if len(changed) == 0 {
			out = a
			return nil
		}
		a.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateArtifactContent(ctx, tx, a); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ArtifactEdited, a.Kind, a.ID, actor.ID, events.EventPayload{"fields": changed}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	return out, nil
}

// SubmitResult is the artifact after submission plus the analysis job it
// started.
type SubmitResult struct {
	Artifact domain.Artifact
	Job      domain.JobHandle
}

// SubmitArtifact sends an artifact into AI analysis. From DRAFT it submits
// first; from a human rejection it reopens and submits; from AI_REJECTED
// or SUBMITTED it only launches the analysis. While AI_ANALYZING it hands
// back the job already running.
func (e Engine) SubmitArtifact(ctx context.Context, artifactID, actorID string) (SubmitResult, error) {
	if e.Analyzer == nil {
		return SubmitResult{}, errors.New("analysis orchestrator not configured")
	}
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return SubmitResult{}, err
	}
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return SubmitResult{}, err
	}
	switch a.ApprovalStatus {
	case approval.Draft:
		if _, err := e.Transition(ctx, TransitionRequest{
			ArtifactID: a.ID, Expected: []approval.State{approval.Draft}, Trigger: approval.TriggerSubmit, Actor: actor,
		}); err != nil {
			return SubmitResult{}, err
		}
	case approval.AdminRejected, approval.SuperAdminRejected:
		err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := e.TransitionTx(ctx, tx, TransitionRequest{
				ArtifactID: a.ID, Expected: []approval.State{a.ApprovalStatus}, Trigger: approval.TriggerReopen, Actor: actor,
			}); err != nil {
				return err
			}
			_, err := e.TransitionTx(ctx, tx, TransitionRequest{
				ArtifactID: a.ID, Expected: []approval.State{approval.Draft}, Trigger: approval.TriggerSubmit, Actor: actor,
			})
			return err
		})
		if err != nil {
			return SubmitResult{}, err
		}
	case approval.Submitted, approval.AIRejected, approval.AIAnalyzing:
		if actor.ID != a.CreatorID || actor.Role != approval.RoleSubmitter {
			return SubmitResult{}, &approval.TransitionError{
				Kind: approval.Unauthorized, From: a.ApprovalStatus, Trigger: approval.TriggerSubmit, Actor: actor,
				Reason: "only the creator may submit",
			}
		}
	default:
		_, err := e.Machine.Next(a.ApprovalStatus, approval.TriggerSubmit, actor, a.CreatorID)
		return SubmitResult{}, err
	}
	job, err := e.Analyzer.Launch(ctx, a.ID, actor)
	if err != nil {
		return SubmitResult{Job: job}, err
	}
	a, err = e.Repo.GetArtifact(ctx, a.ID)
	if err != nil {
		return SubmitResult{Job: job}, err
	}
	e.logger().Info("artifact submitted",
		zap.String("artifact_id", a.ID), zap.String("record_id", job.RecordID), zap.Bool("reused", job.Reused))
	return SubmitResult{Artifact: a, Job: job}, nil
}

// ForceSubmit routes an AI-rejected artifact straight to admin review.
func (e Engine) ForceSubmit(ctx context.Context, artifactID, actorID string) (domain.Artifact, error) {
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return domain.Artifact{}, err
	}
	a, err := e.Transition(ctx, TransitionRequest{
		ArtifactID: artifactID,
		Expected:   []approval.State{approval.AIRejected},
		Trigger:    approval.TriggerForceSubmit,
		Target:     approval.AdminReviewing,
		Actor:      actor,
	})
	// Only an artifact already past AI_REJECTED into admin review was
	// overtaken; anywhere else the trigger simply does not apply.
	var stale *StaleError
	if errors.As(err, &stale) && stale.Current != approval.AdminReviewing && !approval.Decided(approval.AdminReviewing, stale.Current) {
		return domain.Artifact{}, &approval.TransitionError{
			Kind: approval.InvalidTransition, From: stale.Current, Trigger: approval.TriggerForceSubmit, Actor: actor,
			Reason: fmt.Sprintf("artifact is not in %s", approval.AIRejected),
		}
	}
	return a, err
}

// ReviewOptions carries a human reviewer decision.
type ReviewOptions struct {
	ArtifactID string
	ActorID    string
	Approve    bool
	Comment    string
}

// Review applies a reviewer decision at the stage the reviewer's role acts
// on. An admin approval is followed in the same unit of work by the
// automatic escalate or finalize step.
func (e Engine) Review(ctx context.Context, opts ReviewOptions) (domain.Artifact, error) {
	actor, err := e.Auth.Resolve(ctx, opts.ActorID)
	if err != nil {
		return domain.Artifact{}, err
	}
	stage, ok := approval.ReviewStage(actor.Role)
	if !ok {
		return domain.Artifact{}, auth.ForbiddenError{
			ActorID: actor.ID, Role: actor.Role,
			Need: []approval.Role{approval.RoleManager, approval.RoleAdmin, approval.RoleSuperAdmin},
		}
	}
	trig, _ := approval.ReviewTrigger(stage, opts.Approve)
	var out domain.Artifact
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		a, err := e.TransitionTx(ctx, tx, TransitionRequest{
			ArtifactID: opts.ArtifactID,
			Expected:   []approval.State{stage},
			Trigger:    trig,
			Actor:      actor,
			Reason:     opts.Comment,
		})
		if err != nil {
			return err
		}
		if a.ApprovalStatus == approval.AdminApproved {
			a, err = e.TransitionTx(ctx, tx, TransitionRequest{
				ArtifactID: a.ID,
				Expected:   []approval.State{approval.AdminApproved},
				Trigger:    e.Machine.AfterAdminApproval(),
				Actor:      approval.SystemActor,
			})
			if err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	var stale *StaleError
	if errors.As(err, &stale) && !approval.Decided(stage, stale.Current) {
		return domain.Artifact{}, &approval.TransitionError{
			Kind: approval.InvalidTransition, From: stale.Current, Trigger: trig, Actor: actor,
			Reason: fmt.Sprintf("artifact is not in %s", stage),
		}
	}
	if err != nil {
		return domain.Artifact{}, err
	}
	e.logger().Info("artifact reviewed",
		zap.String("artifact_id", out.ID), zap.String("actor_id", actor.ID), zap.String("status", string(out.ApprovalStatus)))
	return out, nil
}

// GetStatus returns the approval summary of an artifact.
func (e Engine) GetStatus(ctx context.Context, artifactID string) (domain.StatusView, error) {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.StatusView{}, err
	}
	view := domain.StatusView{
		ArtifactID:      a.ID,
		ApprovalStatus:  a.ApprovalStatus,
		RejectionReason: a.RejectionReason,
	}
	rec, err := e.Repo.LatestAnalysis(ctx, a.ID)
	switch {
	case err == nil:
		view.LatestAnalysis = &rec
	case !errors.Is(err, repo.ErrNotFound):
		return domain.StatusView{}, err
	}
	return view, nil
}
