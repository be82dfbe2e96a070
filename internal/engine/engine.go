package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"reportflow/internal/config"
	"reportflow/internal/domain"
	"reportflow/internal/engine/approval"
	"reportflow/internal/engine/auth"
	"reportflow/internal/events"
	"reportflow/internal/repo"
)

// Launcher starts an asynchronous analysis for an artifact.
type Launcher interface {
	Launch(ctx context.Context, artifactID string, actor approval.Actor) (domain.JobHandle, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Machine  approval.Machine
	Log      *zap.Logger
	Analyzer Launcher
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Auth:    auth.Service{Repo: r},
		Config:  cfg,
		Machine: approval.Machine{RequireSuperAdmin: cfg.Approval.RequireSuperAdmin},
		Log:     zap.NewNop(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

// ErrStaleTransition is matched by every *StaleError.
var ErrStaleTransition = errors.New("stale transition")

// StaleError reports that the artifact was no longer in an expected state
// when the transition was written.
type StaleError struct {
	ArtifactID string
	Current    approval.State
	Expected   []approval.State
	Trigger    approval.Trigger
}

func (e *StaleError) Error() string {
	exp := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		exp[i] = string(s)
	}
	return fmt.Sprintf("stale transition: %s on artifact %s is %s, expected one of [%s]",
		e.Trigger, e.ArtifactID, e.Current, strings.Join(exp, ","))
}

func (e *StaleError) Is(target error) bool { return target == ErrStaleTransition }

// TransitionRequest describes one guarded status change.
type TransitionRequest struct {
	ArtifactID string
	// Expected lists the statuses the caller believes the artifact is in.
	// Empty means every source state of Trigger.
	Expected []approval.State
	Trigger  approval.Trigger
	// Target, when set, must equal the state the machine computes.
	Target     approval.State
	Actor      approval.Actor
	Reason     string
	AnalysisID string
}

// Transition applies req in its own unit of work.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (domain.Artifact, error) {
	var out domain.Artifact
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = e.TransitionTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	return out, nil
}

// TransitionTx is the only writer of approval_status. It checks the
// expected state, asks the machine, then writes with a compare-and-set on
// (status, version) and records an event, all inside tx.
func (e Engine) TransitionTx(ctx context.Context, tx *sql.Tx, req TransitionRequest) (domain.Artifact, error) {
	a, err := e.Repo.GetArtifactTx(ctx, tx, req.ArtifactID)
	if err != nil {
		return domain.Artifact{}, err
	}
	expected := req.Expected
	if len(expected) == 0 {
		expected = approval.Sources(req.Trigger)
	}
	stale := &StaleError{ArtifactID: a.ID, Current: a.ApprovalStatus, Expected: expected, Trigger: req.Trigger}
	if !containsState(expected, a.ApprovalStatus) {
		return domain.Artifact{}, stale
	}
	eff, err := e.Machine.Plan(a.ApprovalStatus, req.Trigger, req.Actor, a.CreatorID, req.Reason)
	if err != nil {
		return domain.Artifact{}, err
	}
	if req.Target != "" && eff.To != req.Target {
		return domain.Artifact{}, &approval.TransitionError{
			Kind:    approval.InvalidTransition,
			From:    a.ApprovalStatus,
			Trigger: req.Trigger,
			Actor:   req.Actor,
			Reason:  fmt.Sprintf("leads to %s, not %s", eff.To, req.Target),
		}
	}
	now := e.timestamp()
	upd := repo.StatusUpdate{
		ID:              a.ID,
		FromStatus:      a.ApprovalStatus,
		FromVersion:     a.Version,
		ToStatus:        eff.To,
		RejectionReason: eff.RejectionReason,
		Stage:           eff.Stage,
		ReviewerID:      req.Actor.ID,
		At:              now,
	}
	if req.AnalysisID != "" {
		upd.AIAnalysisID = &req.AnalysisID
	}
	ok, err := e.Repo.CompareAndSetStatus(ctx, tx, upd)
	if err != nil {
		return domain.Artifact{}, err
	}
	if !ok {
		return domain.Artifact{}, stale
	}
	payload := events.EventPayload{
		"from":    string(eff.From),
		"to":      string(eff.To),
		"trigger": string(req.Trigger),
		"role":    string(req.Actor.Role),
	}
	if eff.RejectionReason != nil {
		payload["reason"] = *eff.RejectionReason
	}
	if req.AnalysisID != "" {
		payload["analysis_id"] = req.AnalysisID
	}
	if err := e.appendEvent(ctx, tx, events.ArtifactTransitioned, a.Kind, a.ID, req.Actor.ID, payload); err != nil {
		return domain.Artifact{}, err
	}
	return e.Repo.GetArtifactTx(ctx, tx, a.ID)
}

func containsState(in []approval.State, s approval.State) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}
