package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reportflow/internal/engine/approval"
	"reportflow/internal/repo"
)

// ForbiddenError indicates the actor's role does not allow the operation.
type ForbiddenError struct {
	ActorID string
	Role    approval.Role
	Need    []approval.Role
}

func (e ForbiddenError) Error() string {
	need := make([]string, len(e.Need))
	for i, r := range e.Need {
		need[i] = string(r)
	}
	return fmt.Sprintf("actor %s has role %s; one of [%s] required", e.ActorID, e.Role, strings.Join(need, ","))
}

// ErrUnknownActor is returned for actor ids that were never registered.
var ErrUnknownActor = errors.New("unknown actor")

// Service resolves actor ids to their registered role.
type Service struct {
	Repo repo.Repo
}

func (s Service) Resolve(ctx context.Context, actorID string) (approval.Actor, error) {
	return s.ResolveTx(ctx, nil, actorID)
}

// ResolveTx looks the actor up inside tx when tx is non-nil.
func (s Service) ResolveTx(ctx context.Context, tx *sql.Tx, actorID string) (approval.Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return approval.Actor{}, errors.New("actor_id required")
	}
	a, err := s.Repo.GetActorTx(ctx, tx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return approval.Actor{}, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
	}
	if err != nil {
		return approval.Actor{}, err
	}
	return approval.Actor{ID: a.ID, Role: a.Role}, nil
}

// Require resolves actorID and checks that it holds one of roles.
func (s Service) Require(ctx context.Context, actorID string, roles ...approval.Role) (approval.Actor, error) {
	actor, err := s.Resolve(ctx, actorID)
	if err != nil {
		return actor, err
	}
	for _, r := range roles {
		if actor.Role == r {
			return actor, nil
		}
	}
	return actor, ForbiddenError{ActorID: actor.ID, Role: actor.Role, Need: roles}
}

// NotOwnerError indicates an operation reserved to the artifact creator.
type NotOwnerError struct {
	ActorID    string
	ArtifactID string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("actor %s is not the creator of artifact %s", e.ActorID, e.ArtifactID)
}
