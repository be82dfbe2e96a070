package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"reportflow/internal/domain"
	"reportflow/internal/engine/approval"
	"reportflow/internal/events"
	"reportflow/internal/repo"
)

const entityActor = "actor"

// RegisterActor adds an actor or changes its role.
func (e Engine) RegisterActor(ctx context.Context, actorID, role, displayName, byActorID string) (domain.Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.Actor{}, errors.New("actor id required")
	}
	if actorID == approval.AIActor.ID || actorID == approval.SystemActor.ID {
		return domain.Actor{}, errors.New("invalid actor id: reserved for internal use")
	}
	r, err := approval.ParseRole(role)
	if err != nil {
		return domain.Actor{}, err
	}
	if byActorID == "" {
		byActorID = approval.SystemActor.ID
	}
	a := domain.Actor{ID: actorID, Role: r, DisplayName: strings.TrimSpace(displayName), CreatedAt: e.timestamp()}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertActor(ctx, tx, a); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.ActorRegistered, entityActor, a.ID, byActorID, events.EventPayload{"role": string(r)})
	})
	if err != nil {
		return domain.Actor{}, err
	}
	return e.Repo.GetActor(ctx, a.ID)
}

// CreateAPIKey issues a key for actorID and returns its plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if _, err := e.Auth.Resolve(ctx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "rf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// ArtifactHistory returns the event log of an artifact.
func (e Engine) ArtifactHistory(ctx context.Context, artifactID string, limit int) ([]domain.Event, error) {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, a.Kind, a.ID, limit)
}
