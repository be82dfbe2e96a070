package server

import (
	"reportflow/internal/domain"
	"reportflow/internal/engine/approval"
)

// Request payloads

type CreateArtifactRequest struct {
	ID        string `json:"id,omitempty"`
	Kind      string `json:"kind,omitempty" enum:"project,weekly_report"`
	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	WeekStart string `json:"week_start,omitempty" example:"2026-10-12"`
}

type UpdateArtifactRequest struct {
	Title     *string `json:"title,omitempty"`
	Content   *string `json:"content,omitempty"`
	WeekStart *string `json:"week_start,omitempty"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Comment  string `json:"comment,omitempty"`
}

type RegisterActorRequest struct {
	ID          string `json:"id"`
	Role        string `json:"role" enum:"submitter,manager,admin,super_admin"`
	DisplayName string `json:"display_name,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type SubmitResponse struct {
	Artifact domain.Artifact  `json:"artifact"`
	Job      domain.JobHandle `json:"job"`
}

type WhoAmIResponse struct {
	ActorID     string        `json:"actor_id"`
	Role        approval.Role `json:"role"`
	DisplayName string        `json:"display_name,omitempty"`
	Source      string        `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateAPIKeyResponse struct {
	APIKey domain.APIKey `json:"api_key"`
	// Key is the plaintext credential; it is not retrievable later.
	Key string `json:"key"`
}

type ArtifactListResponse struct {
	Items []domain.Artifact `json:"items"`
}

type AnalysisListResponse struct {
	Items []domain.AnalysisRecord `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type ActorListResponse struct {
	Items []domain.Actor `json:"items"`
}

type APIKeyListResponse struct {
	Items []domain.APIKey `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
