package domain

import "reportflow/internal/engine/approval"

const (
	KindProject      = "project"
	KindWeeklyReport = "weekly_report"
)

type Artifact struct {
	ID                   string         `json:"id"`
	Kind                 string         `json:"kind" enum:"project,weekly_report"`
	Title                string         `json:"title"`
	Content              string         `json:"content"`
	WeekStart            *string        `json:"week_start,omitempty"`
	CreatorID            string         `json:"creator_id"`
	ApprovalStatus       approval.State `json:"approval_status"`
	RejectionReason      *string        `json:"rejection_reason,omitempty"`
	AIAnalysisID         *string        `json:"ai_analysis_id,omitempty"`
	ManagerReviewerID    *string        `json:"manager_reviewer_id,omitempty"`
	ManagerReviewedAt    *string        `json:"manager_reviewed_at,omitempty" format:"date-time"`
	AdminReviewerID      *string        `json:"admin_reviewer_id,omitempty"`
	AdminReviewedAt      *string        `json:"admin_reviewed_at,omitempty" format:"date-time"`
	SuperAdminReviewerID *string        `json:"super_admin_reviewer_id,omitempty"`
	SuperAdminReviewedAt *string        `json:"super_admin_reviewed_at,omitempty" format:"date-time"`
	Version              int64          `json:"version"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	UpdatedAt            string         `json:"updated_at" format:"date-time"`
}

// Analysis record statuses.
const (
	AnalysisPending    = "PENDING"
	AnalysisProcessing = "PROCESSING"
	AnalysisCompleted  = "COMPLETED"
	AnalysisFailed     = "FAILED"
)

type AnalysisRecord struct {
	ID               string   `json:"id"`
	ArtifactID       string   `json:"artifact_id"`
	Status           string   `json:"status" enum:"PENDING,PROCESSING,COMPLETED,FAILED"`
	ResultText       string   `json:"result_text,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
	ProviderID       string   `json:"provider_id,omitempty"`
	Degraded         bool     `json:"degraded"`
	Error            string   `json:"error,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
}

// InFlight reports whether the record is still PENDING or PROCESSING.
func (r AnalysisRecord) InFlight() bool {
	return r.Status == AnalysisPending || r.Status == AnalysisProcessing
}

type Actor struct {
	ID          string        `json:"id"`
	Role        approval.Role `json:"role"`
	DisplayName string        `json:"display_name,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// StatusView is the approval summary exposed to callers.
type StatusView struct {
	ArtifactID      string          `json:"artifact_id"`
	ApprovalStatus  approval.State  `json:"approval_status"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	LatestAnalysis  *AnalysisRecord `json:"latest_analysis,omitempty"`
}

// JobHandle identifies a launched analysis job.
type JobHandle struct {
	RecordID   string `json:"record_id"`
	ArtifactID string `json:"artifact_id"`
	// Reused is true when Launch returned a job that was already running.
	Reused bool `json:"reused"`
	// Done is closed once the job reaches a terminal record state. It is
	// nil for jobs owned by another process.
	Done <-chan struct{} `json:"-"`
}

// APIKey is a hashed credential bound to one actor. The plaintext key is
// only returned once, at creation.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
