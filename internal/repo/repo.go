package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reportflow/internal/domain"
	"reportflow/internal/engine/approval"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// PersistenceError wraps a storage failure. A transition that returns one
// was not applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// InTx runs fn in one transaction. The transaction is rolled back when fn
// returns an error or panics and committed otherwise.
func (r Repo) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

const artifactColumns = `id,kind,title,content,week_start,creator_id,approval_status,rejection_reason,ai_analysis_id,
manager_reviewer_id,manager_reviewed_at,admin_reviewer_id,admin_reviewed_at,super_admin_reviewer_id,super_admin_reviewed_at,
version,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (domain.Artifact, error) {
	var a domain.Artifact
	var status string
	var weekStart, reason, analysisID, mgrID, mgrAt, adminID, adminAt, superID, superAt sql.NullString
	err := row.Scan(&a.ID, &a.Kind, &a.Title, &a.Content, &weekStart, &a.CreatorID, &status, &reason, &analysisID,
		&mgrID, &mgrAt, &adminID, &adminAt, &superID, &superAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ApprovalStatus = approval.State(status)
	a.WeekStart = nullToPtr(weekStart)
	a.RejectionReason = nullToPtr(reason)
	a.AIAnalysisID = nullToPtr(analysisID)
	a.ManagerReviewerID = nullToPtr(mgrID)
	a.ManagerReviewedAt = nullToPtr(mgrAt)
	a.AdminReviewerID = nullToPtr(adminID)
	a.AdminReviewedAt = nullToPtr(adminAt)
	a.SuperAdminReviewerID = nullToPtr(superID)
	a.SuperAdminReviewedAt = nullToPtr(superAt)
	return a, nil
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO artifacts(id,kind,title,content,week_start,creator_id,approval_status,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, a.Title, a.Content, nullableStringPtr(a.WeekStart), a.CreatorID, string(a.ApprovalStatus), a.Version, a.CreatedAt, a.UpdatedAt)
	return storeErr("insert artifact", err)
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return r.GetArtifactTx(ctx, nil, id)
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id string) (domain.Artifact, error) {
	a, err := scanArtifact(r.q(tx).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return a, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return a, storeErr("get artifact", err)
}

// ArtifactFilters narrows ListArtifacts.
type ArtifactFilters struct {
	Status    string
	Kind      string
	CreatorID string
	Limit     int
}

func (r Repo) ListArtifacts(ctx context.Context, f ArtifactFilters) ([]domain.Artifact, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "approval_status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list artifacts", err)
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, storeErr("scan artifact", err)
		}
		res = append(res, a)
	}
	return res, storeErr("list artifacts", rows.Err())
}

// UpdateArtifactContent rewrites the editable fields. It never touches the
// approval columns.
func (r Repo) UpdateArtifactContent(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE artifacts SET title=?, content=?, week_start=?, updated_at=? WHERE id=?`,
		a.Title, a.Content, nullableStringPtr(a.WeekStart), a.UpdatedAt, a.ID)
	if err != nil {
		return storeErr("update artifact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// StatusUpdate is a compare-and-set write of the approval columns.
type StatusUpdate struct {
	ID          string
	FromStatus  approval.State
	FromVersion int64
	ToStatus    approval.State
	// RejectionReason is written as-is; nil clears the column.
	RejectionReason *string
	// AIAnalysisID is written only when non-nil.
	AIAnalysisID *string
	Stage        approval.Stage
	ReviewerID   string
	At           string
}

var stageColumns = map[approval.Stage][2]string{
	approval.StageManager:    {"manager_reviewer_id", "manager_reviewed_at"},
	approval.StageAdmin:      {"admin_reviewer_id", "admin_reviewed_at"},
	approval.StageSuperAdmin: {"super_admin_reviewer_id", "super_admin_reviewed_at"},
}

// CompareAndSetStatus applies u only if the row still has FromStatus and
// FromVersion. It reports false, with no error, when the row moved on.
func (r Repo) CompareAndSetStatus(ctx context.Context, tx *sql.Tx, u StatusUpdate) (bool, error) {
	fields := []string{"approval_status=?", "rejection_reason=?", "version=version+1", "updated_at=?"}
	args := []any{string(u.ToStatus), nullableStringPtr(u.RejectionReason), u.At}
	if u.AIAnalysisID != nil {
		fields = append(fields, "ai_analysis_id=?")
		args = append(args, *u.AIAnalysisID)
	}
	if u.Stage != approval.StageNone {
		cols, ok := stageColumns[u.Stage]
		if !ok {
			return false, fmt.Errorf("unknown review stage %q", u.Stage)
		}
		fields = append(fields, cols[0]+"=?", cols[1]+"=?")
		args = append(args, u.ReviewerID, u.At)
	}
	args = append(args, u.ID, string(u.FromStatus), u.FromVersion)
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE artifacts SET `+strings.Join(fields, ",")+` WHERE id=? AND approval_status=? AND version=?`, args...)
	if err != nil {
		return false, storeErr("compare-and-set status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("compare-and-set status", err)
	}
	return n == 1, nil
}

func nullToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
