package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reportflow/internal/domain"
)

// ErrRecordTerminal is returned when a write targets an analysis record
// that already reached COMPLETED or FAILED.
var ErrRecordTerminal = errors.New("analysis record already terminal")

const analysisColumns = `id,artifact_id,status,result_text,confidence,provider_id,degraded,error,processing_time_ms,created_at,completed_at`

func scanAnalysis(row scanner) (domain.AnalysisRecord, error) {
	var rec domain.AnalysisRecord
	var resultText, providerID, errText, completedAt sql.NullString
	var confidence sql.NullFloat64
	var degraded int
	err := row.Scan(&rec.ID, &rec.ArtifactID, &rec.Status, &resultText, &confidence, &providerID, &degraded, &errText,
		&rec.ProcessingTimeMs, &rec.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.ResultText = resultText.String
	rec.ProviderID = providerID.String
	rec.Error = errText.String
	rec.Degraded = degraded != 0
	if confidence.Valid {
		c := confidence.Float64
		rec.Confidence = &c
	}
	rec.CompletedAt = nullToPtr(completedAt)
	return rec, nil
}

func (r Repo) InsertAnalysisRecord(ctx context.Context, tx *sql.Tx, rec domain.AnalysisRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO analysis_records(id,artifact_id,status,provider_id,created_at) VALUES (?,?,?,?,?)`,
		rec.ID, rec.ArtifactID, rec.Status, nullable(rec.ProviderID), rec.CreatedAt)
	return storeErr("insert analysis record", err)
}

// MarkAnalysisProcessing moves a PENDING record to PROCESSING.
func (r Repo) MarkAnalysisProcessing(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE analysis_records SET status=? WHERE id=? AND status=?`,
		domain.AnalysisProcessing, id, domain.AnalysisPending)
	if err != nil {
		return storeErr("mark processing", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrRecordTerminal)
	}
	return nil
}

// FinishAnalysisRecord writes the terminal state of a record. Terminal
// records are immutable, so a second finish returns ErrRecordTerminal.
func (r Repo) FinishAnalysisRecord(ctx context.Context, tx *sql.Tx, rec domain.AnalysisRecord) error {
	if rec.InFlight() {
		return fmt.Errorf("finish record %s: status %s is not terminal", rec.ID, rec.Status)
	}
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	var confidence any
	if rec.Confidence != nil {
		confidence = *rec.Confidence
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE analysis_records
SET status=?, result_text=?, confidence=?, provider_id=?, degraded=?, error=?, processing_time_ms=?, completed_at=?
WHERE id=? AND status IN (?,?)`,
		rec.Status, nullable(rec.ResultText), confidence, nullable(rec.ProviderID), degraded, nullable(rec.Error),
		rec.ProcessingTimeMs, nullableStringPtr(rec.CompletedAt),
		rec.ID, domain.AnalysisPending, domain.AnalysisProcessing)
	if err != nil {
		return storeErr("finish analysis record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", rec.ID, ErrRecordTerminal)
	}
	return nil
}

func (r Repo) GetAnalysisRecord(ctx context.Context, id string) (domain.AnalysisRecord, error) {
	rec, err := scanAnalysis(r.DB.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analysis_records WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return rec, fmt.Errorf("analysis record %s: %w", id, ErrNotFound)
	}
	return rec, storeErr("get analysis record", err)
}

// InFlightAnalysis returns the PENDING or PROCESSING record of an artifact.
func (r Repo) InFlightAnalysis(ctx context.Context, tx *sql.Tx, artifactID string) (domain.AnalysisRecord, error) {
	rec, err := scanAnalysis(r.q(tx).QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analysis_records
WHERE artifact_id=? AND status IN (?,?) LIMIT 1`, artifactID, domain.AnalysisPending, domain.AnalysisProcessing))
	return rec, storeErr("in-flight analysis", err)
}

// LatestAnalysis returns the most recently created record of an artifact.
func (r Repo) LatestAnalysis(ctx context.Context, artifactID string) (domain.AnalysisRecord, error) {
	rec, err := scanAnalysis(r.DB.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analysis_records
WHERE artifact_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, artifactID))
	return rec, storeErr("latest analysis", err)
}

func (r Repo) ListAnalyses(ctx context.Context, artifactID string) ([]domain.AnalysisRecord, error) {
	return r.listAnalyses(ctx, `WHERE artifact_id=? ORDER BY created_at DESC, rowid DESC`, artifactID)
}

// ListInFlightAnalyses returns every PENDING or PROCESSING record.
func (r Repo) ListInFlightAnalyses(ctx context.Context) ([]domain.AnalysisRecord, error) {
	return r.listAnalyses(ctx, `WHERE status IN (?,?) ORDER BY created_at`, domain.AnalysisPending, domain.AnalysisProcessing)
}

func (r Repo) listAnalyses(ctx context.Context, where string, args ...any) ([]domain.AnalysisRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+analysisColumns+` FROM analysis_records `+where, args...)
	if err != nil {
		return nil, storeErr("list analyses", err)
	}
	defer rows.Close()
	var res []domain.AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, storeErr("scan analysis", err)
		}
		res = append(res, rec)
	}
	return res, storeErr("list analyses", rows.Err())
}
