package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const ingestionJobColumns = `id, source, status, file_path, session_key, conversation_id, parser_name, parser_version,
	change_type, update_mode, messages_added, metrics, warnings, error, started_at, finished_at`

func scanIngestionJob(r rowScanner) (*IngestionJob, error) {
	var j IngestionJob
	var metrics, warnings, started, finished string
	err := r.Scan(&j.ID, &j.Source, &j.Status, &j.FilePath, &j.SessionKey, &j.ConversationID,
		&j.ParserName, &j.ParserVersion, &j.ChangeType, &j.UpdateMode, &j.MessagesAdded,
		&metrics, &warnings, &j.Error, &started, &finished)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Metrics = map[string]any{}
	if metrics != "" {
		if err := json.Unmarshal([]byte(metrics), &j.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics for job %s: %w", j.ID, err)
		}
	}
	if warnings != "" {
		if err := json.Unmarshal([]byte(warnings), &j.Warnings); err != nil {
			return nil, fmt.Errorf("decoding warnings for job %s: %w", j.ID, err)
		}
	}
	if j.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateIngestionJob records the start of an ingestion attempt. It runs
// outside any conversation transaction so the record survives a rollback.
func (s *Store) CreateIngestionJob(ctx context.Context, j *IngestionJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = JobRunning
	}
	if j.StartedAt.IsZero() {
		j.StartedAt = s.now().UTC()
	}
	metrics, warnings, err := encodeJobDetail(j)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO ingestion_jobs (`+ingestionJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Source, j.Status, j.FilePath, j.SessionKey, j.ConversationID, j.ParserName, j.ParserVersion,
		j.ChangeType, j.UpdateMode, j.MessagesAdded, metrics, warnings, j.Error,
		formatTime(j.StartedAt), formatTime(j.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ingestion job: %w", err)
	}
	return nil
}

// FinishIngestionJob writes the final state of an ingestion attempt.
func (s *Store) FinishIngestionJob(ctx context.Context, j *IngestionJob) error {
	if j.FinishedAt.IsZero() {
		j.FinishedAt = s.now().UTC()
	}
	metrics, warnings, err := encodeJobDetail(j)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE ingestion_jobs SET status = ?, file_path = ?, session_key = ?, conversation_id = ?,
			parser_name = ?, parser_version = ?, change_type = ?, update_mode = ?, messages_added = ?,
			metrics = ?, warnings = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, j.FilePath, j.SessionKey, j.ConversationID, j.ParserName, j.ParserVersion,
		j.ChangeType, j.UpdateMode, j.MessagesAdded, metrics, warnings, j.Error,
		formatTime(j.FinishedAt), j.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing ingestion job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeJobDetail(j *IngestionJob) (string, string, error) {
	metrics := "{}"
	if len(j.Metrics) > 0 {
		b, err := json.Marshal(j.Metrics)
		if err != nil {
			return "", "", fmt.Errorf("encoding metrics: %w", err)
		}
		metrics = string(b)
	}
	warnings := "[]"
	if len(j.Warnings) > 0 {
		b, err := json.Marshal(j.Warnings)
		if err != nil {
			return "", "", fmt.Errorf("encoding warnings: %w", err)
		}
		warnings = string(b)
	}
	return metrics, warnings, nil
}

// GetIngestionJob returns one ingestion attempt.
func (s *Store) GetIngestionJob(ctx context.Context, id string) (*IngestionJob, error) {
	return scanIngestionJob(s.queryRow(ctx, `SELECT `+ingestionJobColumns+` FROM ingestion_jobs WHERE id = ?`, id))
}

// IngestionJobFilter narrows ListIngestionJobs. Zero values match everything.
type IngestionJobFilter struct {
	Status         string
	ConversationID string
	Limit          int
}

// ListIngestionJobs returns the most recent ingestion attempts first.
func (s *Store) ListIngestionJobs(ctx context.Context, f IngestionJobFilter) ([]IngestionJob, error) {
	query := `SELECT ` + ingestionJobColumns + ` FROM ingestion_jobs WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestionJob
	for rows.Next() {
		j, err := scanIngestionJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
