package storage

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

	defaultJobAttempts = 3
)

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                             Job
		runAfter, createdAt, updatedAt string
		lastError                     *string
	)
	if err := r.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return nil, err
	}
	if lastError != nil {
		j.LastError = *lastError
	}

	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("job %s run_after: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("job %s created_at: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("job %s updated_at: %w", j.ID, err)
	}
	return &j, nil
}

// EnqueueJob adds a pending job. MaxAttempts defaults to 3 and RunAfter to now.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := s.now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultJobAttempts
	}
	_, err := s.exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, NULL)`,
		job.ID, job.Type, job.PayloadJSON, job.MaxAttempts,
		formatTime(job.RunAfter), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return nil
}

// ClaimNextJob moves the oldest due pending job of one of types to running
// and returns it. It returns nil, nil when nothing is due or another worker
// won the race. PostgreSQL workers skip rows locked by other claimers.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := s.now()
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (` + placeholders(len(types)) + `)
		ORDER BY run_after, created_at
		LIMIT 1`
	if s.dialect == dialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	args := []any{formatTime(now)}
	for _, t := range types {
		args = append(args, t)
	}

	var claimed *Job
	err := s.WithTx(ctx, func(tx *Tx) error {
		j, err := scanJob(tx.queryRow(ctx, query, args...))
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}

		res, err := tx.exec(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
			formatTime(now), j.ID)
		if err != nil {
			return fmt.Errorf("claiming job %s: %w", j.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return err
		}

		j.Status = "running"
		j.UpdatedAt = now
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// jobBackoff is the delay before retry number attempts: 2s, 4s, 8s, ...
func jobBackoff(attempts int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempts))) * time.Second
}

// FailJob records a failed attempt. The job returns to pending with
// exponential backoff until it has used max_attempts, then stays failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var attempts, maxAttempts int
		err := tx.queryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if isNoRows(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		attempts++
		if attempts >= maxAttempts {
			_, err = tx.exec(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, formatTime(now), id)
		} else {
			_, err = tx.exec(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, formatTime(now.Add(jobBackoff(attempts))), formatTime(now), id)
		}
		return err
	})
}

// GetJob returns one queued job.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	return j, err
}
