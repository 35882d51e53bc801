package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Worker job kinds.
const (
	JobKindTagging      = "tagging"
	JobKindSlashCommand = "slash_command_detection"
	JobKindMCP          = "mcp_detection"
)

// Worker job statuses.
const (
	WorkerPending = "pending"
	WorkerRunning = "running"
	WorkerDone    = "done"
	WorkerFailed  = "failed"
)

const workerJobCols = `id, workspace_id, conversation_id, job_type, status,
	attempts, max_attempts, claimed_by, claimed_at, run_after, payload,
	result, error, created_at, updated_at`

// WorkerJob is one queued background analysis job.
type WorkerJob struct {
	ID             string  `json:"id"`
	WorkspaceID    string  `json:"workspace_id"`
	ConversationID *string `json:"conversation_id,omitempty"`
	JobType        string  `json:"job_type"`
	Status         string  `json:"status"`
	Attempts       int     `json:"attempts"`
	MaxAttempts    int     `json:"max_attempts"`
	ClaimedBy      *string `json:"claimed_by,omitempty"`
	ClaimedAt      *string `json:"claimed_at,omitempty"`
	RunAfter       *string `json:"run_after,omitempty"`
	Payload        string  `json:"payload,omitempty"`
	Result         string  `json:"result,omitempty"`
	Error          *string `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func scanWorkerJobRow(rs rowScanner) (WorkerJob, error) {
	var (
		j                               WorkerJob
		convID, claimedBy, claimedAt    sql.NullString
		runAfter, payload, result, eMsg sql.NullString
	)
	err := rs.Scan(
		&j.ID, &j.WorkspaceID, &convID, &j.JobType, &j.Status,
		&j.Attempts, &j.MaxAttempts, &claimedBy, &claimedAt,
		&runAfter, &payload, &result, &eMsg, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return WorkerJob{}, err
	}
	j.ConversationID = nullable(convID)
	j.ClaimedBy = nullable(claimedBy)
	j.ClaimedAt = nullable(claimedAt)
	j.RunAfter = nullable(runAfter)
	j.Payload = payload.String
	j.Result = result.String
	j.Error = nullable(eMsg)
	return j, nil
}

// EnqueueWorkerJobTx writes a pending job row. Safe to call inside the
// transaction that created the conversation: workers cannot observe the row
// before commit.
func EnqueueWorkerJobTx(tx *sql.Tx, workspaceID, conversationID, jobType string) (string, error) {
	id := NewID()
	now := Now()
	_, err := tx.Exec(`
		INSERT INTO worker_jobs (id, workspace_id, conversation_id, job_type,
			status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 3, ?, ?)`,
		id, workspaceID, nilIfEmpty(conversationID), jobType,
		WorkerPending, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueueing %s job: %w", jobType, err)
	}
	return id, nil
}

// EnqueueWorkerJob is the standalone variant of EnqueueWorkerJobTx.
func (db *DB) EnqueueWorkerJob(workspaceID, conversationID, jobType string) (string, error) {
	var id string
	err := db.Update(func(tx *sql.Tx) error {
		var err error
		id, err = EnqueueWorkerJobTx(tx, workspaceID, conversationID, jobType)
		return err
	})
	return id, err
}

// ClaimWorkerJob atomically claims the oldest runnable pending job of the
// given types. The single-writer transaction gives the same effect as
// SELECT ... FOR UPDATE SKIP LOCKED on a bigger database. Returns nil when
// the queue is empty.
func (db *DB) ClaimWorkerJob(workerID string, jobTypes []string) (*WorkerJob, error) {
	if len(jobTypes) == 0 {
		return nil, errors.New("no job types to claim")
	}

	var claimed *WorkerJob
	err := db.Update(func(tx *sql.Tx) error {
		placeholders := ""
		args := make([]any, 0, len(jobTypes)+1)
		for i, t := range jobTypes {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, t)
		}
		args = append(args, Now())

		row := tx.QueryRow(`
			SELECT `+workerJobCols+` FROM worker_jobs
			WHERE status = '`+WorkerPending+`'
			  AND job_type IN (`+placeholders+`)
			  AND (run_after IS NULL OR run_after <= ?)
			ORDER BY created_at
			LIMIT 1`, args...)
		j, err := scanWorkerJobRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting claimable job: %w", err)
		}

		now := Now()
		if _, err := tx.Exec(`
			UPDATE worker_jobs SET
				status = ?, attempts = attempts + 1,
				claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id = ?`,
			WorkerRunning, workerID, now, now, j.ID); err != nil {
			return fmt.Errorf("claiming job %s: %w", j.ID, err)
		}
		j.Status = WorkerRunning
		j.Attempts++
		j.ClaimedBy = &workerID
		j.ClaimedAt = &now
		claimed = &j
		return nil
	})
	return claimed, err
}

// CompleteWorkerJob marks a job done with its result payload.
func (db *DB) CompleteWorkerJob(id, resultJSON string) error {
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE worker_jobs SET status = ?, result = ?, error = NULL, updated_at = ?
			WHERE id = ?`,
			WorkerDone, nilIfEmpty(resultJSON), Now(), id)
		return err
	})
}

// RetryWorkerJob returns a job to pending with a backoff deadline, or marks
// it failed when attempts are exhausted.
func (db *DB) RetryWorkerJob(id, errMsg, runAfter string) error {
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE worker_jobs SET
				status = CASE WHEN attempts >= max_attempts
					THEN ? ELSE ? END,
				run_after = ?, error = ?, claimed_by = NULL,
				claimed_at = NULL, updated_at = ?
			WHERE id = ?`,
			WorkerFailed, WorkerPending, nilIfEmpty(runAfter),
			errMsg, Now(), id)
		return err
	})
}

// FailWorkerJob marks a job permanently failed.
func (db *DB) FailWorkerJob(id, errMsg string) error {
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE worker_jobs SET status = ?, error = ?, updated_at = ?
			WHERE id = ?`,
			WorkerFailed, errMsg, Now(), id)
		return err
	})
}

// GetWorkerJob returns one worker job by id.
func (db *DB) GetWorkerJob(id string) (*WorkerJob, error) {
	row := db.reader.QueryRow(
		"SELECT "+workerJobCols+" FROM worker_jobs WHERE id = ?", id)
	j, err := scanWorkerJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting worker job %s: %w", id, err)
	}
	return &j, nil
}
