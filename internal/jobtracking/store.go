// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package jobtracking is the status ledger recording job lifecycle state
// independent of the queue message's own existence. Rows are created on
// enqueue, mutated by consumers, and never deleted by this subsystem.
package jobtracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardinalhq/jobrunner/internal/idgen"
)

// Status is the job lifecycle state. Transitions are monotonic
// (queued → processing → completed/failed/dead) except failed → queued on
// manual retry.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Record is one job tracking row.
type Record struct {
	ID         int64
	QueueName  string
	JobType    string
	ExternalID uuid.UUID
	QueueMsgID int64
	Payload    json.RawMessage
	Status     Status
	Attempts   int
	Error      *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var ErrNotFound = errors.New("job tracking record not found")

// Store persists job tracking records.
type Store struct {
	db  DB
	ids idgen.Generator
}

func NewStore(db DB) *Store {
	return &Store{db: db, ids: idgen.DefaultFlakeGenerator}
}

// NewStoreWithGenerator is for tests that need deterministic ids.
func NewStoreWithGenerator(db DB, ids idgen.Generator) *Store {
	return &Store{db: db, ids: ids}
}

// Create inserts a queued record correlated to an external entity (e.g. a
// file id) and the queue message that carries the work.
func (s *Store) Create(ctx context.Context, queueName, jobType string, externalID uuid.UUID, queueMsgID int64, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal tracking payload: %w", err)
	}
	id := s.ids.NextID()
	_, err = s.db.Exec(ctx, `
		INSERT INTO job_tracking (id, queue_name, job_type, external_id, queue_msg_id, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now())`,
		id, queueName, jobType, externalID, queueMsgID, body, StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("insert job tracking row: %w", err)
	}
	return id, nil
}

// MarkProcessing flips the latest record for a queue message to processing
// and bumps its attempt counter.
func (s *Store) MarkProcessing(ctx context.Context, queueName string, queueMsgID int64) error {
	return s.setStatus(ctx, queueName, queueMsgID, StatusProcessing, nil, true)
}

// MarkCompleted records successful processing.
func (s *Store) MarkCompleted(ctx context.Context, queueName string, queueMsgID int64) error {
	return s.setStatus(ctx, queueName, queueMsgID, StatusCompleted, nil, false)
}

// MarkFailed records a fatal failure.
func (s *Store) MarkFailed(ctx context.Context, queueName string, queueMsgID int64, cause error) error {
	msg := cause.Error()
	return s.setStatus(ctx, queueName, queueMsgID, StatusFailed, &msg, false)
}

// MarkDead records retry exhaustion.
func (s *Store) MarkDead(ctx context.Context, queueName string, queueMsgID int64, cause error) error {
	msg := cause.Error()
	return s.setStatus(ctx, queueName, queueMsgID, StatusDead, &msg, false)
}

func (s *Store) setStatus(ctx context.Context, queueName string, queueMsgID int64, status Status, errMsg *string, bumpAttempts bool) error {
	attempts := "attempts"
	if bumpAttempts {
		attempts = "attempts + 1"
	}
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`
		UPDATE job_tracking
		SET status = $1, error = $2, attempts = %s, updated_at = now()
		WHERE queue_name = $3 AND queue_msg_id = $4`, attempts),
		status, errMsg, queueName, queueMsgID)
	if err != nil {
		return fmt.Errorf("update job tracking to %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue=%s msg=%d", ErrNotFound, queueName, queueMsgID)
	}
	return nil
}

// RetryFailed moves a failed record back to queued for manual retry. It is
// the only allowed backwards transition; any other current status is an
// error.
func (s *Store) RetryFailed(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE job_tracking
		SET status = $1, error = NULL, updated_at = now()
		WHERE id = $2 AND status = $3`,
		StatusQueued, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("retry job tracking row %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%d in failed state", ErrNotFound, id)
	}
	return nil
}

// LatestByExternalID returns the most recent record correlated to an
// external entity id, used by the status query surface.
func (s *Store) LatestByExternalID(ctx context.Context, externalID uuid.UUID) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, queue_name, job_type, external_id, queue_msg_id, payload, status, attempts, error, created_at, updated_at
		FROM job_tracking
		WHERE external_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, externalID)

	var r Record
	err := row.Scan(&r.ID, &r.QueueName, &r.JobType, &r.ExternalID, &r.QueueMsgID,
		&r.Payload, &r.Status, &r.Attempts, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: external_id=%s", ErrNotFound, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("query job tracking by external id: %w", err)
	}
	return &r, nil
}
