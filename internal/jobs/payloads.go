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

// Package jobs defines the payload types carried through the domain
// queues, the symbolic priority scale, and the structured error kinds
// retry policies dispatch on.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// JobType identifies the kind of work a file processing payload requests.
type JobType string

const (
	JobTypeProcessFile JobType = "process_file"
	JobTypeReprocess   JobType = "reprocess_file"
)

// NotificationType enumerates the user-facing notification categories.
type NotificationType string

const (
	NotificationFileProcessed NotificationType = "file_processed"
	NotificationFileFailed    NotificationType = "file_failed"
	NotificationCourseShared  NotificationType = "course_shared"
	NotificationSystemAlert   NotificationType = "system_alert"
)

// ProcessingOptions are the recognized per-job tuning knobs. Unknown
// fields are rejected at enqueue time by validation, not silently kept.
type ProcessingOptions struct {
	ChunkSize int    `json:"chunk_size,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// FileProcessingPayload is the message body for the file processing queue.
// Priority is the numeric value mapped from the symbolic priority in
// Options at enqueue time.
type FileProcessingPayload struct {
	FileID     uuid.UUID         `json:"file_id"`
	UserID     uuid.UUID         `json:"user_id"`
	JobType    JobType           `json:"job_type"`
	Options    ProcessingOptions `json:"processing_options"`
	Priority   int               `json:"priority"`
	QueuedAt   time.Time         `json:"queued_at"`
	RetryCount int               `json:"retry_count"`
}

// EmbeddingChunk is one chunk of file content to embed.
type EmbeddingChunk struct {
	ID       uuid.UUID      `json:"id"`
	Content  string         `json:"content"`
	Position int            `json:"position"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EmbeddingPayload is the message body for the embedding queue. A single
// file's chunk set may be split across several payloads of at most
// EmbeddingBatchSize chunks each.
type EmbeddingPayload struct {
	FileID   uuid.UUID        `json:"file_id"`
	UserID   uuid.UUID        `json:"user_id"`
	Chunks   []EmbeddingChunk `json:"chunks"`
	Model    string           `json:"model"`
	QueuedAt time.Time        `json:"queued_at"`
}

// EmbeddingBatchSize bounds the number of chunks per embedding payload to
// keep a single external API call cheap and quick.
const EmbeddingBatchSize = 10

// SplitChunks splits chunks into payload-sized batches, preserving order.
// For N chunks the result has ceil(N/batchSize) elements whose
// concatenation reproduces the input.
func SplitChunks(chunks []EmbeddingChunk, batchSize int) [][]EmbeddingChunk {
	if batchSize <= 0 {
		batchSize = EmbeddingBatchSize
	}
	if len(chunks) == 0 {
		return nil
	}
	batches := make([][]EmbeddingChunk, 0, (len(chunks)+batchSize-1)/batchSize)
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		batches = append(batches, chunks[start:end])
	}
	return batches
}

// NotificationPayload is the message body for the notification queue.
type NotificationPayload struct {
	UserID   uuid.UUID        `json:"user_id"`
	Type     NotificationType `json:"type"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
	Data     map[string]any   `json:"data,omitempty"`
	Priority int              `json:"priority"`
	QueuedAt time.Time        `json:"queued_at"`
}
