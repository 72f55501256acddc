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

// Package fileproc owns the file processing queue: the producer API, the
// long-polling consumer loop, and the multi-step pipeline a dequeued job
// runs through (validate, extract, chunk, persist, chain embeddings and
// notifications).
package fileproc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/jobrunner/internal/extraction"
	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/logctx"
)

// FileRecord is the file row with its resolved owner, fetched through the
// ownership chain (file → module → course → user).
type FileRecord struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Name        string
	MimeType    string
	StoragePath string
	Status      string
}

// SavedChunk is a persisted file chunk, as returned by the store.
type SavedChunk struct {
	ID       uuid.UUID
	Content  string
	Position int
	Metadata map[string]any
}

// FileStore is the persistence surface the pipeline needs for files and
// their chunks.
type FileStore interface {
	GetFileWithOwner(ctx context.Context, fileID uuid.UUID) (*FileRecord, error)
	SetFileStatus(ctx context.Context, fileID uuid.UUID, status string, fields map[string]any) error
	ReplaceChunks(ctx context.Context, fileID uuid.UUID, chunks []extraction.Chunk) ([]SavedChunk, error)
}

// BlobFetcher retrieves a file's raw bytes from storage.
type BlobFetcher interface {
	Fetch(ctx context.Context, storagePath string) ([]byte, error)
}

// EmbeddingEnqueuer hands a saved chunk set to the embedding queue.
type EmbeddingEnqueuer interface {
	EnqueueChunks(ctx context.Context, fileID, userID uuid.UUID, chunks []jobs.EmbeddingChunk) error
}

// NotificationEnqueuer sends a user-facing notification through the
// notification queue.
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, n jobs.NotificationPayload) error
}

// File lifecycle states persisted on the file record itself, distinct from
// job tracking.
const (
	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

// extraction retry knobs: a local loop that absorbs transient extraction
// flakiness without re-queuing the whole message.
const (
	extractAttempts    = 3
	extractBackoffUnit = time.Second
)

// Pipeline executes the unit of work for one file processing message.
type Pipeline struct {
	files         FileStore
	blobs         BlobFetcher
	registry      *extraction.Registry
	chunker       extraction.Chunker
	embeddings    EmbeddingEnqueuer
	notifications NotificationEnqueuer
}

func NewPipeline(
	files FileStore,
	blobs BlobFetcher,
	registry *extraction.Registry,
	chunker extraction.Chunker,
	embeddings EmbeddingEnqueuer,
	notifications NotificationEnqueuer,
) *Pipeline {
	return &Pipeline{
		files:         files,
		blobs:         blobs,
		registry:      registry,
		chunker:       chunker,
		embeddings:    embeddings,
		notifications: notifications,
	}
}

// Process runs the full pipeline for one payload. Each step is a distinct
// failure boundary; any failure marks the file failed, best-effort sends a
// failure notification, and returns the error so the consumer loop can
// apply its retry/archive decision.
func (p *Pipeline) Process(ctx context.Context, payload jobs.FileProcessingPayload) error {
	ll := logctx.FromContext(ctx).With(
		slog.String("fileID", payload.FileID.String()),
		slog.String("userID", payload.UserID.String()))
	ctx = logctx.WithLogger(ctx, ll)

	if err := p.run(ctx, payload); err != nil {
		if statusErr := p.files.SetFileStatus(ctx, payload.FileID, FileStatusFailed, map[string]any{
			"error_message": err.Error(),
			"failed_at":     time.Now().UTC(),
		}); statusErr != nil {
			ll.Error("failed to mark file failed", slog.Any("error", statusErr))
		}
		p.notifyFailure(ctx, payload, err)
		return err
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, payload jobs.FileProcessingPayload) error {
	ll := logctx.FromContext(ctx)

	// Validate ownership. A missing file or an owner mismatch is fatal;
	// retrying cannot fix it.
	file, err := p.files.GetFileWithOwner(ctx, payload.FileID)
	if err != nil {
		return jobs.NewKindError(jobs.KindNotFound, fmt.Errorf("fetch file %s: %w", payload.FileID, err))
	}
	if file.OwnerID != payload.UserID {
		return jobs.Errorf(jobs.KindAccessDenied, "file %s is not owned by user %s", payload.FileID, payload.UserID)
	}

	if err := p.files.SetFileStatus(ctx, file.ID, FileStatusProcessing, map[string]any{
		"processing_started_at": time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("mark file processing: %w", err)
	}

	result, err := p.extractWithRetry(ctx, file)
	if err != nil {
		return err
	}

	opts := extraction.ChunkingOptions{}
	if payload.Options.ChunkSize > 0 {
		opts.MaxChunkSize = payload.Options.ChunkSize
	}
	chunks := p.chunker.Chunk(result.Text, opts)
	if len(chunks) == 0 {
		// Empty chunking output means unsupported or corrupt content, not
		// transience.
		return jobs.Errorf(jobs.KindEmptyContent, "chunking produced no chunks for file %s", file.ID)
	}

	saved, err := p.files.ReplaceChunks(ctx, file.ID, chunks)
	if err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	if len(saved) == 0 {
		return jobs.Errorf(jobs.KindEmptyContent, "no chunks persisted for file %s", file.ID)
	}

	embedChunks := make([]jobs.EmbeddingChunk, 0, len(saved))
	for _, sc := range saved {
		embedChunks = append(embedChunks, jobs.EmbeddingChunk{
			ID:       sc.ID,
			Content:  sc.Content,
			Position: sc.Position,
			Metadata: sc.Metadata,
		})
	}
	if err := p.embeddings.EnqueueChunks(ctx, file.ID, payload.UserID, embedChunks); err != nil {
		return fmt.Errorf("enqueue embeddings: %w", err)
	}

	if err := p.files.SetFileStatus(ctx, file.ID, FileStatusCompleted, map[string]any{
		"processed_at":   time.Now().UTC(),
		"chunk_count":    len(saved),
		"content_length": len(result.Text),
	}); err != nil {
		return fmt.Errorf("mark file completed: %w", err)
	}

	p.notifySuccess(ctx, payload, file, len(saved))

	ll.Info("file processing completed",
		slog.Int("chunks", len(saved)),
		slog.Int("contentLength", len(result.Text)))
	return nil
}

// extractWithRetry downloads and extracts content, retrying transient
// failures locally with linear backoff. Fatal kinds short-circuit.
func (p *Pipeline) extractWithRetry(ctx context.Context, file *FileRecord) (*extraction.Result, error) {
	extractor, err := p.registry.Resolve(file.MimeType, file.Name)
	if err != nil {
		return nil, err
	}

	ll := logctx.FromContext(ctx)
	var lastErr error
	for attempt := 1; attempt <= extractAttempts; attempt++ {
		data, err := p.blobs.Fetch(ctx, file.StoragePath)
		if err == nil {
			var result *extraction.Result
			result, err = extractor.Extract(ctx, data)
			if err == nil {
				return result, nil
			}
		}
		lastErr = err
		if !jobs.Retryable(err) {
			return nil, err
		}
		if attempt < extractAttempts {
			ll.Warn("extraction attempt failed, retrying",
				slog.Int("attempt", attempt), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * extractBackoffUnit):
			}
		}
	}
	return nil, fmt.Errorf("extraction failed after %d attempts: %w", extractAttempts, lastErr)
}

func (p *Pipeline) notifySuccess(ctx context.Context, payload jobs.FileProcessingPayload, file *FileRecord, chunkCount int) {
	n := jobs.NotificationPayload{
		UserID:   payload.UserID,
		Type:     jobs.NotificationFileProcessed,
		Title:    "File processed",
		Message:  fmt.Sprintf("%s is ready (%d sections indexed)", file.Name, chunkCount),
		Data:     map[string]any{"file_id": file.ID.String()},
		Priority: jobs.MapPriority(jobs.PriorityMedium),
		QueuedAt: time.Now().UTC(),
	}
	if err := p.notifications.Enqueue(ctx, n); err != nil {
		// Best effort: a lost success notification is not worth failing the
		// whole job over.
		logctx.FromContext(ctx).Warn("success notification enqueue failed", slog.Any("error", err))
	}
}

func (p *Pipeline) notifyFailure(ctx context.Context, payload jobs.FileProcessingPayload, cause error) {
	n := jobs.NotificationPayload{
		UserID:   payload.UserID,
		Type:     jobs.NotificationFileFailed,
		Title:    "File processing failed",
		Message:  cause.Error(),
		Data:     map[string]any{"file_id": payload.FileID.String()},
		Priority: jobs.MapPriority(jobs.PriorityHigh),
		QueuedAt: time.Now().UTC(),
	}
	if err := p.notifications.Enqueue(ctx, n); err != nil {
		logctx.FromContext(ctx).Warn("failure notification enqueue failed", slog.Any("error", err))
	}
}
