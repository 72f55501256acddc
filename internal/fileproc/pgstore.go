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

package fileproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/jobrunner/internal/extraction"
)

// PGStore is the pgx-backed FileStore over the course_files and
// file_chunks tables.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// GetFileWithOwner resolves the file and its owner through the ownership
// chain: file → module → course → user.
func (s *PGStore) GetFileWithOwner(ctx context.Context, fileID uuid.UUID) (*FileRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT f.id, c.user_id, f.name, f.mime_type, f.storage_path, f.status
		FROM course_files f
		JOIN modules m ON f.module_id = m.id
		JOIN courses c ON m.course_id = c.id
		WHERE f.id = $1`, fileID)

	var rec FileRecord
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.MimeType, &rec.StoragePath, &rec.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("file not found: %s", fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("query file %s: %w", fileID, err)
	}
	return &rec, nil
}

// SetFileStatus updates the file's lifecycle status and merges any extra
// fields into its metadata JSON.
func (s *PGStore) SetFileStatus(ctx context.Context, fileID uuid.UUID, status string, fields map[string]any) error {
	if len(fields) == 0 {
		_, err := s.pool.Exec(ctx,
			`UPDATE course_files SET status = $1, updated_at = now() WHERE id = $2`,
			status, fileID)
		if err != nil {
			return fmt.Errorf("update file status: %w", err)
		}
		return nil
	}

	meta, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal status metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE course_files
		SET status = $1, metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = now()
		WHERE id = $3`,
		status, meta, fileID)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	return nil
}

// ReplaceChunks deletes any pre-existing chunks for the file and inserts
// the new set in one transaction. Deleting first keeps re-delivery of the
// same message idempotent.
func (s *PGStore) ReplaceChunks(ctx context.Context, fileID uuid.UUID, chunks []extraction.Chunk) ([]SavedChunk, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin chunk transaction: %w", err)
	}
	defer func() {
		rbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tx.Rollback(rbCtx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM file_chunks WHERE file_id = $1`, fileID); err != nil {
		return nil, fmt.Errorf("delete existing chunks: %w", err)
	}

	saved := make([]SavedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		content := extraction.Sanitize(chunk.Content)
		meta, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal chunk metadata: %w", err)
		}

		var id uuid.UUID
		row := tx.QueryRow(ctx, `
			INSERT INTO file_chunks (id, file_id, chunk_index, content, content_length, metadata, created_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())
			RETURNING id`,
			fileID, chunk.Position, content, len(content), meta)
		if err := row.Scan(&id); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", chunk.Position, err)
		}

		saved = append(saved, SavedChunk{
			ID:       id,
			Content:  content,
			Position: chunk.Position,
			Metadata: chunk.Metadata,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chunk transaction: %w", err)
	}
	return saved, nil
}
