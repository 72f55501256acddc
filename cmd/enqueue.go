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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cardinalhq/jobrunner/config"
	"github.com/cardinalhq/jobrunner/internal/dbopen"
	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/jobtracking"
	"github.com/cardinalhq/jobrunner/internal/logctx"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

var (
	enqueueFileID    string
	enqueueUserID    string
	enqueueJobType   string
	enqueueChunkSize int
	enqueuePriority  string
)

func init() {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Manually enqueue a file processing job",
		Long:  "Inject a file processing job directly, for re-processing a stuck or re-uploaded file.",
		RunE:  enqueue,
	}
	cmd.Flags().StringVar(&enqueueFileID, "file-id", "", "UUID of the file to process")
	cmd.Flags().StringVar(&enqueueUserID, "user-id", "", "UUID of the file owner")
	cmd.Flags().StringVar(&enqueueJobType, "job-type", string(jobs.JobTypeProcessFile), "process_file or reprocess_file")
	cmd.Flags().IntVar(&enqueueChunkSize, "chunk-size", 0, "Override the max chunk size")
	cmd.Flags().StringVar(&enqueuePriority, "priority", string(jobs.PriorityMedium), "low, medium, high, or critical")
	_ = cmd.MarkFlagRequired("file-id")
	_ = cmd.MarkFlagRequired("user-id")

	rootCmd.AddCommand(cmd)
}

func enqueue(_ *cobra.Command, _ []string) error {
	fileID, err := uuid.Parse(enqueueFileID)
	if err != nil {
		return fmt.Errorf("invalid file id: %w", err)
	}
	userID, err := uuid.Parse(enqueueUserID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = logctx.WithLogger(ctx, slog.Default())

	pool, err := dbopen.ConnectToQueueDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	queueClient, err := pgmq.NewClient(pool, cfg.Queues)
	if err != nil {
		return err
	}

	payload := jobs.FileProcessingPayload{
		FileID:  fileID,
		UserID:  userID,
		JobType: jobs.JobType(enqueueJobType),
		Options: jobs.ProcessingOptions{
			ChunkSize: enqueueChunkSize,
			Priority:  enqueuePriority,
		},
		Priority: jobs.MapPriority(jobs.Priority(enqueuePriority)),
		QueuedAt: time.Now().UTC(),
	}
	msgID, err := queueClient.Send(ctx, "file_processing", payload, 0)
	if err != nil {
		return err
	}

	tracker := jobtracking.NewStore(pool)
	if _, err := tracker.Create(ctx, "file_processing", enqueueJobType, fileID, msgID, payload); err != nil {
		slog.Warn("job tracking create failed", slog.Any("error", err))
	}

	slog.Info("job enqueued", slog.Int64("msgID", msgID), slog.String("fileID", fileID.String()))
	return nil
}
