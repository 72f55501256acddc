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

// Package orchestrator is the single entry point callers use to reach the
// queue subsystem: typed enqueue operations, job status lookup, aggregated
// health, and the guarded emergency purge. Callers never touch queue
// services or the pgmq client directly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/jobtracking"
	"github.com/cardinalhq/jobrunner/internal/logctx"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

// ErrProductionPurge is returned when an emergency purge is attempted in a
// production environment. There is no override flag.
var ErrProductionPurge = errors.New("emergency purge refused: environment is production")

// QueueAdmin is the administrative slice of the pgmq client: lifecycle,
// metrics, and purge. The per-queue services own send and read.
type QueueAdmin interface {
	CreateQueue(ctx context.Context, queue string) error
	Metrics(ctx context.Context, queue string) (*pgmq.QueueMetrics, error)
	Purge(ctx context.Context, queue string) (int64, error)
	QueueNames() []string
}

// FileEnqueuer is the producer side of the file processing service.
type FileEnqueuer interface {
	Enqueue(ctx context.Context, payload jobs.FileProcessingPayload) (int64, error)
}

// EmbeddingEnqueuer is the producer side of the embedding service.
type EmbeddingEnqueuer interface {
	EnqueueChunks(ctx context.Context, fileID, userID uuid.UUID, chunks []jobs.EmbeddingChunk) error
}

// NotificationEnqueuer is the producer side of the notification service.
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, n jobs.NotificationPayload) error
}

// StatusReader looks up job tracking records.
type StatusReader interface {
	LatestByExternalID(ctx context.Context, externalID uuid.UUID) (*jobtracking.Record, error)
}

// Orchestrator fronts the three queue services and the tracking ledger.
type Orchestrator struct {
	admin         QueueAdmin
	files         FileEnqueuer
	embeddings    EmbeddingEnqueuer
	notifications NotificationEnqueuer
	status        StatusReader
	environment   string

	metricsCache *ttlcache.Cache[string, pgmq.QueueMetrics]
}

// New builds an orchestrator. metricsTTL bounds how stale a cached queue
// metrics snapshot may be before the next health check refetches it.
func New(
	admin QueueAdmin,
	files FileEnqueuer,
	embeddings EmbeddingEnqueuer,
	notifications NotificationEnqueuer,
	status StatusReader,
	environment string,
	metricsTTL time.Duration,
) *Orchestrator {
	if metricsTTL <= 0 {
		metricsTTL = 30 * time.Second
	}
	return &Orchestrator{
		admin:         admin,
		files:         files,
		embeddings:    embeddings,
		notifications: notifications,
		status:        status,
		environment:   environment,
		metricsCache: ttlcache.New(
			ttlcache.WithTTL[string, pgmq.QueueMetrics](metricsTTL),
			ttlcache.WithDisableTouchOnHit[string, pgmq.QueueMetrics](),
		),
	}
}

// QueueNames lists the configured queues.
func (o *Orchestrator) QueueNames() []string {
	return o.admin.QueueNames()
}

// EnsureQueues creates every configured queue. Safe to call on every
// process start; existing queues are no-ops.
func (o *Orchestrator) EnsureQueues(ctx context.Context) error {
	var errs *multierror.Error
	for _, name := range o.admin.QueueNames() {
		if err := o.admin.CreateQueue(ctx, name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// EnqueueFileProcessing queues a file for the full processing pipeline and
// returns the queue message id.
func (o *Orchestrator) EnqueueFileProcessing(ctx context.Context, fileID, userID uuid.UUID, jobType jobs.JobType, opts jobs.ProcessingOptions) (int64, error) {
	if fileID == uuid.Nil {
		return 0, fmt.Errorf("file id is required")
	}
	if userID == uuid.Nil {
		return 0, fmt.Errorf("user id is required")
	}
	if jobType == "" {
		jobType = jobs.JobTypeProcessFile
	}
	payload := jobs.FileProcessingPayload{
		FileID:   fileID,
		UserID:   userID,
		JobType:  jobType,
		Options:  opts,
		Priority: jobs.MapPriority(jobs.Priority(opts.Priority)),
		QueuedAt: time.Now().UTC(),
	}
	msgID, err := o.files.Enqueue(ctx, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue file processing: %w", err)
	}
	logctx.FromContext(ctx).Info("file processing enqueued",
		slog.String("fileID", fileID.String()),
		slog.String("jobType", string(jobType)),
		slog.Int64("msgID", msgID))
	return msgID, nil
}

// EnqueueEmbeddingGeneration queues embedding generation for an
// already-chunked file.
func (o *Orchestrator) EnqueueEmbeddingGeneration(ctx context.Context, fileID, userID uuid.UUID, chunks []jobs.EmbeddingChunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks to embed for file %s", fileID)
	}
	return o.embeddings.EnqueueChunks(ctx, fileID, userID, chunks)
}

// EnqueueNotification queues one user notification. The symbolic priority
// is mapped onto the queue primitive's 1..10 scale here so callers never
// see raw integers.
func (o *Orchestrator) EnqueueNotification(ctx context.Context, userID uuid.UUID, typ jobs.NotificationType, title, message string, data map[string]any, priority jobs.Priority) error {
	if userID == uuid.Nil {
		return fmt.Errorf("user id is required")
	}
	n := jobs.NotificationPayload{
		UserID:   userID,
		Type:     typ,
		Title:    title,
		Message:  message,
		Data:     data,
		Priority: jobs.MapPriority(priority),
		QueuedAt: time.Now().UTC(),
	}
	return o.notifications.Enqueue(ctx, n)
}

// JobStatus returns the most recent tracking record for an external entity
// such as a file id.
func (o *Orchestrator) JobStatus(ctx context.Context, externalID uuid.UUID) (*jobtracking.Record, error) {
	return o.status.LatestByExternalID(ctx, externalID)
}

// EmergencyPurgeAllQueues drops every message from every configured queue
// and returns per-queue purge counts. Refused outright in production.
func (o *Orchestrator) EmergencyPurgeAllQueues(ctx context.Context) (map[string]int64, error) {
	if o.environment == "production" {
		return nil, ErrProductionPurge
	}

	ll := logctx.FromContext(ctx)
	ll.Warn("emergency purge of all queues requested", slog.String("environment", o.environment))

	purged := make(map[string]int64)
	var errs *multierror.Error
	for _, name := range o.admin.QueueNames() {
		n, err := o.admin.Purge(ctx, name)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("purge %s: %w", name, err))
			continue
		}
		purged[name] = n
	}
	o.metricsCache.DeleteAll()
	return purged, errs.ErrorOrNil()
}
