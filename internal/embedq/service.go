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

// Package embedq owns the embedding generation queue. It is external-API
// bound: enqueues are split into small fixed-size payloads, the consumer
// overlaps at most three API calls at a time, and idle polling backs off
// exponentially to keep quiet-queue load low.
package embedq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/jobrunner/internal/embedclient"
	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/logctx"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
	"github.com/cardinalhq/jobrunner/internal/stats"
)

// QueueName is the PGMQ queue this service owns.
const QueueName = "embeddings"

// DefaultModel is used when an enqueue does not name a model.
const DefaultModel = "text-embedding-3-small"

const (
	pollWait = 5 * time.Second

	// Idle backoff: base interval grows 1.5x per empty cycle up to 16x,
	// resetting to 1x on any activity.
	backoffBase       = time.Second
	backoffMultiplier = 1.5
	backoffCapFactor  = 16

	// How many embedding API calls may be in flight at once; the external
	// provider rate limits aggressively.
	batchConcurrency = 3
)

// Queue is the subset of the pgmq client the service needs.
type Queue interface {
	Send(ctx context.Context, queue string, payload any, delay time.Duration) (int64, error)
	ReadWithPoll(ctx context.Context, queue string, maxWait time.Duration) ([]pgmq.Message, error)
	Delete(ctx context.Context, queue string, msgID int64) (bool, error)
	Archive(ctx context.Context, queue string, msgID int64) (bool, error)
}

// Tracker is the job tracking surface consumers write to.
type Tracker interface {
	Create(ctx context.Context, queueName, jobType string, externalID uuid.UUID, queueMsgID int64, payload any) (int64, error)
	MarkProcessing(ctx context.Context, queueName string, queueMsgID int64) error
	MarkCompleted(ctx context.Context, queueName string, queueMsgID int64) error
	MarkFailed(ctx context.Context, queueName string, queueMsgID int64, cause error) error
	MarkDead(ctx context.Context, queueName string, queueMsgID int64, cause error) error
}

// Service is the embedding queue: batched producer API plus the consumer
// loop with exponential idle backoff and a bounded concurrency window.
type Service struct {
	queue      Queue
	tracker    Tracker
	client     embedclient.Client
	costs      *embedclient.CostTracker
	maxRetries int
	running    atomic.Bool
	avg        stats.Average

	callDuration metric.Float64Histogram
	processed    metric.Int64Counter
	archived     metric.Int64Counter
}

func NewService(queue Queue, tracker Tracker, client embedclient.Client, maxRetries int) (*Service, error) {
	meter := otel.Meter("github.com/cardinalhq/jobrunner/internal/embedq")

	callDuration, err := meter.Float64Histogram(
		"jobrunner.embedq.call.duration",
		metric.WithUnit("s"),
		metric.WithDescription("The duration in seconds of one embedding API call"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedq.call.duration histogram: %w", err)
	}

	processed, err := meter.Int64Counter(
		"jobrunner.embedq.processed",
		metric.WithDescription("Number of embedding messages completed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedq.processed counter: %w", err)
	}

	archived, err := meter.Int64Counter(
		"jobrunner.embedq.archived",
		metric.WithDescription("Number of embedding messages quarantined"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedq.archived counter: %w", err)
	}

	return &Service{
		queue:        queue,
		tracker:      tracker,
		client:       client,
		costs:        embedclient.NewCostTracker(),
		maxRetries:   maxRetries,
		callDuration: callDuration,
		processed:    processed,
		archived:     archived,
	}, nil
}

// EnqueueChunks splits a file's chunk set into payloads of at most
// jobs.EmbeddingBatchSize chunks and sends each one. Order is preserved
// across payloads via the chunks' position fields.
func (s *Service) EnqueueChunks(ctx context.Context, fileID, userID uuid.UUID, chunks []jobs.EmbeddingChunk) error {
	now := time.Now().UTC()
	for _, batch := range jobs.SplitChunks(chunks, jobs.EmbeddingBatchSize) {
		payload := jobs.EmbeddingPayload{
			FileID:   fileID,
			UserID:   userID,
			Chunks:   batch,
			Model:    DefaultModel,
			QueuedAt: now,
		}
		msgID, err := s.queue.Send(ctx, QueueName, payload, 0)
		if err != nil {
			return fmt.Errorf("enqueue embedding batch: %w", err)
		}
		if _, err := s.tracker.Create(ctx, QueueName, "generate_embeddings", fileID, msgID, payload); err != nil {
			logctx.FromContext(ctx).Warn("job tracking create failed",
				slog.String("queue", QueueName), slog.Int64("msgID", msgID), slog.Any("error", err))
		}
	}
	logctx.FromContext(ctx).Info("embedding generation queued",
		slog.String("fileID", fileID.String()), slog.Int("chunks", len(chunks)))
	return nil
}

// CostSnapshot exposes the running cost estimate and API latency average.
func (s *Service) CostSnapshot() embedclient.Snapshot {
	return s.costs.Snapshot()
}

// AvgProcessingTime is the running average per-message duration.
func (s *Service) AvgProcessingTime() time.Duration {
	return s.avg.Value()
}

// Stop makes the consumer loop exit after its current cycle.
func (s *Service) Stop() {
	s.running.Store(false)
}

// Run is the consumer loop. Empty polls stretch the inter-poll delay
// exponentially; any activity snaps it back to the base interval.
func (s *Service) Run(ctx context.Context) error {
	ll := logctx.FromContext(ctx).With(slog.String("queue", QueueName))
	ctx = logctx.WithLogger(ctx, ll)

	s.running.Store(true)
	ll.Info("embedding consumer started")

	delay := backoffBase
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := s.queue.ReadWithPoll(ctx, QueueName, pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ll.Error("poll failed", slog.Any("error", err))
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		if len(msgs) > 0 {
			s.processBatch(ctx, msgs)
			delay = backoffBase
			continue
		}

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * backoffMultiplier)
		if maxDelay := backoffBase * backoffCapFactor; delay > maxDelay {
			delay = maxDelay
		}
	}

	ll.Info("embedding consumer stopped")
	return nil
}

// processBatch processes messages in a bounded concurrency window so at
// most batchConcurrency API calls overlap.
func (s *Service) processBatch(ctx context.Context, msgs []pgmq.Message) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			s.processMessage(gctx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) processMessage(ctx context.Context, msg pgmq.Message) {
	start := time.Now()
	ll := logctx.FromContext(ctx).With(
		slog.Int64("msgID", msg.ID),
		slog.Int("attempt", msg.ReadCount))
	ctx = logctx.WithLogger(ctx, ll)

	var payload jobs.EmbeddingPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		ll.Error("malformed payload, archiving", slog.Any("error", err))
		s.quarantine(ctx, msg, jobs.NewKindError(jobs.KindInvalidInput, err), false)
		return
	}

	if err := s.tracker.MarkProcessing(ctx, QueueName, msg.ID); err != nil {
		ll.Warn("job tracking mark processing failed", slog.Any("error", err))
	}

	reqs := make([]embedclient.Request, 0, len(payload.Chunks))
	for _, chunk := range payload.Chunks {
		reqs = append(reqs, embedclient.Request{ChunkID: chunk.ID, Content: chunk.Content})
	}

	callStart := time.Now()
	err := s.client.GenerateBatch(ctx, payload.Model, reqs)
	callElapsed := time.Since(callStart)
	s.callDuration.Record(ctx, callElapsed.Seconds())

	if err == nil {
		s.costs.RecordCall(reqs, callElapsed)
		if _, err := s.queue.Delete(ctx, QueueName, msg.ID); err != nil {
			ll.Error("delete after success failed", slog.Any("error", err))
		}
		if err := s.tracker.MarkCompleted(ctx, QueueName, msg.ID); err != nil {
			ll.Warn("job tracking mark completed failed", slog.Any("error", err))
		}
		s.avg.Record(time.Since(start))
		s.processed.Add(ctx, 1)
		ll.Info("embeddings generated",
			slog.Int("chunks", len(reqs)), slog.Duration("elapsed", callElapsed))
		return
	}

	kind := jobs.Classify(err)
	if kind.Retryable() && msg.ReadCount < s.maxRetries {
		ll.Info("embedding batch will be retried",
			slog.String("kind", kind.String()), slog.Any("error", err))
		return
	}

	exhausted := kind.Retryable()
	ll.Error("embedding batch failed permanently",
		slog.String("kind", kind.String()),
		slog.Bool("retriesExhausted", exhausted),
		slog.Any("error", err))
	s.quarantine(ctx, msg, err, exhausted)
}

func (s *Service) quarantine(ctx context.Context, msg pgmq.Message, cause error, exhausted bool) {
	ll := logctx.FromContext(ctx)
	if _, err := s.queue.Archive(ctx, QueueName, msg.ID); err != nil {
		ll.Error("archive failed", slog.Any("error", err))
	}
	s.archived.Add(ctx, 1)

	var err error
	if exhausted {
		err = s.tracker.MarkDead(ctx, QueueName, msg.ID, cause)
	} else {
		err = s.tracker.MarkFailed(ctx, QueueName, msg.ID, cause)
	}
	if err != nil {
		ll.Warn("job tracking terminal mark failed", slog.Any("error", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
