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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/logctx"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
	"github.com/cardinalhq/jobrunner/internal/stats"
)

// QueueName is the PGMQ queue this service owns.
const QueueName = "file_processing"

const (
	pollWait  = 30 * time.Second
	idleSleep = time.Second

	// Loop-level error sleeps. Connection flaps clear quickly; a missing
	// pgmq function means the extension is not installed yet and hammering
	// the database will not change that.
	connErrorSleep   = 2 * time.Second
	schemaErrorSleep = 10 * time.Second
	errorSleep       = 5 * time.Second
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

// Processor runs the business logic for one dequeued payload.
type Processor interface {
	Process(ctx context.Context, payload jobs.FileProcessingPayload) error
}

// Service is the file processing queue: producer API plus the long-polling
// consumer loop. Messages in a batch are processed with unordered
// parallelism; failures are isolated per message.
type Service struct {
	queue      Queue
	tracker    Tracker
	processor  Processor
	maxRetries int
	running    atomic.Bool
	avg        stats.Average

	procDuration metric.Float64Histogram
	processed    metric.Int64Counter
	archived     metric.Int64Counter
}

func NewService(queue Queue, tracker Tracker, processor Processor, maxRetries int) (*Service, error) {
	meter := otel.Meter("github.com/cardinalhq/jobrunner/internal/fileproc")

	procDuration, err := meter.Float64Histogram(
		"jobrunner.fileproc.duration",
		metric.WithUnit("s"),
		metric.WithDescription("The duration in seconds for a file processing job"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fileproc.duration histogram: %w", err)
	}

	processed, err := meter.Int64Counter(
		"jobrunner.fileproc.processed",
		metric.WithDescription("Number of file processing messages completed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fileproc.processed counter: %w", err)
	}

	archived, err := meter.Int64Counter(
		"jobrunner.fileproc.archived",
		metric.WithDescription("Number of file processing messages quarantined"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fileproc.archived counter: %w", err)
	}

	return &Service{
		queue:        queue,
		tracker:      tracker,
		processor:    processor,
		maxRetries:   maxRetries,
		procDuration: procDuration,
		processed:    processed,
		archived:     archived,
	}, nil
}

// Enqueue sends one payload and creates its tracking row.
func (s *Service) Enqueue(ctx context.Context, payload jobs.FileProcessingPayload) (int64, error) {
	if payload.QueuedAt.IsZero() {
		payload.QueuedAt = time.Now().UTC()
	}
	msgID, err := s.queue.Send(ctx, QueueName, payload, 0)
	if err != nil {
		return 0, err
	}
	if _, err := s.tracker.Create(ctx, QueueName, string(payload.JobType), payload.FileID, msgID, payload); err != nil {
		logctx.FromContext(ctx).Error("job tracking create failed",
			slog.String("queue", QueueName), slog.Int64("msgID", msgID), slog.Any("error", err))
	}
	return msgID, nil
}

// EnqueueBatch sends payloads individually, returning the ids that made it.
func (s *Service) EnqueueBatch(ctx context.Context, payloads []jobs.FileProcessingPayload) ([]int64, error) {
	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		id, err := s.Enqueue(ctx, p)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AvgProcessingTime is the running average job duration for this process.
func (s *Service) AvgProcessingTime() time.Duration {
	return s.avg.Value()
}

// Stop makes the consumer loop exit after its current cycle. There is no
// hard preemption mid-message.
func (s *Service) Stop() {
	s.running.Store(false)
}

// Run is the consumer loop. It long-polls, processes each returned batch
// with unordered parallelism, and keeps going until Stop or ctx
// cancellation. A loop-level error backs off longer than an idle cycle.
func (s *Service) Run(ctx context.Context) error {
	ll := logctx.FromContext(ctx).With(slog.String("queue", QueueName))
	ctx = logctx.WithLogger(ctx, ll)

	s.running.Store(true)
	ll.Info("file processing consumer started")

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
			if !sleepCtx(ctx, errorBackoff(err)) {
				return ctx.Err()
			}
			continue
		}

		if len(msgs) > 0 {
			s.processBatch(ctx, msgs)
		}

		if !sleepCtx(ctx, idleSleep) {
			return ctx.Err()
		}
	}

	ll.Info("file processing consumer stopped")
	return nil
}

func (s *Service) processBatch(ctx context.Context, msgs []pgmq.Message) {
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processMessage(ctx, msg)
		}()
	}
	wg.Wait()
}

func (s *Service) processMessage(ctx context.Context, msg pgmq.Message) {
	start := time.Now()
	ll := logctx.FromContext(ctx).With(
		slog.Int64("msgID", msg.ID),
		slog.Int("attempt", msg.ReadCount))
	ctx = logctx.WithLogger(ctx, ll)

	var payload jobs.FileProcessingPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		// Malformed payloads can never succeed; quarantine immediately.
		ll.Error("malformed payload, archiving", slog.Any("error", err))
		s.quarantine(ctx, msg, jobs.NewKindError(jobs.KindInvalidInput, err), false)
		return
	}

	if err := s.tracker.MarkProcessing(ctx, QueueName, msg.ID); err != nil {
		ll.Warn("job tracking mark processing failed", slog.Any("error", err))
	}

	err := s.processor.Process(ctx, payload)
	if err == nil {
		if _, err := s.queue.Delete(ctx, QueueName, msg.ID); err != nil {
			ll.Error("delete after success failed", slog.Any("error", err))
		}
		if err := s.tracker.MarkCompleted(ctx, QueueName, msg.ID); err != nil {
			ll.Warn("job tracking mark completed failed", slog.Any("error", err))
		}
		elapsed := time.Since(start)
		s.avg.Record(elapsed)
		s.procDuration.Record(ctx, elapsed.Seconds())
		s.processed.Add(ctx, 1)
		ll.Info("message processed", slog.Duration("elapsed", elapsed))
		return
	}

	kind := jobs.Classify(err)
	if kind.Retryable() && msg.ReadCount < s.maxRetries {
		// Leave the message alone; it reappears after the visibility
		// timeout with an incremented read count.
		ll.Info("message will be retried",
			slog.String("kind", kind.String()), slog.Any("error", err))
		return
	}

	exhausted := kind.Retryable()
	ll.Error("message failed permanently",
		slog.String("kind", kind.String()),
		slog.Bool("retriesExhausted", exhausted),
		slog.Any("error", err))
	s.quarantine(ctx, msg, err, exhausted)
}

// quarantine archives a poison message and records the terminal tracking
// state: dead when retries ran out, failed for fatal classification.
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

// errorBackoff picks the loop sleep for a poll error.
func errorBackoff(err error) time.Duration {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout"):
		return connErrorSleep
	case strings.Contains(msg, "undefined function") || strings.Contains(msg, "does not exist"):
		return schemaErrorSleep
	default:
		return errorSleep
	}
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
