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

// Package notifyq owns the notification queue. Notifications are
// lightweight and disposable: delivery is attempted once, any failure is
// archived rather than retried, and the consumer polls on a fixed interval
// without long polling.
package notifyq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/logctx"
	"github.com/cardinalhq/jobrunner/internal/notifyclient"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

// QueueName is the PGMQ queue this service owns.
const QueueName = "notifications"

// pollInterval is the fixed wait between reads. The queue definition turns
// long polling off, so an empty read returns immediately.
const pollInterval = 5 * time.Second

// Queue is the subset of the pgmq client the service needs.
type Queue interface {
	Send(ctx context.Context, queue string, payload any, delay time.Duration) (int64, error)
	Read(ctx context.Context, queue string) ([]pgmq.Message, error)
	Delete(ctx context.Context, queue string, msgID int64) (bool, error)
	Archive(ctx context.Context, queue string, msgID int64) (bool, error)
}

// Service is the notification queue: fire-and-forget producer plus the
// fixed-interval consumer loop.
type Service struct {
	queue    Queue
	notifier notifyclient.Notifier
	running  atomic.Bool

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

func NewService(queue Queue, notifier notifyclient.Notifier) (*Service, error) {
	meter := otel.Meter("github.com/cardinalhq/jobrunner/internal/notifyq")

	delivered, err := meter.Int64Counter(
		"jobrunner.notifyq.delivered",
		metric.WithDescription("Number of notifications delivered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifyq.delivered counter: %w", err)
	}

	dropped, err := meter.Int64Counter(
		"jobrunner.notifyq.dropped",
		metric.WithDescription("Number of notifications archived without delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifyq.dropped counter: %w", err)
	}

	return &Service{
		queue:     queue,
		notifier:  notifier,
		delivered: delivered,
		dropped:   dropped,
	}, nil
}

// Enqueue sends one notification payload. Notifications carry no tracking
// rows; the queue itself is the only record.
func (s *Service) Enqueue(ctx context.Context, n jobs.NotificationPayload) error {
	if n.QueuedAt.IsZero() {
		n.QueuedAt = time.Now().UTC()
	}
	if _, err := s.queue.Send(ctx, QueueName, n, 0); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Stop makes the consumer loop exit after its current cycle.
func (s *Service) Stop() {
	s.running.Store(false)
}

// Run is the consumer loop: read, deliver everything in parallel, sleep a
// fixed interval, repeat. Read errors already degrade to an empty batch in
// the client, so the loop shape stays constant.
func (s *Service) Run(ctx context.Context) error {
	ll := logctx.FromContext(ctx).With(slog.String("queue", QueueName))
	ctx = logctx.WithLogger(ctx, ll)

	s.running.Store(true)
	ll.Info("notification consumer started")

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := s.queue.Read(ctx, QueueName)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ll.Error("read failed", slog.Any("error", err))
		}

		if len(msgs) > 0 {
			var wg sync.WaitGroup
			for _, msg := range msgs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.deliver(ctx, msg)
				}()
			}
			wg.Wait()
		}

		if !sleepCtx(ctx, pollInterval) {
			return ctx.Err()
		}
	}

	ll.Info("notification consumer stopped")
	return nil
}

// deliver attempts one delivery. Any failure archives the message; stale
// retried notifications are worse than dropped ones.
func (s *Service) deliver(ctx context.Context, msg pgmq.Message) {
	ll := logctx.FromContext(ctx).With(slog.Int64("msgID", msg.ID))

	var payload jobs.NotificationPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		ll.Error("malformed notification, archiving", slog.Any("error", err))
		s.archive(ctx, msg.ID)
		return
	}

	if err := s.notifier.Deliver(ctx, payload); err != nil {
		ll.Error("notification delivery failed, archiving",
			slog.String("type", string(payload.Type)), slog.Any("error", err))
		s.archive(ctx, msg.ID)
		return
	}

	if _, err := s.queue.Delete(ctx, QueueName, msg.ID); err != nil {
		ll.Error("delete after delivery failed", slog.Any("error", err))
	}
	s.delivered.Add(ctx, 1)
	ll.Debug("notification delivered", slog.String("type", string(payload.Type)))
}

func (s *Service) archive(ctx context.Context, msgID int64) {
	if _, err := s.queue.Archive(ctx, QueueName, msgID); err != nil {
		// Not dropped yet: the message stays visible and comes back.
		logctx.FromContext(ctx).Error("archive failed",
			slog.Int64("msgID", msgID), slog.Any("error", err))
		return
	}
	s.dropped.Add(ctx, 1)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
