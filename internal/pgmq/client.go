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

package pgmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardinalhq/jobrunner/internal/logctx"
)

// DB is the subset of pgxpool.Pool the client needs. Kept small so tests
// can stand in a fake.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pollSubInterval is how often ReadWithPoll re-reads a long-polling queue
// while waiting for messages.
const pollSubInterval = time.Second

var ErrUnknownQueue = errors.New("queue is not configured")

// Client issues PGMQ SQL calls for a fixed set of configured queues.
type Client struct {
	db   DB
	defs map[string]QueueDefinition

	mu      sync.Mutex
	created map[string]struct{}
}

// NewClient builds a client over db for the given queue definitions.
// Definitions are validated; an invalid one fails construction.
func NewClient(db DB, defs []QueueDefinition) (*Client, error) {
	byName := make(map[string]QueueDefinition, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		byName[def.Name] = def
	}
	return &Client{
		db:      db,
		defs:    byName,
		created: make(map[string]struct{}),
	}, nil
}

// Definition returns the static definition for a configured queue.
func (c *Client) Definition(queue string) (QueueDefinition, bool) {
	def, ok := c.defs[queue]
	return def, ok
}

// QueueNames returns the names of all configured queues.
func (c *Client) QueueNames() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	return names
}

// CreateQueue creates the queue if it does not exist. Re-creating an
// existing queue is a logged no-op; successful creations are remembered
// per process so repeated calls skip the round-trip.
func (c *Client) CreateQueue(ctx context.Context, queue string) error {
	def, ok := c.defs[queue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	c.mu.Lock()
	_, done := c.created[queue]
	c.mu.Unlock()
	if done {
		logctx.FromContext(ctx).Debug("queue already created", slog.String("queue", queue))
		return nil
	}

	var err error
	switch def.Type {
	case QueueTypeUnlogged:
		_, err = c.db.Exec(ctx, "SELECT pgmq.create_unlogged($1)", queue)
	case QueueTypePartitioned:
		_, err = c.db.Exec(ctx, "SELECT pgmq.create_partitioned($1, $2, $3)",
			queue, def.PartitionInterval, def.RetentionInterval)
	default:
		_, err = c.db.Exec(ctx, "SELECT pgmq.create($1)", queue)
	}
	if err != nil {
		return fmt.Errorf("create queue %s: %w", queue, err)
	}

	c.mu.Lock()
	c.created[queue] = struct{}{}
	c.mu.Unlock()

	logctx.FromContext(ctx).Info("queue created", slog.String("queue", queue), slog.String("type", string(def.Type)))
	return nil
}

// Send enqueues one payload, optionally delayed, and returns the message id.
func (c *Client) Send(ctx context.Context, queue string, payload any, delay time.Duration) (int64, error) {
	if _, ok := c.defs[queue]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload for %s: %w", queue, err)
	}

	var msgID int64
	row := c.db.QueryRow(ctx, "SELECT pgmq.send($1, $2::jsonb, $3)", queue, body, int(delay.Seconds()))
	if err := row.Scan(&msgID); err != nil {
		return 0, fmt.Errorf("send to %s: %w", queue, err)
	}

	logctx.FromContext(ctx).Debug("message sent",
		slog.String("queue", queue),
		slog.Int64("msgID", msgID),
		slog.Duration("delay", delay))
	return msgID, nil
}

// SendBatch enqueues payloads one by one (the batch is a convenience, not
// a different delivery contract) and returns the ids of the sends that
// succeeded. Partial failures are aggregated into the returned error.
func (c *Client) SendBatch(ctx context.Context, queue string, payloads []any) ([]int64, error) {
	var errs *multierror.Error
	ids := make([]int64, 0, len(payloads))
	for i, payload := range payloads {
		id, err := c.Send(ctx, queue, payload, 0)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("payload %d: %w", i, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errs.ErrorOrNil()
}

// Read fetches up to the queue's configured batch size, hiding each
// returned message for the configured visibility timeout. A transport
// failure is logged and degrades to an empty result so a transient
// database hiccup never stalls a consumer loop.
func (c *Client) Read(ctx context.Context, queue string) ([]Message, error) {
	def, ok := c.defs[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	rows, err := c.db.Query(ctx,
		"SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.read($1, $2, $3)",
		queue, int(def.VisibilityTimeout.Seconds()), def.BatchSize)
	if err != nil {
		logctx.FromContext(ctx).Error("read failed, returning empty batch",
			slog.String("queue", queue), slog.Any("error", err))
		return nil, nil
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ReadCount, &m.EnqueuedAt, &m.VisibilityDeadline, &m.Payload); err != nil {
			return nil, fmt.Errorf("scan message from %s: %w", queue, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		logctx.FromContext(ctx).Error("read failed mid-batch, returning empty batch",
			slog.String("queue", queue), slog.Any("error", err))
		return nil, nil
	}
	return msgs, nil
}

// ReadWithPoll behaves as Read for queues configured without long polling.
// Otherwise it re-reads every pollSubInterval until messages arrive or
// maxWait elapses, returning an empty batch on timeout.
func (c *Client) ReadWithPoll(ctx context.Context, queue string, maxWait time.Duration) ([]Message, error) {
	def, ok := c.defs[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if !def.LongPolling {
		return c.Read(ctx, queue)
	}

	deadline := time.Now().Add(maxWait)
	for {
		msgs, err := c.Read(ctx, queue)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollSubInterval):
		}
	}
}

// Delete permanently removes a message. Returns false when the message no
// longer exists (already deleted or archived).
func (c *Client) Delete(ctx context.Context, queue string, msgID int64) (bool, error) {
	var ok bool
	row := c.db.QueryRow(ctx, "SELECT pgmq.delete($1, $2)", queue, msgID)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("delete %d from %s: %w", msgID, queue, err)
	}
	return ok, nil
}

// DeleteBatch deletes messages one by one and returns the subset of ids
// that were actually removed.
func (c *Client) DeleteBatch(ctx context.Context, queue string, msgIDs []int64) ([]int64, error) {
	var errs *multierror.Error
	deleted := make([]int64, 0, len(msgIDs))
	for _, id := range msgIDs {
		ok, err := c.Delete(ctx, queue, id)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, errs.ErrorOrNil()
}

// Archive removes a message from the active queue but retains it in the
// archive table for inspection. Used to quarantine poison messages.
func (c *Client) Archive(ctx context.Context, queue string, msgID int64) (bool, error) {
	var ok bool
	row := c.db.QueryRow(ctx, "SELECT pgmq.archive($1, $2)", queue, msgID)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("archive %d from %s: %w", msgID, queue, err)
	}
	logctx.FromContext(ctx).Info("message archived",
		slog.String("queue", queue), slog.Int64("msgID", msgID), slog.Bool("archived", ok))
	return ok, nil
}

// ArchiveBatch archives messages one by one and returns the subset of ids
// that were actually archived.
func (c *Client) ArchiveBatch(ctx context.Context, queue string, msgIDs []int64) ([]int64, error) {
	var errs *multierror.Error
	archived := make([]int64, 0, len(msgIDs))
	for _, id := range msgIDs {
		ok, err := c.Archive(ctx, queue, id)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if ok {
			archived = append(archived, id)
		}
	}
	return archived, errs.ErrorOrNil()
}

// Metrics returns the snapshot for one queue, or nil when PGMQ has no row
// for it yet.
func (c *Client) Metrics(ctx context.Context, queue string) (*QueueMetrics, error) {
	if _, ok := c.defs[queue]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	row := c.db.QueryRow(ctx,
		"SELECT queue_name, queue_length, newest_msg_age_sec, oldest_msg_age_sec, total_messages FROM pgmq.metrics($1)",
		queue)
	var m QueueMetrics
	if err := row.Scan(&m.QueueName, &m.QueueLength, &m.NewestMsgAgeSec, &m.OldestMsgAgeSec, &m.TotalMessages); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("metrics for %s: %w", queue, err)
	}
	return &m, nil
}

// MetricsAll returns snapshots for every queue PGMQ knows about.
func (c *Client) MetricsAll(ctx context.Context) ([]QueueMetrics, error) {
	rows, err := c.db.Query(ctx,
		"SELECT queue_name, queue_length, newest_msg_age_sec, oldest_msg_age_sec, total_messages FROM pgmq.metrics_all()")
	if err != nil {
		return nil, fmt.Errorf("metrics_all: %w", err)
	}
	defer rows.Close()

	var out []QueueMetrics
	for rows.Next() {
		var m QueueMetrics
		if err := rows.Scan(&m.QueueName, &m.QueueLength, &m.NewestMsgAgeSec, &m.OldestMsgAgeSec, &m.TotalMessages); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Purge drops every message in the queue and returns how many were
// removed. Callers are responsible for refusing to run this in production;
// see the orchestrator's emergency purge.
func (c *Client) Purge(ctx context.Context, queue string) (int64, error) {
	if _, ok := c.defs[queue]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	var n int64
	row := c.db.QueryRow(ctx, "SELECT pgmq.purge_queue($1)", queue)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("purge %s: %w", queue, err)
	}
	logctx.FromContext(ctx).Warn("queue purged", slog.String("queue", queue), slog.Int64("purged", n))
	return n, nil
}
