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

// Package pgmq is a typed client for the PGMQ SQL surface: queue creation,
// send, read with optional long polling, delete, archive, metrics, and
// purge. It owns no message storage; PGMQ enforces visibility timeouts and
// redelivery on its side.
package pgmq

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueType selects the PGMQ table flavor backing a queue.
type QueueType string

const (
	QueueTypeStandard    QueueType = "standard"
	QueueTypeUnlogged    QueueType = "unlogged"
	QueueTypePartitioned QueueType = "partitioned"
)

// QueueDefinition is the static description of one named queue. It is
// loaded once at process start and never mutated afterwards.
type QueueDefinition struct {
	Name              string        `mapstructure:"name"`
	Type              QueueType     `mapstructure:"type"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	LongPolling       bool          `mapstructure:"long_polling"`
	Priority          int           `mapstructure:"priority"`
	PartitionInterval string        `mapstructure:"partition_interval"`
	RetentionInterval string        `mapstructure:"retention_interval"`
}

// Validate checks the definition invariants: priority in 1..10, positive
// sizing, and partitioned queues carrying partition/retention intervals.
func (d QueueDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("queue definition has no name")
	}
	switch d.Type {
	case QueueTypeStandard, QueueTypeUnlogged, QueueTypePartitioned:
	default:
		return fmt.Errorf("queue %s: unknown type %q", d.Name, d.Type)
	}
	if d.Priority < 1 || d.Priority > 10 {
		return fmt.Errorf("queue %s: priority %d outside 1..10", d.Name, d.Priority)
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("queue %s: batch size must be positive", d.Name)
	}
	if d.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue %s: visibility timeout must be positive", d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("queue %s: max retries must not be negative", d.Name)
	}
	if d.Type == QueueTypePartitioned && (d.PartitionInterval == "" || d.RetentionInterval == "") {
		return fmt.Errorf("queue %s: partitioned queues require partition_interval and retention_interval", d.Name)
	}
	return nil
}

// Message is one delivery of a queued payload. The queue primitive owns
// the message; this struct is only a transient reference held while a
// processing attempt is in flight. ReadCount increments each time the
// message becomes visible again and serves as the retry-attempt counter.
type Message struct {
	ID                 int64
	Payload            json.RawMessage
	EnqueuedAt         time.Time
	VisibilityDeadline time.Time
	ReadCount          int
}

// QueueMetrics is a read-only snapshot from pgmq.metrics. It is never
// persisted by this layer.
type QueueMetrics struct {
	QueueName       string
	QueueLength     int64
	NewestMsgAgeSec *int64
	OldestMsgAgeSec *int64
	TotalMessages   int64
}
