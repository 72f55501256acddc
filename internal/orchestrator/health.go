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

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

// HealthState orders worst-last so aggregation can take the maximum.
type HealthState int

const (
	StateHealthy HealthState = iota
	StateDegraded
	StateUnhealthy
)

func (s HealthState) String() string {
	switch s {
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// Depth and staleness thresholds for per-queue health classification.
const (
	depthUnhealthy = 1000
	depthDegraded  = 100

	staleUnhealthy = 3600 * time.Second
	staleDegraded  = 600 * time.Second
)

// QueueHealth is the evaluated health of one queue.
type QueueHealth struct {
	Queue        string      `json:"queue"`
	State        HealthState `json:"-"`
	Status       string      `json:"status"`
	Depth        int64       `json:"depth"`
	OldestAgeSec int64       `json:"oldest_age_sec"`
	Reason       string      `json:"reason,omitempty"`
	CheckedAt    time.Time   `json:"checked_at"`
}

// SystemHealth aggregates every queue; the overall state is the worst
// per-queue state.
type SystemHealth struct {
	State     HealthState            `json:"-"`
	Status    string                 `json:"status"`
	Queues    map[string]QueueHealth `json:"queues"`
	CheckedAt time.Time              `json:"checked_at"`
}

// SystemHealth evaluates all configured queues concurrently. A metrics
// fetch failure marks that queue unhealthy rather than failing the whole
// evaluation.
func (o *Orchestrator) SystemHealth(ctx context.Context) SystemHealth {
	now := time.Now().UTC()
	names := o.admin.QueueNames()

	var mu sync.Mutex
	queues := make(map[string]QueueHealth, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			qh := o.queueHealth(gctx, name, now)
			mu.Lock()
			queues[name] = qh
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StateHealthy
	for _, qh := range queues {
		if qh.State > overall {
			overall = qh.State
		}
	}
	return SystemHealth{
		State:     overall,
		Status:    overall.String(),
		Queues:    queues,
		CheckedAt: now,
	}
}

// QueueHealth evaluates one queue by name. Unknown names return an
// unhealthy result with the error as the reason.
func (o *Orchestrator) QueueHealth(ctx context.Context, queue string) QueueHealth {
	return o.queueHealth(ctx, queue, time.Now().UTC())
}

func (o *Orchestrator) queueHealth(ctx context.Context, queue string, now time.Time) QueueHealth {
	metrics, err := o.cachedMetrics(ctx, queue)
	if err != nil {
		return QueueHealth{
			Queue:     queue,
			State:     StateUnhealthy,
			Status:    StateUnhealthy.String(),
			Reason:    fmt.Sprintf("metrics unavailable: %v", err),
			CheckedAt: now,
		}
	}

	qh := QueueHealth{
		Queue:     queue,
		State:     StateHealthy,
		CheckedAt: now,
	}
	if metrics != nil {
		qh.Depth = metrics.QueueLength
		if metrics.OldestMsgAgeSec != nil {
			qh.OldestAgeSec = *metrics.OldestMsgAgeSec
		}
	}

	oldest := time.Duration(qh.OldestAgeSec) * time.Second
	switch {
	case qh.Depth > depthUnhealthy:
		qh.State = StateUnhealthy
		qh.Reason = fmt.Sprintf("depth %d exceeds %d", qh.Depth, depthUnhealthy)
	case oldest > staleUnhealthy:
		qh.State = StateUnhealthy
		qh.Reason = fmt.Sprintf("oldest message is %s old", oldest)
	case qh.Depth > depthDegraded:
		qh.State = StateDegraded
		qh.Reason = fmt.Sprintf("depth %d exceeds %d", qh.Depth, depthDegraded)
	case oldest > staleDegraded:
		qh.State = StateDegraded
		qh.Reason = fmt.Sprintf("oldest message is %s old", oldest)
	}
	qh.Status = qh.State.String()
	return qh
}

// cachedMetrics serves queue metrics from the TTL cache, fetching on miss.
// Errors are never cached; the next call retries.
func (o *Orchestrator) cachedMetrics(ctx context.Context, queue string) (*pgmq.QueueMetrics, error) {
	if item := o.metricsCache.Get(queue); item != nil {
		m := item.Value()
		return &m, nil
	}
	m, err := o.admin.Metrics(ctx, queue)
	if err != nil {
		return nil, err
	}
	if m == nil {
		// PGMQ has no row for the queue yet; treat as an empty queue but do
		// not cache so the first real snapshot lands promptly.
		return nil, nil
	}
	o.metricsCache.Set(queue, *m, ttlcache.DefaultTTL)
	return m, nil
}
