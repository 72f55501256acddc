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

// Package embedclient defines the embedding generation capability the
// embedding queue consumes, plus running cost and latency accounting for
// the external API.
package embedclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is one chunk to embed.
type Request struct {
	ChunkID uuid.UUID
	Content string
}

// Client generates embeddings for a batch of chunks. Implementations wrap
// the external model API and are expected to return jobs.KindError-wrapped
// failures so retry policy can dispatch on kind.
type Client interface {
	GenerateBatch(ctx context.Context, model string, reqs []Request) error
}

// Pricing for the cost heuristic: ~4 characters per token, priced per 1k
// tokens. The estimate is operational telemetry, not billing.
const (
	charsPerToken = 4
	pricePer1kUSD = 0.0001
)

// CostTracker accumulates an estimated spend and a running average call
// latency across the life of the process.
type CostTracker struct {
	mu           sync.Mutex
	totalTokens  int64
	totalCalls   int64
	totalLatency time.Duration
}

func NewCostTracker() *CostTracker {
	return &CostTracker{}
}

// RecordCall adds one external call's chunk contents and latency.
func (t *CostTracker) RecordCall(reqs []Request, latency time.Duration) {
	var chars int
	for _, r := range reqs {
		chars += len(r.Content)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalTokens += int64(chars / charsPerToken)
	t.totalCalls++
	t.totalLatency += latency
}

// Snapshot is a point-in-time view of the accumulated totals.
type Snapshot struct {
	EstimatedTokens  int64
	EstimatedCostUSD float64
	Calls            int64
	AvgCallLatency   time.Duration
}

func (t *CostTracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		EstimatedTokens:  t.totalTokens,
		EstimatedCostUSD: float64(t.totalTokens) / 1000 * pricePer1kUSD,
		Calls:            t.totalCalls,
	}
	if t.totalCalls > 0 {
		s.AvgCallLatency = t.totalLatency / time.Duration(t.totalCalls)
	}
	return s
}
