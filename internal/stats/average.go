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

// Package stats has small concurrency-safe accumulators used by the queue
// services for their per-queue operational counters.
package stats

import (
	"sync"
	"time"
)

// Average is a running average of durations.
type Average struct {
	mu    sync.Mutex
	total time.Duration
	count int64
}

func (a *Average) Record(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += d
	a.count++
}

func (a *Average) Value() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0
	}
	return a.total / time.Duration(a.count)
}

func (a *Average) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
