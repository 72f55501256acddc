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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

type fakeQueue struct {
	mu       sync.Mutex
	sent     []int64
	deleted  []int64
	archived []int64
	nextID   int64
	readFunc func(ctx context.Context, queue string, maxWait time.Duration) ([]pgmq.Message, error)
}

func (q *fakeQueue) Send(_ context.Context, _ string, _ any, _ time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.sent = append(q.sent, q.nextID)
	return q.nextID, nil
}

func (q *fakeQueue) ReadWithPoll(ctx context.Context, queue string, maxWait time.Duration) ([]pgmq.Message, error) {
	if q.readFunc != nil {
		return q.readFunc(ctx, queue, maxWait)
	}
	return nil, nil
}

func (q *fakeQueue) Delete(_ context.Context, _ string, msgID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, msgID)
	return true, nil
}

func (q *fakeQueue) Archive(_ context.Context, _ string, msgID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.archived = append(q.archived, msgID)
	return true, nil
}

type fakeTracker struct {
	mu         sync.Mutex
	created    int
	processing int
	completed  int
	failed     int
	dead       int
}

func (t *fakeTracker) Create(_ context.Context, _, _ string, _ uuid.UUID, _ int64, _ any) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created++
	return int64(t.created), nil
}

func (t *fakeTracker) MarkProcessing(_ context.Context, _ string, _ int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processing++
	return nil
}

func (t *fakeTracker) MarkCompleted(_ context.Context, _ string, _ int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	return nil
}

func (t *fakeTracker) MarkFailed(_ context.Context, _ string, _ int64, _ error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
	return nil
}

func (t *fakeTracker) MarkDead(_ context.Context, _ string, _ int64, _ error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead++
	return nil
}

type fakeProcessor struct {
	processFunc func(ctx context.Context, payload jobs.FileProcessingPayload) error
}

func (p *fakeProcessor) Process(ctx context.Context, payload jobs.FileProcessingPayload) error {
	return p.processFunc(ctx, payload)
}

func makeMessage(t *testing.T, readCount int) pgmq.Message {
	t.Helper()
	payload, err := json.Marshal(jobs.FileProcessingPayload{
		FileID:  uuid.New(),
		UserID:  uuid.New(),
		JobType: jobs.JobTypeProcessFile,
	})
	require.NoError(t, err)
	return pgmq.Message{ID: 1, Payload: payload, ReadCount: readCount}
}

func TestProcessMessage_SuccessDeletesAndCompletes(t *testing.T) {
	queue := &fakeQueue{}
	tracker := &fakeTracker{}
	svc, err := NewService(queue, tracker, &fakeProcessor{
		processFunc: func(_ context.Context, _ jobs.FileProcessingPayload) error { return nil },
	}, 3)
	require.NoError(t, err)

	svc.processMessage(t.Context(), makeMessage(t, 1))

	assert.Equal(t, []int64{1}, queue.deleted)
	assert.Empty(t, queue.archived)
	assert.Equal(t, 1, tracker.processing)
	assert.Equal(t, 1, tracker.completed)
	assert.Positive(t, svc.AvgProcessingTime())
}

func TestProcessMessage_RetryableLeavesMessage(t *testing.T) {
	queue := &fakeQueue{}
	tracker := &fakeTracker{}
	svc, err := NewService(queue, tracker, &fakeProcessor{
		processFunc: func(_ context.Context, _ jobs.FileProcessingPayload) error {
			return jobs.Errorf(jobs.KindNetwork, "connection reset")
		},
	}, 3)
	require.NoError(t, err)

	svc.processMessage(t.Context(), makeMessage(t, 1))

	// Neither deleted nor archived: the message reappears after the
	// visibility timeout.
	assert.Empty(t, queue.deleted)
	assert.Empty(t, queue.archived)
	assert.Zero(t, tracker.failed)
	assert.Zero(t, tracker.dead)
}

func TestProcessMessage_RetryableExhaustedArchivesDead(t *testing.T) {
	queue := &fakeQueue{}
	tracker := &fakeTracker{}
	svc, err := NewService(queue, tracker, &fakeProcessor{
		processFunc: func(_ context.Context, _ jobs.FileProcessingPayload) error {
			return jobs.Errorf(jobs.KindTimeout, "deadline exceeded")
		},
	}, 3)
	require.NoError(t, err)

	svc.processMessage(t.Context(), makeMessage(t, 3))

	assert.Equal(t, []int64{1}, queue.archived)
	assert.Equal(t, 1, tracker.dead)
	assert.Zero(t, tracker.failed)
}

func TestProcessMessage_FatalArchivesFailedImmediately(t *testing.T) {
	queue := &fakeQueue{}
	tracker := &fakeTracker{}
	svc, err := NewService(queue, tracker, &fakeProcessor{
		processFunc: func(_ context.Context, _ jobs.FileProcessingPayload) error {
			return jobs.Errorf(jobs.KindAccessDenied, "not the owner")
		},
	}, 3)
	require.NoError(t, err)

	// First delivery: fatal means no second chance.
	svc.processMessage(t.Context(), makeMessage(t, 1))

	assert.Equal(t, []int64{1}, queue.archived)
	assert.Equal(t, 1, tracker.failed)
	assert.Zero(t, tracker.dead)
}

func TestProcessMessage_MalformedPayloadQuarantined(t *testing.T) {
	queue := &fakeQueue{}
	tracker := &fakeTracker{}
	called := false
	svc, err := NewService(queue, tracker, &fakeProcessor{
		processFunc: func(_ context.Context, _ jobs.FileProcessingPayload) error {
			called = true
			return nil
		},
	}, 3)
	require.NoError(t, err)

	svc.processMessage(t.Context(), pgmq.Message{ID: 9, Payload: json.RawMessage(`{nope`), ReadCount: 1})

	assert.False(t, called)
	assert.Equal(t, []int64{9}, queue.archived)
	assert.Equal(t, 1, tracker.failed)
}

func TestEnqueue_CreatesTrackingRow(t *testing.T) {
	queue := &fakeQueue{}
	tracker := &fakeTracker{}
	svc, err := NewService(queue, tracker, &fakeProcessor{}, 3)
	require.NoError(t, err)

	msgID, err := svc.Enqueue(t.Context(), jobs.FileProcessingPayload{
		FileID: uuid.New(),
		UserID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msgID)
	assert.Equal(t, 1, tracker.created)
}

func TestErrorBackoff(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"connection refused", errors.New("failed to acquire connection: connection refused"), connErrorSleep},
		{"dial timeout", errors.New("dial tcp 10.0.0.5:5432: i/o timeout"), connErrorSleep},
		{"missing pgmq function", errors.New(`ERROR: function pgmq.read(unknown, integer, integer) does not exist (SQLSTATE 42883)`), schemaErrorSleep},
		{"undefined function", errors.New("undefined function pgmq.read"), schemaErrorSleep},
		{"anything else", errors.New("division by zero"), errorSleep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorBackoff(tt.err))
		})
	}
}

func TestRun_StopEndsLoop(t *testing.T) {
	queue := &fakeQueue{
		readFunc: func(_ context.Context, _ string, _ time.Duration) ([]pgmq.Message, error) {
			return nil, nil
		},
	}
	svc, err := NewService(queue, &fakeTracker{}, &fakeProcessor{}, 3)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(t.Context()) }()

	time.Sleep(50 * time.Millisecond)
	svc.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
