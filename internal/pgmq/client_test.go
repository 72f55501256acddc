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
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return f.queryFunc(ctx, sql, args...)
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.queryRowFunc(ctx, sql, args...)
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.execFunc(ctx, sql, args...)
}

type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// fakeRows serves pre-built message tuples for Read.
type fakeRows struct {
	msgs []Message
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.msgs)
}
func (r *fakeRows) Scan(dest ...any) error {
	m := r.msgs[r.idx-1]
	*dest[0].(*int64) = m.ID
	*dest[1].(*int) = m.ReadCount
	*dest[2].(*time.Time) = m.EnqueuedAt
	*dest[3].(*time.Time) = m.VisibilityDeadline
	*dest[4].(*json.RawMessage) = m.Payload
	return nil
}
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

func testDefs() []QueueDefinition {
	return []QueueDefinition{
		{
			Name:              "file_processing",
			Type:              QueueTypeStandard,
			VisibilityTimeout: 5 * time.Minute,
			BatchSize:         5,
			MaxRetries:        3,
			LongPolling:       true,
			Priority:          5,
		},
		{
			Name:              "notifications",
			Type:              QueueTypeStandard,
			VisibilityTimeout: time.Minute,
			BatchSize:         10,
			Priority:          7,
		},
	}
}

func TestNewClient_InvalidDefinition(t *testing.T) {
	_, err := NewClient(&fakeDB{}, []QueueDefinition{{Name: "bad", Type: "weird", BatchSize: 1, VisibilityTimeout: time.Second, Priority: 5}})
	require.Error(t, err)
}

func TestQueueDefinitionValidate(t *testing.T) {
	base := QueueDefinition{
		Name:              "q",
		Type:              QueueTypeStandard,
		VisibilityTimeout: time.Minute,
		BatchSize:         5,
		Priority:          5,
	}

	assert.NoError(t, base.Validate())

	noName := base
	noName.Name = ""
	assert.Error(t, noName.Validate())

	badPriority := base
	badPriority.Priority = 11
	assert.Error(t, badPriority.Validate())

	badBatch := base
	badBatch.BatchSize = 0
	assert.Error(t, badBatch.Validate())

	partitioned := base
	partitioned.Type = QueueTypePartitioned
	assert.Error(t, partitioned.Validate(), "partitioned queues need intervals")
	partitioned.PartitionInterval = "daily"
	partitioned.RetentionInterval = "7 days"
	assert.NoError(t, partitioned.Validate())
}

func TestSend(t *testing.T) {
	var gotSQL string
	db := &fakeDB{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			gotSQL = sql
			return fakeRow{scanFunc: func(dest ...any) error {
				*dest[0].(*int64) = 42
				return nil
			}}
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	msgID, err := c.Send(t.Context(), "file_processing", map[string]string{"k": "v"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(42), msgID)
	assert.Contains(t, gotSQL, "pgmq.send")
}

func TestSend_UnknownQueue(t *testing.T) {
	c, err := NewClient(&fakeDB{}, testDefs())
	require.NoError(t, err)

	_, err = c.Send(t.Context(), "nope", "x", 0)
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestSendBatch_PartialFailure(t *testing.T) {
	call := 0
	db := &fakeDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			call++
			n := call
			return fakeRow{scanFunc: func(dest ...any) error {
				if n == 2 {
					return errors.New("boom")
				}
				*dest[0].(*int64) = int64(n)
				return nil
			}}
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	ids, err := c.SendBatch(t.Context(), "file_processing", []any{"a", "b", "c"})
	require.Error(t, err)
	assert.Equal(t, []int64{1, 3}, ids)
}

func TestRead_TransportErrorDegradesToEmpty(t *testing.T) {
	db := &fakeDB{
		queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
			return nil, errors.New("connection refused")
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	msgs, err := c.Read(t.Context(), "file_processing")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReadWithPoll_NonLongPollReadsOnce(t *testing.T) {
	calls := 0
	db := &fakeDB{
		queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
			calls++
			return &fakeRows{}, nil
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	msgs, err := c.ReadWithPoll(t.Context(), "notifications", 10*time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, calls, "non-long-polling queues must not loop")
}

func TestReadWithPoll_ReturnsOnFirstMessages(t *testing.T) {
	db := &fakeDB{
		queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
			return &fakeRows{msgs: []Message{{ID: 7, ReadCount: 1, Payload: json.RawMessage(`{}`)}}}, nil
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	msgs, err := c.ReadWithPoll(t.Context(), "file_processing", 10*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(7), msgs[0].ID)
}

func TestReadWithPoll_TimesOutEmpty(t *testing.T) {
	db := &fakeDB{
		queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
			return &fakeRows{}, nil
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	start := time.Now()
	msgs, err := c.ReadWithPoll(t.Context(), "file_processing", 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "should have slept at least one sub-interval")
}

func TestDeleteBatch_ReturnsDeletedSubset(t *testing.T) {
	db := &fakeDB{
		queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			msgID := args[1].(int64)
			return fakeRow{scanFunc: func(dest ...any) error {
				*dest[0].(*bool) = msgID != 2 // pretend 2 was already gone
				return nil
			}}
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	deleted, err := c.DeleteBatch(t.Context(), "file_processing", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, deleted)
}

func TestArchiveBatch_AggregatesErrors(t *testing.T) {
	db := &fakeDB{
		queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			msgID := args[1].(int64)
			return fakeRow{scanFunc: func(dest ...any) error {
				if msgID == 2 {
					return errors.New("boom")
				}
				*dest[0].(*bool) = true
				return nil
			}}
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	archived, err := c.ArchiveBatch(t.Context(), "file_processing", []int64{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, []int64{1, 3}, archived)
}

func TestMetrics_NoRowsIsNil(t *testing.T) {
	db := &fakeDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return fakeRow{scanFunc: func(_ ...any) error { return pgx.ErrNoRows }}
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	m, err := c.Metrics(t.Context(), "file_processing")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCreateQueue_CachedPerProcess(t *testing.T) {
	execs := 0
	db := &fakeDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			execs++
			assert.Contains(t, sql, "pgmq.create")
			return pgconn.CommandTag{}, nil
		},
	}
	c, err := NewClient(db, testDefs())
	require.NoError(t, err)

	require.NoError(t, c.CreateQueue(t.Context(), "file_processing"))
	require.NoError(t, c.CreateQueue(t.Context(), "file_processing"))
	assert.Equal(t, 1, execs)

	require.ErrorIs(t, c.CreateQueue(t.Context(), "nope"), ErrUnknownQueue)
}
