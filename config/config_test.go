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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 10, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Second, cfg.Worker.HealthCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.MetricsCollectionInterval)
	assert.True(t, cfg.Worker.DeadLetterQueueEnabled)
	assert.Equal(t, 8090, cfg.Health.Port)
	assert.Len(t, cfg.Queues, 3)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JOBRUNNER_WORKER_MAX_CONCURRENT_JOBS", "4")
	t.Setenv("JOBRUNNER_HEALTH_PORT", "9191")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 9191, cfg.Health.Port)
}

func TestLoad_TestProfile(t *testing.T) {
	t.Setenv("JOBRUNNER_ENVIRONMENT", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, time.Second, cfg.Worker.HealthCheckInterval)
	assert.Equal(t, time.Second, cfg.Worker.MetricsCollectionInterval)
}

func TestLoad_ProductionProfileRaisesConcurrencyFloor(t *testing.T) {
	t.Setenv("JOBRUNNER_ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cfg.Worker.MaxConcurrentJobs, 20)
}

func TestDefaultQueues_AreValid(t *testing.T) {
	queues := DefaultQueues()
	require.Len(t, queues, 3)

	names := make(map[string]bool)
	for _, def := range queues {
		assert.NoError(t, def.Validate(), "queue %s", def.Name)
		names[def.Name] = true
	}
	assert.True(t, names["file_processing"])
	assert.True(t, names["embeddings"])
	assert.True(t, names["notifications"])
}

func TestDefaultQueues_Policies(t *testing.T) {
	byName := make(map[string]int)
	queues := DefaultQueues()
	for i, def := range queues {
		byName[def.Name] = i
	}

	files := queues[byName["file_processing"]]
	assert.True(t, files.LongPolling)
	assert.Equal(t, 3, files.MaxRetries)

	embeddings := queues[byName["embeddings"]]
	assert.True(t, embeddings.LongPolling)
	assert.Equal(t, 5, embeddings.MaxRetries)
	assert.Equal(t, 10*time.Minute, embeddings.VisibilityTimeout)

	notifications := queues[byName["notifications"]]
	assert.False(t, notifications.LongPolling)
	assert.Zero(t, notifications.MaxRetries)
}
