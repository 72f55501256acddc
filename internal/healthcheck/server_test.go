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

package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/jobrunner/internal/orchestrator"
)

type fakeSource struct {
	system orchestrator.SystemHealth
	queues map[string]orchestrator.QueueHealth
}

func (f *fakeSource) SystemHealth(_ context.Context) orchestrator.SystemHealth {
	return f.system
}

func (f *fakeSource) QueueHealth(_ context.Context, queue string) orchestrator.QueueHealth {
	return f.queues[queue]
}

func (f *fakeSource) QueueNames() []string {
	names := make([]string, 0, len(f.queues))
	for name := range f.queues {
		names = append(names, name)
	}
	return names
}

func systemWith(state orchestrator.HealthState) orchestrator.SystemHealth {
	return orchestrator.SystemHealth{
		State:  state,
		Status: state.String(),
		Queues: map[string]orchestrator.QueueHealth{},
	}
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusStarting, "starting"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
		{Status(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestNewServer_Defaults(t *testing.T) {
	server := NewServer(Config{}, &fakeSource{})
	assert.Equal(t, 8090, server.port)
	assert.Equal(t, "jobrunner", server.service)

	server = NewServer(Config{Port: 9090, Service: "other"}, &fakeSource{})
	assert.Equal(t, 9090, server.port)
	assert.Equal(t, "other", server.service)
}

func TestProbeEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		ready    bool
		endpoint string
		wantCode int
	}{
		{"healthz starting", StatusStarting, false, "/healthz", http.StatusServiceUnavailable},
		{"healthz healthy", StatusHealthy, true, "/healthz", http.StatusOK},
		{"healthz unhealthy", StatusUnhealthy, false, "/healthz", http.StatusServiceUnavailable},
		{"readyz not ready", StatusHealthy, false, "/readyz", http.StatusServiceUnavailable},
		{"readyz ready", StatusHealthy, true, "/readyz", http.StatusOK},
		{"livez starting", StatusStarting, false, "/livez", http.StatusOK},
		{"livez unhealthy", StatusUnhealthy, false, "/livez", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(Config{}, &fakeSource{})
			server.SetStatus(tt.status)
			server.SetReady(tt.ready)

			rr := serve(t, server, tt.endpoint)
			assert.Equal(t, tt.wantCode, rr.Code)

			var response Response
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
			assert.Equal(t, tt.wantCode == http.StatusOK, response.Healthy)
		})
	}
}

func TestReadyConditions(t *testing.T) {
	server := NewServer(Config{}, &fakeSource{})
	server.SetReady(true)
	assert.True(t, server.IsReady())

	server.SetReadyCondition("queues", false)
	assert.False(t, server.IsReady())

	server.SetReadyCondition("queues", true)
	assert.True(t, server.IsReady())

	server.SetReadyCondition("database", false)
	server.ClearReadyCondition("database")
	assert.True(t, server.IsReady())
}

func TestHealthEndpoint_AlwaysOK(t *testing.T) {
	server := NewServer(Config{Service: "jobrunner", Version: "1.2.3"}, &fakeSource{
		system: systemWith(orchestrator.StateUnhealthy),
	})

	// The cheap probe never consults queue health.
	rr := serve(t, server, "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "jobrunner", body["service"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestDetailedEndpoint_StatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		state    orchestrator.HealthState
		wantCode int
	}{
		{"healthy", orchestrator.StateHealthy, http.StatusOK},
		{"degraded keeps serving", orchestrator.StateDegraded, http.StatusOK},
		{"unhealthy sheds traffic", orchestrator.StateUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(Config{}, &fakeSource{system: systemWith(tt.state)})

			rr := serve(t, server, "/health/detailed")
			assert.Equal(t, tt.wantCode, rr.Code)

			var body orchestrator.SystemHealth
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.state.String(), body.Status)
		})
	}
}

func TestQueueEndpoint(t *testing.T) {
	source := &fakeSource{
		queues: map[string]orchestrator.QueueHealth{
			"file_processing": {Queue: "file_processing", State: orchestrator.StateHealthy, Status: "healthy"},
			"embeddings":      {Queue: "embeddings", State: orchestrator.StateUnhealthy, Status: "unhealthy", Reason: "depth 2000 exceeds 1000"},
		},
	}
	server := NewServer(Config{}, source)

	rr := serve(t, server, "/health/queues/file_processing")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, server, "/health/queues/embeddings")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var qh orchestrator.QueueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &qh))
	assert.Equal(t, "unhealthy", qh.Status)
	assert.Contains(t, qh.Reason, "depth")

	rr = serve(t, server, "/health/queues/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
