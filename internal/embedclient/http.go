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

package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cardinalhq/jobrunner/internal/jobs"
)

// HTTPClient calls an OpenAI-compatible embeddings endpoint. HTTP failures
// are classified into error kinds so the consumer's retry policy can
// dispatch on them.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClientFromEnv reads EMBEDDING_API_URL and EMBEDDING_API_KEY.
func NewHTTPClientFromEnv() (*HTTPClient, error) {
	endpoint := os.Getenv("EMBEDDING_API_URL")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/embeddings"
	}
	apiKey := os.Getenv("EMBEDDING_API_KEY")
	if apiKey == "" {
		return nil, errors.New("EMBEDDING_API_KEY is not set")
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

func (c *HTTPClient) GenerateBatch(ctx context.Context, model string, reqs []Request) error {
	if len(reqs) == 0 {
		return nil
	}

	input := make([]string, 0, len(reqs))
	for _, r := range reqs {
		input = append(input, r.Content)
	}
	body, err := json.Marshal(embeddingRequest{Model: model, Input: input})
	if err != nil {
		return jobs.NewKindError(jobs.KindInvalidInput, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return jobs.NewKindError(jobs.KindInvalidInput, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return jobs.NewKindError(jobs.KindTimeout, err)
		}
		return jobs.NewKindError(jobs.KindNetwork, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("embedding API returned %d: %s", resp.StatusCode, detail)
	return jobs.NewKindError(classifyStatus(resp.StatusCode), err)
}

func classifyStatus(code int) jobs.Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return jobs.KindRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return jobs.KindInvalidCredentials
	case code == http.StatusPaymentRequired:
		return jobs.KindQuotaExceeded
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return jobs.KindTimeout
	case code >= 500:
		return jobs.KindUnavailable
	case code >= 400:
		return jobs.KindInvalidInput
	default:
		return jobs.KindUnknown
	}
}
