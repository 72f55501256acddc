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

package jobs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func makeChunks(n int) []EmbeddingChunk {
	chunks := make([]EmbeddingChunk, n)
	for i := range chunks {
		chunks[i] = EmbeddingChunk{ID: uuid.New(), Position: i}
	}
	return chunks
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		batchSize int
		want      []int
	}{
		{"empty", 0, 10, nil},
		{"single partial batch", 3, 10, []int{3}},
		{"exact multiple", 20, 10, []int{10, 10}},
		{"remainder", 25, 10, []int{10, 10, 5}},
		{"batch of one", 3, 1, []int{1, 1, 1}},
		{"zero batch size uses default", 15, 0, []int{10, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := makeChunks(tt.n)
			batches := SplitChunks(chunks, tt.batchSize)

			var sizes []int
			flattened := make([]EmbeddingChunk, 0, tt.n)
			for _, b := range batches {
				sizes = append(sizes, len(b))
				flattened = append(flattened, b...)
			}
			assert.Equal(t, tt.want, sizes)
			assert.Equal(t, chunks, flattened, "concatenated batches must reproduce the input order")
		})
	}
}

func TestMapPriority(t *testing.T) {
	tests := []struct {
		in   Priority
		want int
	}{
		{PriorityCritical, 10},
		{PriorityHigh, 7},
		{PriorityMedium, 5},
		{PriorityLow, 3},
		{Priority(""), 5},
		{Priority("bogus"), 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got := MapPriority(tt.in)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 1)
			assert.LessOrEqual(t, got, 10)
		})
	}
}
