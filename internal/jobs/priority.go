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

// Priority is the symbolic priority callers use on the enqueue API.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// MapPriority converts a symbolic priority to the queue primitive's 1..10
// integer scale. It is total: anything unrecognized maps to medium.
func MapPriority(p Priority) int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 7
	case PriorityMedium:
		return 5
	case PriorityLow:
		return 3
	default:
		return 5
	}
}
