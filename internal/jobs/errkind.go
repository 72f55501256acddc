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
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a processing failure for retry policy. Capability
// implementations (extraction, embedding, notification delivery) are
// expected to return KindError-wrapped failures; Classify falls back to
// message inspection only for errors coming from third-party SDKs that
// predate the taxonomy.
type Kind int

const (
	KindUnknown Kind = iota

	// transient
	KindRateLimited
	KindTimeout
	KindNetwork
	KindUnavailable

	// fatal
	KindNotFound
	KindAccessDenied
	KindUnsupported
	KindEmptyContent
	KindInvalidCredentials
	KindQuotaExceeded
	KindContentPolicy
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindAccessDenied:
		return "access_denied"
	case KindUnsupported:
		return "unsupported"
	case KindEmptyContent:
		return "empty_content"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindContentPolicy:
		return "content_policy"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind should be left on the
// queue for redelivery. Unknown failures are optimistically retryable so
// unclassified errors are never silently dropped.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindNetwork, KindUnavailable, KindUnknown:
		return true
	default:
		return false
	}
}

// KindError wraps an error with its classification.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// NewKindError wraps err with the given kind. A nil err yields nil.
func NewKindError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the Kind from err. Structured kinds win; otherwise a
// message-based fallback covers third-party SDK errors. Anything else is
// KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return classifyMessage(err.Error())
}

// classifyMessage is the legacy substring classifier kept for errors that
// cross the capability boundary unwrapped. It is the fallback, never the
// primary mechanism.
func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit"), strings.Contains(m, "too many requests"):
		return KindRateLimited
	case strings.Contains(m, "timeout"), strings.Contains(m, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(m, "connection"), strings.Contains(m, "network"):
		return KindNetwork
	case strings.Contains(m, "unavailable"), strings.Contains(m, "service is down"):
		return KindUnavailable
	case strings.Contains(m, "not found"):
		return KindNotFound
	case strings.Contains(m, "access denied"), strings.Contains(m, "unauthorized"), strings.Contains(m, "forbidden"):
		return KindAccessDenied
	case strings.Contains(m, "unsupported"):
		return KindUnsupported
	case strings.Contains(m, "invalid api key"), strings.Contains(m, "invalid credentials"):
		return KindInvalidCredentials
	case strings.Contains(m, "quota"), strings.Contains(m, "billing"):
		return KindQuotaExceeded
	case strings.Contains(m, "content policy"), strings.Contains(m, "content_filter"):
		return KindContentPolicy
	case strings.Contains(m, "invalid input"), strings.Contains(m, "invalid request"):
		return KindInvalidInput
	default:
		return KindUnknown
	}
}

// Retryable is a convenience wrapper over Classify.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}
