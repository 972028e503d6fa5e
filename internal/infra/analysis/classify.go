package analysis

import (
	"context"
	"errors"
	"strings"

	"github.com/vietddude/repopulse/internal/core/domain"
)

// ErrMissingInput marks a repo with nothing analyzable (no description,
// readme or language signal). Not retryable.
var ErrMissingInput = errors.New("no analyzable content")

// Classification is the result of mapping a raw failure onto the taxonomy.
type Classification struct {
	Kind      domain.ErrorKind `json:"kind"`
	Retryable bool             `json:"retryable"`
}

// Classify maps a raw error from an external call to its taxonomy entry.
// This is the only place raw error text is inspected; downstream code
// branches on the kind alone.
func Classify(err error) Classification {
	kind := classifyKind(err)
	return Classification{Kind: kind, Retryable: kind.Retryable()}
}

func classifyKind(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrKindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}
	if errors.Is(err, ErrMissingInput) {
		return domain.ErrKindMissingInput
	}

	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "deadline exceeded"):
		return domain.ErrKindTimeout

	case strings.Contains(s, "429") || strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") || strings.Contains(s, "quota") ||
		strings.Contains(s, "overloaded"):
		return domain.ErrKindRateLimit

	case strings.Contains(s, "401") || strings.Contains(s, "403") ||
		strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden") ||
		strings.Contains(s, "authentication") || strings.Contains(s, "invalid x-api-key"):
		return domain.ErrKindAuth

	case strings.Contains(s, "404") || strings.Contains(s, "not found"):
		return domain.ErrKindNotFound

	case strings.Contains(s, "no analyzable content") || strings.Contains(s, "missing input"):
		return domain.ErrKindMissingInput

	case strings.Contains(s, "500") || strings.Contains(s, "502") ||
		strings.Contains(s, "503") || strings.Contains(s, "504") ||
		strings.Contains(s, "internal server error") || strings.Contains(s, "bad gateway") ||
		strings.Contains(s, "service unavailable") || strings.Contains(s, "api_error"):
		return domain.ErrKindUpstream

	case strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no such host") || strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "network") || strings.Contains(s, "eof"):
		return domain.ErrKindNetwork

	default:
		return domain.ErrKindUnknown
	}
}
