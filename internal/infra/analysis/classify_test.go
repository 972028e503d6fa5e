package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vietddude/repopulse/internal/core/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		kind      domain.ErrorKind
		retryable bool
	}{
		{errors.New("429 Too Many Requests"), domain.ErrKindRateLimit, true},
		{errors.New("rate limit exceeded for model"), domain.ErrKindRateLimit, true},
		{errors.New("529 overloaded_error"), domain.ErrKindRateLimit, true},
		{context.DeadlineExceeded, domain.ErrKindTimeout, true},
		{fmt.Errorf("call failed: %w", context.DeadlineExceeded), domain.ErrKindTimeout, true},
		{errors.New("request timed out"), domain.ErrKindTimeout, true},
		{errors.New("dial tcp: connection refused"), domain.ErrKindNetwork, true},
		{errors.New("unexpected EOF"), domain.ErrKindNetwork, true},
		{errors.New("500 Internal Server Error"), domain.ErrKindUpstream, true},
		{errors.New("api_error: upstream exploded"), domain.ErrKindUpstream, true},
		{errors.New("404 Not Found"), domain.ErrKindNotFound, false},
		{ErrMissingInput, domain.ErrKindMissingInput, false},
		{fmt.Errorf("repo x: %w", ErrMissingInput), domain.ErrKindMissingInput, false},
		{errors.New("401 Unauthorized"), domain.ErrKindAuth, false},
		{errors.New("invalid x-api-key"), domain.ErrKindAuth, false},
		{errors.New("something completely else"), domain.ErrKindUnknown, true},
	}

	for _, tt := range tests {
		got := Classify(tt.err)
		if got.Kind != tt.kind {
			t.Errorf("Classify(%q).Kind = %s, want %s", tt.err, got.Kind, tt.kind)
		}
		if got.Retryable != tt.retryable {
			t.Errorf("Classify(%q).Retryable = %v, want %v", tt.err, got.Retryable, tt.retryable)
		}
	}
}

func TestClassify_UnknownDefaultsRetryable(t *testing.T) {
	got := Classify(errors.New("???"))
	if got.Kind != domain.ErrKindUnknown || !got.Retryable {
		t.Errorf("unknown failures must default to retryable, got %+v", got)
	}
}
