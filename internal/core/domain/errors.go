package domain

// ErrorKind is the closed taxonomy for failures of external calls. Raw
// errors are mapped exactly once (analysis.Classify) and only the kind is
// inspected downstream.
type ErrorKind string

const (
	ErrKindRateLimit    ErrorKind = "rate_limit"
	ErrKindTimeout      ErrorKind = "timeout"
	ErrKindNetwork      ErrorKind = "network"
	ErrKindUpstream     ErrorKind = "upstream_error"
	ErrKindNotFound     ErrorKind = "not_found"
	ErrKindMissingInput ErrorKind = "missing_input"
	ErrKindAuth         ErrorKind = "auth_error"
	ErrKindUnknown      ErrorKind = "unknown"
)

// Retryable reports whether failures of this kind are transient and worth
// re-attempting under backoff. Unknown defaults to retryable.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNotFound, ErrKindMissingInput, ErrKindAuth:
		return false
	default:
		return true
	}
}
