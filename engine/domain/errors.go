package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for processing failures. The kind attached to each one
// drives DLQ routing and triage replay policy.
var (
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrPermission         = errors.New("permission denied")
	ErrNotFound           = errors.New("object not found")
	ErrCorruptInput       = errors.New("corrupt input")
	ErrValidation         = errors.New("validation failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrNetwork            = errors.New("network error")
	ErrThrottled          = errors.New("throttled")
	ErrResourceExhaustion = errors.New("resource exhausted")
	ErrIndexUnavailable   = errors.New("index unavailable")
	ErrProcessingFailure  = errors.New("processing failed")
)

// ErrorKind is the triage category of a failure.
type ErrorKind string

const (
	KindUnsupported      ErrorKind = "unsupported_format"
	KindPermission       ErrorKind = "permission_denied"
	KindNotFound         ErrorKind = "not_found"
	KindCorrupt          ErrorKind = "corrupt_file"
	KindTimeout          ErrorKind = "timeout"
	KindNetwork          ErrorKind = "network"
	KindThrottled        ErrorKind = "throttled"
	KindResource         ErrorKind = "resource_exhaustion"
	KindIndexUnavailable ErrorKind = "index_unavailable"
	KindProcessing       ErrorKind = "processing_failure"
	KindUnknown          ErrorKind = "unknown"
)

// ProcessingError wraps a sentinel with the operation and object it failed on.
type ProcessingError struct {
	Op      string
	Key     string
	Wrapped error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s (key=%q)", e.Op, e.Wrapped, e.Key)
}

func (e *ProcessingError) Unwrap() error { return e.Wrapped }

// NewProcessingError wraps err with operation and key context.
func NewProcessingError(op, key string, err error) *ProcessingError {
	return &ProcessingError{Op: op, Key: key, Wrapped: err}
}

// Classify maps an error to its triage kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupported
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCorruptInput), errors.Is(err, ErrValidation):
		return KindCorrupt
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrThrottled):
		return KindThrottled
	case errors.Is(err, ErrResourceExhaustion):
		return KindResource
	case errors.Is(err, ErrIndexUnavailable):
		return KindIndexUnavailable
	case errors.Is(err, ErrProcessingFailure):
		return KindProcessing
	default:
		return KindUnknown
	}
}

// messagePatterns maps substrings of DLQ ErrorMessage attributes to kinds.
// Triage sees only the truncated message text, not the original error chain.
var messagePatterns = []struct {
	kind ErrorKind
	subs []string
}{
	{KindUnsupported, []string{"unsupported format", "no processor"}},
	{KindPermission, []string{"permission denied", "access denied", "accessdenied", "forbidden"}},
	{KindNotFound, []string{"not found", "nosuchkey", "404"}},
	{KindCorrupt, []string{"corrupt", "invalid file", "zero-byte", "validation failed", "malformed"}},
	{KindTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	{KindThrottled, []string{"throttl", "toomanyrequests", "slowdown", "429"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no such host", "network", "eof"}},
	{KindResource, []string{"resource exhausted", "out of memory", "no space left", "cannot allocate"}},
	{KindIndexUnavailable, []string{"opensearch", "index unavailable", "cluster_block", "503"}},
	{KindProcessing, []string{"processing failed", "ocr", "convert"}},
}

// ClassifyMessage maps a DLQ ErrorMessage attribute to a kind.
func ClassifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		for _, s := range p.subs {
			if strings.Contains(lower, s) {
				return p.kind
			}
		}
	}
	return KindUnknown
}

// Retryable reports whether a kind is worth replaying from the DLQ.
// Unknown counts as retryable at the lowest priority.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUnsupported, KindPermission, KindNotFound, KindCorrupt:
		return false
	}
	return true
}

// ReplayPriority orders retryable kinds for triage; lower replays first.
func (k ErrorKind) ReplayPriority() int {
	switch k {
	case KindIndexUnavailable:
		return 0
	case KindTimeout, KindNetwork, KindThrottled, KindResource:
		return 1
	case KindProcessing:
		return 2
	default:
		return 3
	}
}
