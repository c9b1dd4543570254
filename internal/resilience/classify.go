package resilience

import (
	"context"
	"errors"
	"regexp"

	"github.com/fyrsmithlabs/roundtable/internal/faults"
)

var (
	retryablePattern = regexp.MustCompile(`(?i)timeout|timed out|network|econnrefused|connection refused|enotfound|no such host|rate limit|429|503|504|temporarily unavailable`)
	rateLimitPattern = regexp.MustCompile(`(?i)429|rate limit|quota exceeded`)
)

// IsRetryable reports whether err is a transient failure worth retrying.
// Per-call deadline expiry is retryable; cancellation is not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch faults.KindOf(err) {
	case faults.KindRetryable:
		return true
	case faults.KindValidation, faults.KindCapacity, faults.KindCircuitOpen, faults.KindHandoff:
		return false
	}
	return retryablePattern.MatchString(err.Error()) || rateLimitPattern.MatchString(err.Error())
}

// IsRateLimit reports whether err carries a rate-limit signature.
func IsRateLimit(err error) bool {
	return err != nil && rateLimitPattern.MatchString(err.Error())
}

// isLocal reports whether err was classified as a local rejection that says
// nothing about the health of the remote dependency.
func isLocal(err error) bool {
	var fe *faults.Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case faults.KindValidation, faults.KindCapacity, faults.KindHandoff:
		return true
	}
	return false
}
