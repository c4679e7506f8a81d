package admission

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Network failure codes that make an action retryable.
var retryableCodes = map[string]struct{}{
	"ECONNRESET":   {},
	"ECONNREFUSED": {},
	"ECONNABORTED": {},
	"ETIMEDOUT":    {},
	"ENOTFOUND":    {},
	"EAI_AGAIN":    {},
	"EPIPE":        {},
	"EHOSTUNREACH": {},
	"ENETUNREACH":  {},
}

// HTTP statuses that make an action retryable.
var retryableStatuses = map[int]struct{}{
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

var retryableErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsRetryable reports whether an action error should be retried. Errors may
// expose ErrorCode() string or StatusCode() int; an error exposing neither,
// and not matching a known network failure, is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		if _, ok := retryableCodes[coded.ErrorCode()]; ok {
			return true
		}
	}

	var status interface{ StatusCode() int }
	if errors.As(err, &status) {
		if _, ok := retryableStatuses[status.StatusCode()]; ok {
			return true
		}
	}

	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff doubles base once per attempt, saturating at max(base, MaxBackoff).
func backoff(base time.Duration, attempt int) time.Duration {
	limit := max(base, MaxBackoff)
	d := base
	for range attempt {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}
