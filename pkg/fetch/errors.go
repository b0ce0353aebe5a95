package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/aws/smithy-go"
)

// StatusError is a well-formed HTTP response with a non-2xx status.
// It is never retried.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned %s", e.URL, e.Status)
}

// retryableS3Codes are S3 API error codes worth another attempt.
var retryableS3Codes = map[string]bool{
	"SlowDown":            true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
	"Throttling":          true,
	"ThrottlingException": true,
}

// IsTransient reports whether err is a transport-level failure that may
// succeed on retry: timeouts, refused or reset connections, truncated or
// stalled bodies and throttled S3 responses. Non-2xx responses and parse
// errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableS3Codes[apiErr.ErrorCode()]
	}

	if errors.Is(err, ErrStalled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
