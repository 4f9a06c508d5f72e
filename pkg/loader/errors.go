package loader

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRateLimitExhausted is returned when a sub-request runs out of admission
// retries while the local budget keeps answering must-wait.
var ErrRateLimitExhausted = errors.New("rate limit admission retries exhausted")

// ErrDeadlineExceeded is returned when the required admission wait would push
// a sub-request past its deadline; the loader fails fast instead of sleeping.
var ErrDeadlineExceeded = errors.New("deadline exceeded waiting for admission")

// TransportError is a network or server failure from the executor.
// Status is zero for connection-level failures.
type TransportError struct {
	Status    int
	Header    http.Header
	Retriable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream returned %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the server itself refused the call for rate
// limit reasons, as opposed to a generic transport failure.
func (e *TransportError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot
}
