package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Gobusters/ectoerror/httperror"
)

// Class is the retry decision for a failed call.
type Class int

const (
	// Terminal errors are returned immediately.
	Terminal Class = iota
	// Transient errors are retried with exponential backoff.
	Transient
	// Throttled errors wait for the server hint and do not consume the attempt budget.
	Throttled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Throttled:
		return "throttled"
	default:
		return "terminal"
	}
}

// MetaRetryAfter is the httperror meta key carrying a server retry hint
// (seconds or an HTTP date).
const MetaRetryAfter = "retry_after"

// Classifier decides how a failed call is retried. The duration is the server provided
// wait for throttled calls, or zero when there is none.
type Classifier func(err error) (Class, time.Duration)

// ThrottleError marks an error as throttled with an optional wait hint.
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// Classify is the default classifier. It understands httperror status codes, Azure
// response errors and transport failures. Unknown errors are treated as transient.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return Terminal, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Terminal, 0
	}

	var throttle *ThrottleError
	if errors.As(err, &throttle) {
		return Throttled, throttle.RetryAfter
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		var hint time.Duration
		if respErr.RawResponse != nil {
			hint = parseHint(respErr.RawResponse.Header.Get("Retry-After"))
		}
		return fromStatus(respErr.StatusCode, hint)
	}

	if httperror.IsHTTPError(err) {
		var hint time.Duration
		if herr := httperror.ToHTTPError(err); herr != nil && herr.Meta != nil {
			if raw, ok := herr.Meta[MetaRetryAfter]; ok {
				hint = parseHint(fmt.Sprint(raw))
			}
		}
		return fromStatus(httperror.GetStatusCode(err), hint)
	}

	// network and unexpected EOF failures land here
	return Transient, 0
}

func fromStatus(code int, hint time.Duration) (Class, time.Duration) {
	switch {
	case code == http.StatusTooManyRequests:
		return Throttled, hint
	case code >= 500, code == http.StatusRequestTimeout:
		return Transient, 0
	case code >= 400:
		return Terminal, 0
	default:
		return Transient, 0
	}
}

// ParseRetryAfter parses a Retry-After value given as seconds or an HTTP date.
func ParseRetryAfter(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}

	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}

	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}

func parseHint(value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := ParseRetryAfter(value)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
