package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a remote failure by how the caller should react to it.
type Kind int

const (
	// KindNone means the call succeeded.
	KindNone Kind = iota
	// KindTransient failures (network, timeout, 429, 5xx) are retried with backoff.
	KindTransient
	// KindPermanent failures (validation and other 4xx) are retried a few times before giving up.
	KindPermanent
	// KindConflict means the server holds a newer version than the write assumed.
	KindConflict
	// KindNotFound means the server has no record with the id.
	KindNotFound
	// KindCanceled means the caller canceled the call.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindCanceled:
		return "canceled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error codes of the REST error envelope.
const (
	CodeConflict     = "version_conflict"
	CodeNotFound     = "not_found"
	CodeInvalid      = "invalid_request"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal_error"
)

// ErrConflict matches every conflict response.
var ErrConflict = errors.New("remote: version conflict")

// APIError is a non-2xx response of the remote API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Current carries the server record returned with a conflict, when any.
	Current *Record
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// Classify maps an error returned by API methods to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return KindTransient
	}
	switch {
	case apiErr.StatusCode == http.StatusConflict:
		return KindConflict
	case apiErr.StatusCode == http.StatusNotFound:
		return KindNotFound
	case apiErr.StatusCode == http.StatusRequestTimeout,
		apiErr.StatusCode == http.StatusTooEarly,
		apiErr.StatusCode == http.StatusTooManyRequests,
		apiErr.StatusCode >= http.StatusInternalServerError:
		return KindTransient
	}
	return KindPermanent
}

// CurrentRecord extracts the server record attached to a conflict, if any.
func CurrentRecord(err error) *Record {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Current
	}
	return nil
}
