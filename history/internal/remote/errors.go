package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when the API rejects the session cookie.
	ErrUnauthenticated = errors.New("remote: session not authenticated")

	// ErrMissingID is returned by FetchDetail for an empty bvid.
	ErrMissingID = errors.New("remote: missing video id")

	// ErrEmptyData is returned when a successful response carries no data.
	ErrEmptyData = errors.New("remote: empty data")
)

// APIError is a non-zero code in the API response envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-200 HTTP status.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Retryable reports whether a failed call is worth repeating. Auth
// rejections and client-side HTTP errors are not.
func Retryable(err error) bool {
	if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrMissingID) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == 429 || he.StatusCode >= 500
	}
	return true
}
