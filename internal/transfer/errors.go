package transfer

import (
	"errors"
	"fmt"
)

// ErrDestinationMissing is returned by Resume when there is no partial file to append to.
var ErrDestinationMissing = errors.New("destination file does not exist")

// NetworkError represents connection failures and non-success HTTP responses on a
// fresh transfer. These are retryable by resuming or restarting the download.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "connect", "read_body")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ResumeRejectedError means the server answered a range request with something
// other than 206 Partial Content. The partial file cannot be continued.
type ResumeRejectedError struct {
	StatusCode int   // Status the server replied with
	Offset     int64 // Byte offset that was requested
}

func (e *ResumeRejectedError) Error() string {
	return fmt.Sprintf("server did not honor range request from byte %d (HTTP %d)", e.Offset, e.StatusCode)
}

// ProtocolError is raised when a duplicate mirror would switch URL scheme.
type ProtocolError struct {
	From string // Scheme of the original request
	To   string // Scheme of the rejected candidate
	URL  string // Rejected candidate
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol change from %s to %s is not allowed (%s)", e.From, e.To, e.URL)
}
