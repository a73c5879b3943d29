package api

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError marks a transport failure that happened before any HTTP
// response arrived.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError marks a non-2xx response to a point operation.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.Status)
}

// StreamError marks a mid-stream interruption, either the stream's own error
// event or an abrupt transport close.
type StreamError struct {
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stream error: %s", e.Message)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err is the result of user-driven
// cancellation rather than a real failure. Cancellation must never reach the
// error banner.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
