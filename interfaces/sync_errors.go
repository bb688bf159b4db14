package interfaces

import (
	"fmt"
	"net/http"
)

// SyncErrorKind identifies the category of a synchronization or event delivery failure.
type SyncErrorKind string

const (
	// SyncErrorOffline means the operation was attempted while the component was
	// deliberately offline. It is not a fault.
	SyncErrorOffline SyncErrorKind = "isOffline"
	// SyncErrorTransport means the request could not be completed at the network level.
	SyncErrorTransport SyncErrorKind = "transportRequestFailed"
	// SyncErrorBadStatus means the service returned a non-2xx response.
	SyncErrorBadStatus SyncErrorKind = "badResponseStatus"
	// SyncErrorMalformedBody means a response or stream event body did not parse as the
	// expected shape.
	SyncErrorMalformedBody SyncErrorKind = "malformedBody"
	// SyncErrorStreamTransport means the streaming connection reported an error.
	SyncErrorStreamTransport SyncErrorKind = "streamTransportError"
	// SyncErrorUnknownEventType means the stream delivered an event name the client does
	// not recognize. The connection stays open.
	SyncErrorUnknownEventType SyncErrorKind = "unknownEventType"
	// SyncErrorStaleStreamEvent means a stream event or request completion arrived after
	// the connection had already been torn down, and was discarded.
	SyncErrorStaleStreamEvent SyncErrorKind = "staleStreamEvent"
)

// SyncError is the typed error delivered to the client core by the synchronizer and the
// event processor. The client core decides how to recover; the reporting components
// never retry on their own.
type SyncError struct {
	Kind       SyncErrorKind
	StatusCode int
	EventType  string
	Err        error
}

func (e *SyncError) Error() string {
	switch e.Kind {
	case SyncErrorBadStatus:
		return fmt.Sprintf("unexpected response status %d", e.StatusCode)
	case SyncErrorUnknownEventType:
		return fmt.Sprintf("unknown stream event type %q", e.EventType)
	case SyncErrorOffline:
		return "update request was aborted because the client is offline"
	case SyncErrorStaleStreamEvent:
		return "discarded stream event that arrived after the connection was closed"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsUnauthorized tests whether the failure indicates an invalid mobile key. This is the
// only error condition that forces the client offline by itself.
func (e *SyncError) IsUnauthorized() bool {
	if e.Kind != SyncErrorBadStatus && e.Kind != SyncErrorStreamTransport {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// NewOfflineError returns a SyncError of kind SyncErrorOffline.
func NewOfflineError() *SyncError {
	return &SyncError{Kind: SyncErrorOffline}
}

// NewTransportError wraps a network-level failure.
func NewTransportError(err error) *SyncError {
	return &SyncError{Kind: SyncErrorTransport, Err: err}
}

// NewBadStatusError reports a non-2xx response from a polling or event endpoint.
func NewBadStatusError(statusCode int) *SyncError {
	return &SyncError{Kind: SyncErrorBadStatus, StatusCode: statusCode}
}

// NewMalformedBodyError wraps a JSON parsing failure.
func NewMalformedBodyError(err error) *SyncError {
	return &SyncError{Kind: SyncErrorMalformedBody, Err: err}
}

// NewStreamTransportError reports a streaming connection failure; statusCode is zero if
// the failure was not an HTTP response.
func NewStreamTransportError(statusCode int, err error) *SyncError {
	return &SyncError{Kind: SyncErrorStreamTransport, StatusCode: statusCode, Err: err}
}

// NewUnknownEventTypeError reports an unrecognized stream event name.
func NewUnknownEventTypeError(eventType string) *SyncError {
	return &SyncError{Kind: SyncErrorUnknownEventType, EventType: eventType}
}

// NewStaleStreamEventError reports a stream event discarded after teardown.
func NewStaleStreamEventError() *SyncError {
	return &SyncError{Kind: SyncErrorStaleStreamEvent}
}

// HTTPStatusError is used by transport implementations to tell the synchronizer that a
// streaming connection attempt was rejected with an HTTP status.
type HTTPStatusError struct {
	Code int
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error %d", e.Code)
}
