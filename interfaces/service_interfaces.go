// Package interfaces defines the abstract collaborator types that the client core
// depends on: flag and event transports, the persistent flag cache, and the
// change-notification sink. Default HTTP implementations live in internal/transport;
// alternate implementations can be substituted for testing.
package interfaces

import (
	"time"

	"github.com/launchdarkly/go-client-sdk/flagdata"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldtime"
)

// FlagRequestResult is the outcome of one flag snapshot request.
type FlagRequestResult struct {
	StatusCode int
	Body       []byte
	Err        error
}

// FlagRequester performs a single flag snapshot request against the polling endpoint.
//
// If useReportMethod is true the request is made with the REPORT method, carrying the
// user as the request body; otherwise the user is encoded into the request path.
type FlagRequester interface {
	GetFlags(useReportMethod bool) FlagRequestResult
	// ClearCache discards any cached flag responses, so the next request cannot be
	// served from a previous user's data.
	ClearCache()
}

// StreamErrorAction is a StreamHandler's decision about a stream error.
type StreamErrorAction int

const (
	// StreamProceed keeps the connection alive and lets the transport's own retry
	// policy handle reconnection.
	StreamProceed StreamErrorAction = iota
	// StreamShutdown permanently closes the connection; it will not be reopened until
	// the owner explicitly starts a new one.
	StreamShutdown
)

// StreamHandler receives the lifecycle of a streaming connection. Calls are made from
// the transport's own goroutines.
type StreamHandler interface {
	OnStreamEvent(eventName string, data []byte)
	OnStreamOpen()
	OnStreamClosed()
	OnStreamError(err error) StreamErrorAction
}

// StreamSource is a server-push connection delivering named flag update events
// (ping, put, patch, delete). Start and Stop are idempotent.
type StreamSource interface {
	Start()
	Stop()
}

// StreamSourceFactory creates a StreamSource bound to a handler. The synchronizer
// creates a new source for each online session.
type StreamSourceFactory func(handler StreamHandler) StreamSource

// EventDeliveryResult is the outcome of one event payload delivery attempt.
// ServerTime is taken from the service's response clock when available and is zero
// otherwise.
type EventDeliveryResult struct {
	StatusCode int
	ServerTime ldtime.UnixMillisecondTime
	Err        error
}

// EventSender delivers one batch of analytics events, already encoded as a JSON array.
type EventSender interface {
	SendEvents(data []byte, eventCount int) EventDeliveryResult
}

// PersistentCache stores flag snapshots per (user key, mobile key) pair so that a
// restarted or freshly identified client can serve flags before its first request
// completes. Implementations are supplied by the host application.
type PersistentCache interface {
	Load(userKey, mobileKey string) (flagdata.FlagSnapshot, bool)
	Store(userKey, mobileKey string, flags flagdata.FlagSnapshot, lastUpdated time.Time) error
}

// ChangeSink receives the outcome of each applied flag update: either the set of flags
// that changed, or notice that an update arrived and nothing changed (meaningful for
// polling, where it distinguishes "no news" from "no poll").
type ChangeSink interface {
	NotifyChanged(changes []flagdata.ChangedFlag)
	NotifyUnchanged()
}
