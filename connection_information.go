package ldclient

import (
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldtime"
)

// ConnectionState describes what the client is currently doing about flag updates.
type ConnectionState string

const (
	// ConnectionStateUnknown means the client has not yet made a connection attempt.
	ConnectionStateUnknown ConnectionState = "unknown"
	// ConnectionStateSetOffline means the application asked the client to stay offline.
	ConnectionStateSetOffline ConnectionState = "setOffline"
	// ConnectionStateInProgress means a connection attempt is underway.
	ConnectionStateInProgress ConnectionState = "inProgress"
	// ConnectionStateEstablished means flag updates are arriving normally.
	ConnectionStateEstablished ConnectionState = "established"
	// ConnectionStateNotAuthorized means the mobile key was rejected; the client stays
	// offline until it is reconfigured.
	ConnectionStateNotAuthorized ConnectionState = "notAuthorized"
	// ConnectionStateOffline means the last attempt failed; the next scheduled poll or
	// reconnect will try again.
	ConnectionStateOffline ConnectionState = "offline"
	// ConnectionStateBackgroundDisabled means the application is in the background and
	// background updates are disabled.
	ConnectionStateBackgroundDisabled ConnectionState = "backgroundDisabled"
	// ConnectionStateBackgroundRetry means the application is in the background and the
	// client is polling at the background interval.
	ConnectionStateBackgroundRetry ConnectionState = "backgroundRetry"
)

// ConnectionInformation is a read-only snapshot of the client's connectivity history,
// for application diagnostics.
type ConnectionInformation struct {
	CurrentState             ConnectionState
	LastSuccessfulConnection ldtime.UnixMillisecondTime
	LastFailedConnection     ldtime.UnixMillisecondTime
	LastFailure              error
}

type connectionEvent int

const (
	connectionEventStart connectionEvent = iota
	connectionEventSuccess
	connectionEventError
	connectionEventUnauthorized
	connectionEventSetOffline
	connectionEventBackgroundDisabled
	connectionEventBackgroundRetry
)

// nextConnectionState is the transition function for ConnectionState. It is pure so
// the state machine can be verified exhaustively in tests.
func nextConnectionState(previous ConnectionState, event connectionEvent) ConnectionState {
	switch event {
	case connectionEventStart:
		return ConnectionStateInProgress
	case connectionEventSuccess:
		return ConnectionStateEstablished
	case connectionEventError:
		// Errors racing with a deliberate offline transition do not bring the state
		// back out of it.
		if previous == ConnectionStateSetOffline || previous == ConnectionStateNotAuthorized {
			return previous
		}
		return ConnectionStateOffline
	case connectionEventUnauthorized:
		return ConnectionStateNotAuthorized
	case connectionEventSetOffline:
		if previous == ConnectionStateNotAuthorized {
			return previous
		}
		return ConnectionStateSetOffline
	case connectionEventBackgroundDisabled:
		return ConnectionStateBackgroundDisabled
	case connectionEventBackgroundRetry:
		return ConnectionStateBackgroundRetry
	}
	return previous
}

func (info ConnectionInformation) withEvent(event connectionEvent, failure error) ConnectionInformation {
	info.CurrentState = nextConnectionState(info.CurrentState, event)
	switch event {
	case connectionEventSuccess:
		info.LastSuccessfulConnection = ldtime.UnixMillisNow()
	case connectionEventError, connectionEventUnauthorized:
		info.LastFailedConnection = ldtime.UnixMillisNow()
		info.LastFailure = failure
	}
	return info
}
