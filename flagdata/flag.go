// Package flagdata contains the data model for evaluated feature flags as they are
// received from LaunchDarkly endpoints and held in the client's flag store.
package flagdata

import (
	"encoding/json"
	"errors"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldtime"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

var errMissingFlagKey = errors.New("flag object has no key")

// FeatureFlag is a single already-evaluated flag for the current user. Instances are
// immutable; updates from the service replace the whole record in the store.
//
// Version is the environment version, which orders the application of stream patch and
// delete messages. FlagVersion exists only to be reported in event payloads.
type FeatureFlag struct {
	Key                  string                     `json:"key"`
	Value                ldvalue.Value              `json:"value"`
	Variation            *int                       `json:"variation,omitempty"`
	Version              *int                       `json:"version,omitempty"`
	FlagVersion          *int                       `json:"flagVersion,omitempty"`
	TrackEvents          bool                       `json:"trackEvents,omitempty"`
	DebugEventsUntilDate ldtime.UnixMillisecondTime `json:"debugEventsUntilDate,omitempty"`
	Reason               ldvalue.Value              `json:"reason,omitempty"`
	TrackReason          bool                       `json:"trackReason,omitempty"`
}

// EventVersion returns the version number that should appear in event payloads for this
// flag: the flag version if the service provided one, otherwise the environment version.
func (f FeatureFlag) EventVersion() *int {
	if f.FlagVersion != nil {
		return f.FlagVersion
	}
	return f.Version
}

// IsDebugEventActive tests whether a debug event should still be generated for this flag.
// The cutoff is compared against both the local clock and the last timestamp received
// from the event service, so a device with a skewed clock cannot extend debugging forever.
func (f FeatureFlag) IsDebugEventActive(lastKnownServerTime ldtime.UnixMillisecondTime) bool {
	if f.DebugEventsUntilDate == 0 {
		return false
	}
	now := ldtime.UnixMillisNow()
	return f.DebugEventsUntilDate > now && f.DebugEventsUntilDate > lastKnownServerTime
}

// DeleteMessage is the body of a stream "delete" event: {"key": ..., "version": ...}.
type DeleteMessage struct {
	Key     string `json:"key"`
	Version *int   `json:"version,omitempty"`
}

// ParseFlag parses a single flag object, as received in a stream "patch" event. The key
// must be present inside the object.
func ParseFlag(data []byte) (FeatureFlag, error) {
	var flag FeatureFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return FeatureFlag{}, err
	}
	if flag.Key == "" {
		return FeatureFlag{}, errMissingFlagKey
	}
	return flag, nil
}

// ParseDeleteMessage parses the body of a stream "delete" event.
func ParseDeleteMessage(data []byte) (DeleteMessage, error) {
	var msg DeleteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return DeleteMessage{}, err
	}
	if msg.Key == "" {
		return DeleteMessage{}, errMissingFlagKey
	}
	return msg, nil
}
