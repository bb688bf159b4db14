// Package events implements the analytics event subsystem: a bounded event buffer,
// per-flag evaluation counters, and a processor that flushes batches to the event
// service on a timer or on demand.
package events

import (
	"github.com/launchdarkly/go-client-sdk/flagdata"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldtime"
	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const (
	identifyEventKind = "identify"
	featureEventKind  = "feature"
	debugEventKind    = "debug"
	customEventKind   = "custom"
	summaryEventKind  = "summary"
)

// Event is one queued analytics event. The concrete types marshal directly into the
// wire format sent to the bulk event endpoint.
type Event interface {
	isEvent()
}

type identifyEvent struct {
	Kind         string                     `json:"kind"`
	CreationDate ldtime.UnixMillisecondTime `json:"creationDate"`
	Key          string                     `json:"key"`
	User         lduser.User                `json:"user"`
}

type customEvent struct {
	Kind         string                     `json:"kind"`
	CreationDate ldtime.UnixMillisecondTime `json:"creationDate"`
	Key          string                     `json:"key"`
	UserKey      string                     `json:"userKey"`
	Data         *ldvalue.Value             `json:"data,omitempty"`
	MetricValue  *float64                   `json:"metricValue,omitempty"`
}

// featureEvent is both the "feature" and "debug" event shape. Feature events reference
// the user by key; debug events inline the full user so they are self-contained in the
// debugging UI.
type featureEvent struct {
	Kind         string                     `json:"kind"`
	CreationDate ldtime.UnixMillisecondTime `json:"creationDate"`
	Key          string                     `json:"key"`
	UserKey      string                     `json:"userKey,omitempty"`
	User         *lduser.User               `json:"user,omitempty"`
	Value        ldvalue.Value              `json:"value"`
	Default      ldvalue.Value              `json:"default"`
	Variation    *int                       `json:"variation,omitempty"`
	Version      *int                       `json:"version,omitempty"`
	Reason       *ldvalue.Value             `json:"reason,omitempty"`
}

func (identifyEvent) isEvent() {}
func (customEvent) isEvent()   {}
func (featureEvent) isEvent()  {}
func (summaryEvent) isEvent()  {}

func newIdentifyEvent(user lduser.User, now ldtime.UnixMillisecondTime) identifyEvent {
	return identifyEvent{
		Kind:         identifyEventKind,
		CreationDate: now,
		Key:          user.GetKey(),
		User:         user,
	}
}

func newCustomEvent(
	key string,
	user lduser.User,
	data ldvalue.Value,
	metricValue *float64,
	now ldtime.UnixMillisecondTime,
) customEvent {
	return customEvent{
		Kind:         customEventKind,
		CreationDate: now,
		Key:          key,
		UserKey:      user.GetKey(),
		Data:         data.AsPointer(),
		MetricValue:  metricValue,
	}
}

func newFeatureEvent(params FlagEvalParams, debug bool, now ldtime.UnixMillisecondTime) featureEvent {
	event := featureEvent{
		Kind:         featureEventKind,
		CreationDate: now,
		Key:          params.FlagKey,
		Value:        params.Value,
		Default:      params.Default,
	}
	if debug {
		event.Kind = debugEventKind
		user := params.User
		event.User = &user
	} else {
		event.UserKey = params.User.GetKey()
	}
	if flag := params.Flag; flag != nil {
		event.Variation = flag.Variation
		event.Version = flag.EventVersion()
		if params.IncludeReason || flag.TrackReason {
			event.Reason = flag.Reason.AsPointer()
		}
	}
	return event
}

// FlagEvalParams describes one flag evaluation to be recorded. Flag is nil when the
// flag key was not found in the store, in which case the evaluation is counted as
// "unknown" with the caller-supplied default.
type FlagEvalParams struct {
	FlagKey       string
	Flag          *flagdata.FeatureFlag
	Value         ldvalue.Value
	Default       ldvalue.Value
	User          lduser.User
	IncludeReason bool
}
