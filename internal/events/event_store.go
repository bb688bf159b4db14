package events

import (
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// eventStore is the bounded event buffer. Once full, newly recorded events are dropped
// (existing events are never evicted), with a single warning logged per overflow
// episode. The summary event is exempt from the capacity check because it is
// synthesized at flush time, not recorded.
//
// It is owned by the processor's dispatch goroutine.
type eventStore struct {
	capacity         int
	events           []Event
	capacityExceeded bool
	loggers          ldlog.Loggers
}

func newEventStore(capacity int, loggers ldlog.Loggers) *eventStore {
	return &eventStore{
		capacity: capacity,
		events:   make([]Event, 0, capacity),
		loggers:  loggers,
	}
}

// add appends an event, reporting whether there was room for it.
func (s *eventStore) add(event Event) bool {
	if len(s.events) >= s.capacity {
		if !s.capacityExceeded {
			s.capacityExceeded = true
			s.loggers.Warnf("exceeded event queue capacity of %d; discarding events", s.capacity)
		}
		return false
	}
	s.events = append(s.events, event)
	return true
}

func (s *eventStore) isEmpty() bool {
	return len(s.events) == 0
}

// takeAll removes and returns all buffered events in insertion order.
func (s *eventStore) takeAll() []Event {
	events := s.events
	s.events = make([]Event, 0, s.capacity)
	s.capacityExceeded = false
	return events
}
