package events

import (
	"sort"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldtime"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// summarizer accumulates per-flag evaluation counters between flushes. One counter
// exists per observed (value, variation, version) triple per flag key, plus a
// distinguished "unknown" counter for evaluations of keys that were absent from the
// store.
//
// It is owned by the processor's dispatch goroutine and needs no locking of its own.
type summarizer struct {
	flags     map[string]*flagCounters
	startDate ldtime.UnixMillisecondTime
	endDate   ldtime.UnixMillisecondTime
}

type flagCounters struct {
	defaultValue ldvalue.Value
	counters     map[counterKey]*valueCounter
}

// counterKey uses -1 to stand in for an absent variation or version, since map keys
// cannot contain pointers, and the value's JSON text since ldvalue.Value itself is not
// comparable.
type counterKey struct {
	value     string
	variation int
	version   int
}

type valueCounter struct {
	value     ldvalue.Value
	variation *int
	version   *int
	count     int
	unknown   bool
}

func newSummarizer() *summarizer {
	return &summarizer{flags: make(map[string]*flagCounters)}
}

func (s *summarizer) countRequest(params FlagEvalParams, now ldtime.UnixMillisecondTime) {
	if s.startDate == 0 || now < s.startDate {
		s.startDate = now
	}
	if now > s.endDate {
		s.endDate = now
	}
	flag := s.flags[params.FlagKey]
	if flag == nil {
		flag = &flagCounters{
			defaultValue: params.Default,
			counters:     make(map[counterKey]*valueCounter),
		}
		s.flags[params.FlagKey] = flag
	}
	key := counterKey{value: params.Value.JSONString(), variation: -1, version: -1}
	counter := &valueCounter{value: params.Value, unknown: params.Flag == nil}
	if params.Flag != nil {
		if v := params.Flag.Variation; v != nil {
			key.variation = *v
			counter.variation = v
		}
		if v := params.Flag.EventVersion(); v != nil {
			key.version = *v
			counter.version = v
		}
	}
	if existing := flag.counters[key]; existing != nil {
		existing.count++
		return
	}
	counter.count = 1
	flag.counters[key] = counter
}

func (s *summarizer) isEmpty() bool {
	return len(s.flags) == 0
}

// summaryEvent is the aggregated wire representation sent in place of one event per
// evaluation.
type summaryEvent struct {
	Kind      string                 `json:"kind"`
	StartDate ldtime.UnixMillisecondTime `json:"startDate"`
	EndDate   ldtime.UnixMillisecondTime `json:"endDate"`
	Features  map[string]flagSummary `json:"features"`
}

type flagSummary struct {
	Default  ldvalue.Value       `json:"default"`
	Counters []flagCounterOutput `json:"counters"`
}

type flagCounterOutput struct {
	Value     ldvalue.Value `json:"value"`
	Variation *int          `json:"variation,omitempty"`
	Version   *int          `json:"version,omitempty"`
	Count     int           `json:"count"`
	Unknown   bool          `json:"unknown,omitempty"`
}

// snapshotAndReset builds a summary event from the accumulated counters and clears
// them. The second return value is false when there was nothing to summarize.
func (s *summarizer) snapshotAndReset() (summaryEvent, bool) {
	if s.isEmpty() {
		return summaryEvent{}, false
	}
	event := summaryEvent{
		Kind:      summaryEventKind,
		StartDate: s.startDate,
		EndDate:   s.endDate,
		Features:  make(map[string]flagSummary, len(s.flags)),
	}
	for flagKey, flag := range s.flags {
		summary := flagSummary{
			Default:  flag.defaultValue,
			Counters: make([]flagCounterOutput, 0, len(flag.counters)),
		}
		for _, counter := range flag.counters {
			summary.Counters = append(summary.Counters, flagCounterOutput{
				Value:     counter.value,
				Variation: counter.variation,
				Version:   counter.version,
				Count:     counter.count,
				Unknown:   counter.unknown,
			})
		}
		sortCounters(summary.Counters)
		event.Features[flagKey] = summary
	}
	s.flags = make(map[string]*flagCounters)
	s.startDate = 0
	s.endDate = 0
	return event, true
}

// sortCounters puts counters in a stable order so payloads are deterministic.
func sortCounters(counters []flagCounterOutput) {
	sort.Slice(counters, func(i, j int) bool {
		vi, vj := -1, -1
		if counters[i].Variation != nil {
			vi = *counters[i].Variation
		}
		if counters[j].Variation != nil {
			vj = *counters[j].Variation
		}
		if vi != vj {
			return vi < vj
		}
		ri, rj := -1, -1
		if counters[i].Version != nil {
			ri = *counters[i].Version
		}
		if counters[j].Version != nil {
			rj = *counters[j].Version
		}
		return ri < rj
	})
}
