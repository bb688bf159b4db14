package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/launchdarkly/go-client-sdk/interfaces"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldtime"
	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// Config holds the event processor settings that can change at runtime.
type Config struct {
	Capacity      int
	FlushInterval time.Duration
	Sender        interfaces.EventSender
}

// SyncResult reports the outcome of one flush to the client core, which uses it for
// connection-state bookkeeping. Err is nil on success; a flush that had nothing to
// send is a success with EventsSent == 0.
type SyncResult struct {
	Err        *interfaces.SyncError
	ServerTime ldtime.UnixMillisecondTime
	EventsSent int
}

// Processor accepts identify, custom, and flag evaluation events; keeps flag-usage
// counters; and flushes batches to the event service on a timer while online, or on
// demand.
//
// All state is owned by a single dispatch goroutine fed by an inbox channel, so
// producers on any goroutine can record events without locking. Delivery is
// at-most-once: a flush removes its events from the buffer whether or not delivery
// succeeds.
type Processor struct {
	inbox     chan interface{}
	doneCh    chan struct{}
	closeOnce sync.Once
	loggers   ldlog.Loggers
	onResult  func(SyncResult)
}

type recordEventMessage struct {
	event Event
}

type flagEvalMessage struct {
	params FlagEvalParams
}

type flushMessage struct {
	completion func(SyncResult)
}

type setOnlineMessage struct {
	online bool
}

type reconfigureMessage struct {
	config  Config
	replyCh chan struct{}
}

type deliveryResultMessage struct {
	result     SyncResult
	completion func(SyncResult)
}

type shutdownMessage struct {
	replyCh chan struct{}
}

// NewProcessor creates a Processor in the offline state. onResult, if non-nil, is
// called after every delivery attempt; it must not block for long since it is invoked
// from the dispatch goroutine.
func NewProcessor(config Config, loggers ldlog.Loggers, onResult func(SyncResult)) *Processor {
	loggers.SetPrefix("EventProcessor:")
	p := &Processor{
		inbox:    make(chan interface{}, config.Capacity),
		doneCh:   make(chan struct{}),
		loggers:  loggers,
		onResult: onResult,
	}
	go p.runDispatchLoop(config)
	return p
}

// RecordIdentifyEvent enqueues an identify event for a user.
func (p *Processor) RecordIdentifyEvent(user lduser.User) {
	p.post(recordEventMessage{event: newIdentifyEvent(user, ldtime.UnixMillisNow())})
}

// RecordCustomEvent enqueues a custom event. metricValue may be nil.
func (p *Processor) RecordCustomEvent(key string, user lduser.User, data ldvalue.Value, metricValue *float64) {
	p.post(recordEventMessage{event: newCustomEvent(key, user, data, metricValue, ldtime.UnixMillisNow())})
}

// RecordFlagEvaluation updates the evaluation counters for a flag and, depending on the
// flag's tracking settings, enqueues a feature and/or debug event.
func (p *Processor) RecordFlagEvaluation(params FlagEvalParams) {
	p.post(flagEvalMessage{params: params})
}

// Flush triggers an immediate delivery of all buffered events.
func (p *Processor) Flush() {
	p.post(flushMessage{})
}

// FlushWithCompletion is Flush with a callback invoked after the delivery attempt
// completes (or immediately, if there was nothing to deliver).
func (p *Processor) FlushWithCompletion(completion func(SyncResult)) {
	p.post(flushMessage{completion: completion})
}

// SetOnline starts or stops the periodic flush timer. Going offline retains buffered
// events; they are delivered by the first flush after going back online.
func (p *Processor) SetOnline(online bool) {
	p.post(setOnlineMessage{online: online})
}

// Reconfigure replaces the capacity, flush interval, and sender. The caller should take
// the processor offline first and restore the online state afterward; the timer is not
// restarted here. Reconfigure returns once the new settings are in effect.
func (p *Processor) Reconfigure(config Config) {
	replyCh := make(chan struct{})
	p.post(reconfigureMessage{config: config, replyCh: replyCh})
	select {
	case <-replyCh:
	case <-p.doneCh:
	}
}

// Close shuts down the dispatch loop. Buffered events that were never flushed are
// discarded.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		replyCh := make(chan struct{})
		p.inbox <- shutdownMessage{replyCh: replyCh}
		<-replyCh
	})
}

func (p *Processor) post(message interface{}) {
	select {
	case p.inbox <- message:
	case <-p.doneCh:
	}
}

type dispatchState struct {
	config              Config
	store               *eventStore
	summarizer          *summarizer
	online              bool
	ticker              *time.Ticker
	lastKnownServerTime ldtime.UnixMillisecondTime
	flushesInFlight     int
}

func (p *Processor) runDispatchLoop(config Config) {
	state := &dispatchState{
		config:     config,
		store:      newEventStore(config.Capacity, p.loggers),
		summarizer: newSummarizer(),
	}
	defer func() {
		if state.ticker != nil {
			state.ticker.Stop()
		}
	}()
	for {
		var tickCh <-chan time.Time
		if state.ticker != nil {
			tickCh = state.ticker.C
		}
		select {
		case message := <-p.inbox:
			switch m := message.(type) {
			case recordEventMessage:
				state.store.add(m.event)
			case flagEvalMessage:
				p.handleFlagEval(state, m.params)
			case flushMessage:
				p.startFlush(state, m.completion)
			case setOnlineMessage:
				p.handleSetOnline(state, m.online)
			case reconfigureMessage:
				p.handleReconfigure(state, m.config)
				close(m.replyCh)
			case deliveryResultMessage:
				p.handleDeliveryResult(state, m)
			case shutdownMessage:
				close(p.doneCh)
				close(m.replyCh)
				return
			}
		case <-tickCh:
			p.startFlush(state, nil)
		}
	}
}

func (p *Processor) handleFlagEval(state *dispatchState, params FlagEvalParams) {
	now := ldtime.UnixMillisNow()
	state.summarizer.countRequest(params, now)
	flag := params.Flag
	if flag == nil {
		return
	}
	if flag.TrackEvents {
		state.store.add(newFeatureEvent(params, false, now))
	}
	if flag.IsDebugEventActive(state.lastKnownServerTime) {
		state.store.add(newFeatureEvent(params, true, now))
	}
}

func (p *Processor) handleSetOnline(state *dispatchState, online bool) {
	if online == state.online {
		return
	}
	state.online = online
	if online {
		state.ticker = time.NewTicker(state.config.FlushInterval)
	} else if state.ticker != nil {
		state.ticker.Stop()
		state.ticker = nil
	}
}

func (p *Processor) handleReconfigure(state *dispatchState, config Config) {
	if state.flushesInFlight > 0 {
		p.loggers.Warn("reconfiguring while an event delivery is in flight")
	}
	if config.Capacity != state.config.Capacity {
		// Carry over as many buffered events as the new capacity allows.
		newStore := newEventStore(config.Capacity, p.loggers)
		for _, event := range state.store.takeAll() {
			newStore.add(event)
		}
		state.store = newStore
	}
	state.config = config
	if state.ticker != nil {
		state.ticker.Stop()
		state.ticker = time.NewTicker(config.FlushInterval)
	}
}

// startFlush snapshots and clears the buffer and counters, then delivers the payload on
// a separate goroutine so a slow request cannot stall event recording. The result comes
// back to the dispatch loop as a deliveryResultMessage.
func (p *Processor) startFlush(state *dispatchState, completion func(SyncResult)) {
	if !state.online {
		p.finishFlush(SyncResult{}, completion)
		return
	}
	payload := state.store.takeAll()
	if summary, ok := state.summarizer.snapshotAndReset(); ok {
		payload = append(payload, summary)
	}
	if len(payload) == 0 {
		p.finishFlush(SyncResult{}, completion)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.loggers.Errorf("failed to encode event payload, dropping %d events: %s", len(payload), err)
		p.finishFlush(SyncResult{Err: interfaces.NewMalformedBodyError(err)}, completion)
		return
	}
	if p.loggers.IsDebugEnabled() {
		p.loggers.Debugf("flushing %d events", len(payload))
	}
	state.flushesInFlight++
	sender := state.config.Sender
	count := len(payload)
	go func() {
		delivery := sender.SendEvents(data, count)
		result := SyncResult{ServerTime: delivery.ServerTime, EventsSent: count}
		switch {
		case delivery.Err != nil:
			result.Err = interfaces.NewTransportError(delivery.Err)
		case delivery.StatusCode >= 300:
			result.Err = interfaces.NewBadStatusError(delivery.StatusCode)
		}
		p.post(deliveryResultMessage{result: result, completion: completion})
	}()
}

func (p *Processor) handleDeliveryResult(state *dispatchState, message deliveryResultMessage) {
	state.flushesInFlight--
	result := message.result
	if result.Err == nil {
		if result.ServerTime != 0 {
			state.lastKnownServerTime = result.ServerTime
		}
	} else {
		p.loggers.Warnf("failed to deliver %d events: %s", result.EventsSent, result.Err)
	}
	p.finishFlush(result, message.completion)
}

func (p *Processor) finishFlush(result SyncResult, completion func(SyncResult)) {
	if completion != nil {
		completion(result)
	}
	// A flush that had nothing to deliver is not reported upward; otherwise the timer
	// would generate a result every interval even when the application is idle.
	if p.onResult != nil && (result.EventsSent > 0 || result.Err != nil) {
		p.onResult(result)
	}
}
