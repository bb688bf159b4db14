package flagsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/go-client-sdk/interfaces"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const flagsJSON = `{"flag1":{"value":true,"variation":1,"version":100}}`

type fakeRequester struct {
	lock     sync.Mutex
	results  []interfaces.FlagRequestResult
	requests []bool
	cleared  int
}

func (r *fakeRequester) GetFlags(useReportMethod bool) interfaces.FlagRequestResult {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.requests = append(r.requests, useReportMethod)
	if len(r.results) == 0 {
		return interfaces.FlagRequestResult{StatusCode: 200, Body: []byte(flagsJSON)}
	}
	result := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return result
}

func (r *fakeRequester) ClearCache() {
	r.lock.Lock()
	r.cleared++
	r.lock.Unlock()
}

func (r *fakeRequester) requestMethods() []bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]bool(nil), r.requests...)
}

type fakeStreamSource struct {
	started chan struct{}
	stopped chan struct{}
}

func (s *fakeStreamSource) Start() { close(s.started) }
func (s *fakeStreamSource) Stop()  { close(s.stopped) }

type syncTestParams struct {
	sync      *Synchronizer
	requester *fakeRequester
	results   chan Result
	handler   interfaces.StreamHandler
	source    *fakeStreamSource
}

func withStreamingSynchronizer(t *testing.T, action func(*syncTestParams)) {
	p := &syncTestParams{
		requester: &fakeRequester{},
		results:   make(chan Result, 10),
	}
	factory := func(handler interfaces.StreamHandler) interfaces.StreamSource {
		p.handler = handler
		p.source = &fakeStreamSource{started: make(chan struct{}), stopped: make(chan struct{})}
		return p.source
	}
	p.sync = NewSynchronizer(Config{
		Mode:          ModeStreaming,
		PollInterval:  time.Minute,
		Requester:     p.requester,
		StreamFactory: factory,
	}, ldlog.NewDisabledLoggers(), func(result Result) { p.results <- result })
	defer p.sync.Close()
	action(p)
}

func requireResult(t *testing.T, resultCh chan Result) Result {
	t.Helper()
	select {
	case result := <-resultCh:
		return result
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a synchronization result")
		return Result{}
	}
}

func requireNoResult(t *testing.T, resultCh chan Result) {
	t.Helper()
	select {
	case result := <-resultCh:
		t.Fatalf("got unexpected synchronization result: %+v", result)
	case <-time.After(100 * time.Millisecond):
	}
}

func requireErrorResult(t *testing.T, resultCh chan Result, kind interfaces.SyncErrorKind) *interfaces.SyncError {
	t.Helper()
	result := requireResult(t, resultCh)
	require.NotNil(t, result.Err)
	assert.Equal(t, kind, result.Err.Kind)
	return result.Err
}

func TestStreamingGoOnlineStartsSource(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		select {
		case <-p.source.started:
		case <-time.After(time.Second):
			t.Fatal("stream source was never started")
		}
		assert.True(t, p.sync.IsOnline())
	})
}

func TestStreamingGoOfflineStopsSource(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		p.sync.SetOnline(false)
		select {
		case <-p.source.stopped:
		case <-time.After(time.Second):
			t.Fatal("stream source was never stopped")
		}
		assert.False(t, p.sync.IsOnline())
	})
}

func TestSetOnlineIsIdempotent(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		firstSource := p.source
		p.sync.SetOnline(true)
		assert.Same(t, firstSource, p.source, "a second go-online must not create a new session")
		p.sync.SetOnline(false)
		p.sync.SetOnline(false)
	})
}

func TestStreamingPutEvent(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		p.handler.OnStreamEvent("put", []byte(flagsJSON))
		result := requireResult(t, p.results)
		require.Nil(t, result.Err)
		assert.Equal(t, UpdatePut, result.Kind)
		require.Contains(t, result.Flags, "flag1")
		assert.Equal(t, ldvalue.Bool(true), result.Flags["flag1"].Value)
	})
}

func TestStreamingPatchEvent(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		p.handler.OnStreamEvent("patch", []byte(`{"key":"flag1","value":false,"version":101}`))
		result := requireResult(t, p.results)
		require.Nil(t, result.Err)
		assert.Equal(t, UpdatePatch, result.Kind)
		require.NotNil(t, result.Flag)
		assert.Equal(t, "flag1", result.Flag.Key)
	})
}

func TestStreamingDeleteEvent(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		p.handler.OnStreamEvent("delete", []byte(`{"key":"flag1","version":102}`))
		result := requireResult(t, p.results)
		require.Nil(t, result.Err)
		assert.Equal(t, UpdateDelete, result.Kind)
		require.NotNil(t, result.Deletion)
		assert.Equal(t, "flag1", result.Deletion.Key)
	})
}

func TestStreamingPingEventTriggersPoll(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		p.handler.OnStreamEvent("ping", nil)
		result := requireResult(t, p.results)
		require.Nil(t, result.Err)
		assert.Equal(t, UpdatePing, result.Kind)
		assert.Contains(t, result.Flags, "flag1")
		assert.Len(t, p.requester.requestMethods(), 1)
	})
}

func TestStreamingMalformedEventBody(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		for _, eventName := range []string{"put", "patch", "delete"} {
			p.handler.OnStreamEvent(eventName, []byte(`{what}`))
			requireErrorResult(t, p.results, interfaces.SyncErrorMalformedBody)
		}
	})
}

func TestStreamingUnknownEventTypeKeepsConnectionOpen(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		p.handler.OnStreamEvent("mystery", []byte(`{}`))
		err := requireErrorResult(t, p.results, interfaces.SyncErrorUnknownEventType)
		assert.Equal(t, "mystery", err.EventType)
		assert.True(t, p.sync.IsOnline())

		// The session is still live and processes later events normally.
		p.handler.OnStreamEvent("put", []byte(flagsJSON))
		result := requireResult(t, p.results)
		assert.Nil(t, result.Err)
	})
}

func TestStreamingEventAfterTeardownIsDiscarded(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		staleHandler := p.handler
		p.sync.SetOnline(false)
		staleHandler.OnStreamEvent("put", []byte(flagsJSON))
		requireErrorResult(t, p.results, interfaces.SyncErrorStaleStreamEvent)
	})
}

func TestStreamingEventFromSupersededSessionIsDiscarded(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		staleHandler := p.handler
		p.sync.SetOnline(false)
		p.sync.SetOnline(true)

		staleHandler.OnStreamEvent("put", []byte(flagsJSON))
		requireErrorResult(t, p.results, interfaces.SyncErrorStaleStreamEvent)

		p.handler.OnStreamEvent("put", []byte(flagsJSON))
		result := requireResult(t, p.results)
		assert.Nil(t, result.Err)
	})
}

func TestStreamingTransientHTTPErrorsLeaveRetryToTransport(t *testing.T) {
	for _, status := range []int{400, 408, 429} {
		withStreamingSynchronizer(t, func(p *syncTestParams) {
			p.sync.SetOnline(true)
			action := p.handler.OnStreamError(interfaces.HTTPStatusError{Code: status})
			assert.Equal(t, interfaces.StreamProceed, action, "status %d", status)
			assert.True(t, p.sync.IsOnline())
			requireNoResult(t, p.results)
		})
	}
}

func TestStreamingFatalHTTPErrorShutsDown(t *testing.T) {
	for _, status := range []int{401, 403, 404, 500} {
		withStreamingSynchronizer(t, func(p *syncTestParams) {
			p.sync.SetOnline(true)
			action := p.handler.OnStreamError(interfaces.HTTPStatusError{Code: status})
			assert.Equal(t, interfaces.StreamShutdown, action, "status %d", status)
			assert.False(t, p.sync.IsOnline())
			err := requireErrorResult(t, p.results, interfaces.SyncErrorStreamTransport)
			assert.Equal(t, status, err.StatusCode)
		})
	}
}

func TestStreamingNetworkErrorIsReportedAndRetried(t *testing.T) {
	withStreamingSynchronizer(t, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		action := p.handler.OnStreamError(errors.New("connection reset"))
		assert.Equal(t, interfaces.StreamProceed, action)
		assert.True(t, p.sync.IsOnline())
		err := requireErrorResult(t, p.results, interfaces.SyncErrorStreamTransport)
		assert.Equal(t, 0, err.StatusCode)
	})
}

func withPollingSynchronizer(t *testing.T, interval time.Duration, useReport bool, action func(*syncTestParams)) {
	p := &syncTestParams{
		requester: &fakeRequester{},
		results:   make(chan Result, 10),
	}
	p.sync = NewSynchronizer(Config{
		Mode:         ModePolling,
		PollInterval: interval,
		UseReport:    useReport,
		Requester:    p.requester,
	}, ldlog.NewDisabledLoggers(), func(result Result) { p.results <- result })
	defer p.sync.Close()
	action(p)
}

func TestPollingFetchesImmediatelyAndOnInterval(t *testing.T) {
	withPollingSynchronizer(t, 50*time.Millisecond, false, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		for i := 0; i < 2; i++ {
			result := requireResult(t, p.results)
			require.Nil(t, result.Err)
			assert.Equal(t, UpdatePut, result.Kind)
		}
	})
}

func TestPollingStopsWhenOffline(t *testing.T) {
	withPollingSynchronizer(t, 50*time.Millisecond, false, func(p *syncTestParams) {
		p.sync.SetOnline(true)
		requireResult(t, p.results)
		p.sync.SetOnline(false)
		// Drain anything already in flight, then expect silence.
		time.Sleep(100 * time.Millisecond)
		for len(p.results) > 0 {
			<-p.results
		}
		requireNoResult(t, p.results)
	})
}

func TestPollingBadStatusIsReported(t *testing.T) {
	withPollingSynchronizer(t, time.Minute, false, func(p *syncTestParams) {
		p.requester.results = []interfaces.FlagRequestResult{{StatusCode: 503}}
		p.sync.SetOnline(true)
		err := requireErrorResult(t, p.results, interfaces.SyncErrorBadStatus)
		assert.Equal(t, 503, err.StatusCode)
	})
}

func TestPollingTransportErrorIsReported(t *testing.T) {
	withPollingSynchronizer(t, time.Minute, false, func(p *syncTestParams) {
		p.requester.results = []interfaces.FlagRequestResult{{Err: errors.New("no network")}}
		p.sync.SetOnline(true)
		requireErrorResult(t, p.results, interfaces.SyncErrorTransport)
	})
}

func TestPollingMalformedBodyIsReported(t *testing.T) {
	withPollingSynchronizer(t, time.Minute, false, func(p *syncTestParams) {
		p.requester.results = []interfaces.FlagRequestResult{{StatusCode: 200, Body: []byte(`[]`)}}
		p.sync.SetOnline(true)
		requireErrorResult(t, p.results, interfaces.SyncErrorMalformedBody)
	})
}

func TestPollingReportMethodFallsBackToGetOnce(t *testing.T) {
	for _, status := range []int{400, 405, 501} {
		withPollingSynchronizer(t, time.Minute, true, func(p *syncTestParams) {
			p.requester.results = []interfaces.FlagRequestResult{
				{StatusCode: status},
				{StatusCode: 200, Body: []byte(flagsJSON)},
			}
			p.sync.SetOnline(true)
			result := requireResult(t, p.results)
			require.Nil(t, result.Err, "status %d", status)
			assert.Equal(t, []bool{true, false}, p.requester.requestMethods(), "status %d", status)
		})
	}
}

func TestPollingReportMethodDoesNotFallBackOnOtherStatuses(t *testing.T) {
	withPollingSynchronizer(t, time.Minute, true, func(p *syncTestParams) {
		p.requester.results = []interfaces.FlagRequestResult{{StatusCode: 503}}
		p.sync.SetOnline(true)
		requireErrorResult(t, p.results, interfaces.SyncErrorBadStatus)
		assert.Equal(t, []bool{true}, p.requester.requestMethods())
	})
}
