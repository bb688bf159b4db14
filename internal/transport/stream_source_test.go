package transport

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/launchdarkly/go-client-sdk/interfaces"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
)

type streamMessage struct {
	kind      string // "open", "closed", "event", "error"
	eventName string
	data      string
	err       error
}

type testStreamHandler struct {
	messages    chan streamMessage
	errorAction interfaces.StreamErrorAction
}

func newTestStreamHandler() *testStreamHandler {
	return &testStreamHandler{messages: make(chan streamMessage, 10)}
}

func (h *testStreamHandler) OnStreamEvent(eventName string, data []byte) {
	h.messages <- streamMessage{kind: "event", eventName: eventName, data: string(data)}
}

func (h *testStreamHandler) OnStreamOpen() {
	h.messages <- streamMessage{kind: "open"}
}

func (h *testStreamHandler) OnStreamClosed() {
	h.messages <- streamMessage{kind: "closed"}
}

func (h *testStreamHandler) OnStreamError(err error) interfaces.StreamErrorAction {
	h.messages <- streamMessage{kind: "error", err: err}
	return h.errorAction
}

func (h *testStreamHandler) requireMessage(t *testing.T) streamMessage {
	t.Helper()
	select {
	case m := <-h.messages:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream handler callback")
		return streamMessage{}
	}
}

func startStreamSource(uri string, useReport bool, handler interfaces.StreamHandler) interfaces.StreamSource {
	factory := NewStreamSourceFactory(StreamConfig{
		URI:               uri,
		MobileKey:         testMobileKey,
		User:              lduser.NewUser("user-key"),
		UseReport:         useReport,
		InitialRetryDelay: 10 * time.Millisecond,
		Loggers:           ldlog.NewDisabledLoggers(),
	})
	source := factory(handler)
	source.Start()
	return source
}

func TestStreamSourceConnectsAndDeliversEvents(t *testing.T) {
	putEvent := httphelpers.SSEEvent{Event: "put", Data: testFlagsJSON}
	sseHandler, stream := httphelpers.SSEHandler(&putEvent)
	defer stream.Close()
	handler, requestsCh := httphelpers.RecordingHandler(sseHandler)

	httphelpers.WithServer(handler, func(server *httptest.Server) {
		streamHandler := newTestStreamHandler()
		source := startStreamSource(server.URL, false, streamHandler)
		defer source.Stop()

		assert.Equal(t, "open", streamHandler.requireMessage(t).kind)
		message := streamHandler.requireMessage(t)
		assert.Equal(t, "event", message.kind)
		assert.Equal(t, "put", message.eventName)
		assert.JSONEq(t, testFlagsJSON, message.data)

		request := <-requestsCh
		assert.Equal(t, "GET", request.Request.Method)
		assert.Equal(t, "/meval/"+expectedUserPathSegment(t), request.Request.URL.Path)
		assert.Equal(t, "api_key "+testMobileKey, request.Request.Header.Get("Authorization"))
	})
}

func TestStreamSourceReportMode(t *testing.T) {
	sseHandler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()
	handler, requestsCh := httphelpers.RecordingHandler(sseHandler)

	httphelpers.WithServer(handler, func(server *httptest.Server) {
		streamHandler := newTestStreamHandler()
		source := startStreamSource(server.URL, true, streamHandler)
		defer source.Stop()

		assert.Equal(t, "open", streamHandler.requireMessage(t).kind)
		request := <-requestsCh
		assert.Equal(t, "REPORT", request.Request.Method)
		assert.Equal(t, "/meval", request.Request.URL.Path)
		expectedBody, _ := lduser.NewUser("user-key").MarshalJSON()
		assert.JSONEq(t, string(expectedBody), string(request.Body))
	})
}

func TestStreamSourceStopClosesConnection(t *testing.T) {
	sseHandler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	httphelpers.WithServer(sseHandler, func(server *httptest.Server) {
		streamHandler := newTestStreamHandler()
		source := startStreamSource(server.URL, false, streamHandler)

		assert.Equal(t, "open", streamHandler.requireMessage(t).kind)
		source.Stop()
		assert.Equal(t, "closed", streamHandler.requireMessage(t).kind)

		// Stop is idempotent.
		source.Stop()
	})
}

func TestStreamSourceReportsHTTPErrorAndShutsDownWhenTold(t *testing.T) {
	handler, requestsCh := httphelpers.RecordingHandler(httphelpers.HandlerWithStatus(401))
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		streamHandler := newTestStreamHandler()
		streamHandler.errorAction = interfaces.StreamShutdown
		source := startStreamSource(server.URL, false, streamHandler)
		defer source.Stop()

		message := streamHandler.requireMessage(t)
		require.Equal(t, "error", message.kind)
		statusError, ok := message.err.(interfaces.HTTPStatusError)
		require.True(t, ok, "expected HTTPStatusError, got %T", message.err)
		assert.Equal(t, 401, statusError.Code)

		<-requestsCh
		// Shutdown means no reconnection attempts follow.
		time.Sleep(200 * time.Millisecond)
		assert.Len(t, requestsCh, 0)
	})
}

func TestStreamSourceRetriesWhenHandlerSaysProceed(t *testing.T) {
	putEvent := httphelpers.SSEEvent{Event: "put", Data: testFlagsJSON}
	sseHandler, stream := httphelpers.SSEHandler(&putEvent)
	defer stream.Close()
	handler := httphelpers.SequentialHandler(httphelpers.HandlerWithStatus(503), sseHandler)

	httphelpers.WithServer(handler, func(server *httptest.Server) {
		streamHandler := newTestStreamHandler()
		streamHandler.errorAction = interfaces.StreamProceed
		source := startStreamSource(server.URL, false, streamHandler)
		defer source.Stop()

		message := streamHandler.requireMessage(t)
		require.Equal(t, "error", message.kind)

		// The transport reconnects on its own and the stream comes up normally.
		assert.Equal(t, "open", streamHandler.requireMessage(t).kind)
		message = streamHandler.requireMessage(t)
		assert.Equal(t, "put", message.eventName)
	})
}
