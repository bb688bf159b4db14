// Package flagsync implements the flag update synchronizer: a dual-mode client that
// keeps flag state current either over a streaming connection or by periodic polling.
// It reports every update or failure to its owner and never retries on its own, beyond
// the single documented polling method fallback.
package flagsync

import (
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/go-client-sdk/flagdata"
	"github.com/launchdarkly/go-client-sdk/interfaces"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// Mode selects how the synchronizer receives updates while online.
type Mode string

const (
	// ModeStreaming holds a long-lived server-push connection open.
	ModeStreaming Mode = "streaming"
	// ModePolling requests a full snapshot at a fixed interval.
	ModePolling Mode = "polling"
)

// UpdateKind tags a successful Result with the kind of update it carries.
type UpdateKind string

const (
	// UpdatePing is a full snapshot fetched because the stream asked the client to poll.
	UpdatePing UpdateKind = "ping"
	// UpdatePut is a full snapshot.
	UpdatePut UpdateKind = "put"
	// UpdatePatch is a single-flag update.
	UpdatePatch UpdateKind = "patch"
	// UpdateDelete is a single-flag deletion.
	UpdateDelete UpdateKind = "delete"
)

// Result is one synchronization outcome: a flag delta on success, or a typed error.
// Exactly one of Flags, Flag, Deletion, or Err is set.
type Result struct {
	Kind     UpdateKind
	Flags    flagdata.FlagSnapshot
	Flag     *flagdata.FeatureFlag
	Deletion *flagdata.DeleteMessage
	Err      *interfaces.SyncError
}

// Config holds the synchronizer's construction parameters. Requester is always
// required (streaming mode uses it to answer ping events); StreamFactory is required
// in streaming mode.
type Config struct {
	Mode          Mode
	PollInterval  time.Duration
	UseReport     bool
	Requester     interfaces.FlagRequester
	StreamFactory interfaces.StreamSourceFactory
}

// Synchronizer owns either one streaming connection or one polling timer, switched on
// and off by SetOnline. Results are delivered through the onResult callback from the
// synchronizer's own goroutines; the owner is expected to re-dispatch them onto its
// serialization context.
type Synchronizer struct {
	config   Config
	onResult func(Result)
	loggers  ldlog.Loggers

	lock     sync.Mutex
	online   bool
	session  *streamSession
	pollStop chan struct{}
}

// NewSynchronizer creates a Synchronizer in the offline state.
func NewSynchronizer(config Config, loggers ldlog.Loggers, onResult func(Result)) *Synchronizer {
	loggers.SetPrefix("FlagSynchronizer:")
	return &Synchronizer{
		config:   config,
		onResult: onResult,
		loggers:  loggers,
	}
}

// Mode returns the configured update mode.
func (s *Synchronizer) Mode() Mode {
	return s.config.Mode
}

// PollInterval returns the polling interval.
func (s *Synchronizer) PollInterval() time.Duration {
	return s.config.PollInterval
}

// IsOnline reports whether the synchronizer currently has an active connection or
// polling timer.
func (s *Synchronizer) IsOnline() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.online
}

// SetOnline starts or stops synchronization. Both directions are idempotent. Teardown
// is asynchronous with respect to in-flight events: anything that arrives after the
// transition is discarded and reported as a stale-event error.
func (s *Synchronizer) SetOnline(online bool) {
	s.lock.Lock()
	if online == s.online {
		s.lock.Unlock()
		return
	}
	s.online = online
	if online {
		if s.config.Mode == ModeStreaming {
			session := &streamSession{parent: s}
			session.source = s.config.StreamFactory(session)
			s.session = session
			s.lock.Unlock()
			s.loggers.Info("starting streaming connection")
			session.source.Start()
			return
		}
		stopCh := make(chan struct{})
		s.pollStop = stopCh
		s.lock.Unlock()
		s.loggers.Infof("starting polling with interval %s", s.config.PollInterval)
		go s.runPollLoop(stopCh)
		return
	}
	session := s.session
	stopCh := s.pollStop
	s.session = nil
	s.pollStop = nil
	s.lock.Unlock()
	if session != nil {
		s.loggers.Info("stopping streaming connection")
		session.source.Stop()
	}
	if stopCh != nil {
		s.loggers.Info("stopping polling")
		close(stopCh)
	}
}

// Close takes the synchronizer offline permanently.
func (s *Synchronizer) Close() {
	s.SetOnline(false)
}

func (s *Synchronizer) report(result Result) {
	s.onResult(result)
}

// streamSession ties stream callbacks to the connection attempt that produced them, so
// that events racing with a teardown can be recognized as stale.
type streamSession struct {
	parent *Synchronizer
	source interfaces.StreamSource
}

func (session *streamSession) OnStreamOpen() {
	session.parent.loggers.Debug("stream connection opened")
}

func (session *streamSession) OnStreamClosed() {
	// A close without an error is a timing diagnostic, not a sync error; the transport
	// reconnects on its own if the connection was supposed to stay up.
	session.parent.loggers.Debug("stream connection closed")
}

func (session *streamSession) OnStreamEvent(eventName string, data []byte) {
	session.parent.handleStreamEvent(session, eventName, data)
}

func (session *streamSession) OnStreamError(err error) interfaces.StreamErrorAction {
	return session.parent.handleStreamError(session, err)
}

func (s *Synchronizer) isCurrentSession(session *streamSession) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.online && s.session == session
}

func (s *Synchronizer) handleStreamEvent(session *streamSession, eventName string, data []byte) {
	if !s.isCurrentSession(session) {
		s.loggers.Debugf("discarded stale stream event %q", eventName)
		s.report(Result{Err: interfaces.NewStaleStreamEventError()})
		return
	}
	if s.loggers.IsDebugEnabled() {
		s.loggers.Debugf("received stream event %q", eventName)
	}
	switch eventName {
	case "ping":
		result := s.makeFlagRequest(UpdatePing)
		// The request may have outlived the connection.
		if !s.isCurrentSession(session) {
			s.report(Result{Err: interfaces.NewStaleStreamEventError()})
			return
		}
		s.report(result)
	case "put":
		flags, err := flagdata.ParseSnapshot(data)
		if err != nil {
			s.report(Result{Err: interfaces.NewMalformedBodyError(err)})
			return
		}
		s.report(Result{Kind: UpdatePut, Flags: flags})
	case "patch":
		flag, err := flagdata.ParseFlag(data)
		if err != nil {
			s.report(Result{Err: interfaces.NewMalformedBodyError(err)})
			return
		}
		s.report(Result{Kind: UpdatePatch, Flag: &flag})
	case "delete":
		deletion, err := flagdata.ParseDeleteMessage(data)
		if err != nil {
			s.report(Result{Err: interfaces.NewMalformedBodyError(err)})
			return
		}
		s.report(Result{Kind: UpdateDelete, Deletion: &deletion})
	default:
		s.loggers.Warnf("ignoring unrecognized stream event %q", eventName)
		s.report(Result{Err: interfaces.NewUnknownEventTypeError(eventName)})
	}
}

func (s *Synchronizer) handleStreamError(session *streamSession, err error) interfaces.StreamErrorAction {
	if !s.isCurrentSession(session) {
		s.report(Result{Err: interfaces.NewOfflineError()})
		return interfaces.StreamShutdown
	}
	if statusError, ok := err.(interfaces.HTTPStatusError); ok {
		if isTransientStreamStatus(statusError.Code) {
			s.loggers.Warnf("stream connection returned HTTP error %d, will retry", statusError.Code)
			return interfaces.StreamProceed
		}
		s.loggers.Errorf("stream connection returned HTTP error %d, giving up permanently", statusError.Code)
		s.lock.Lock()
		s.online = false
		s.session = nil
		s.lock.Unlock()
		s.report(Result{Err: interfaces.NewStreamTransportError(statusError.Code, err)})
		return interfaces.StreamShutdown
	}
	s.loggers.Warnf("stream connection failed (%s), will retry", err)
	s.report(Result{Err: interfaces.NewStreamTransportError(0, err)})
	return interfaces.StreamProceed
}

func (s *Synchronizer) runPollLoop(stopCh chan struct{}) {
	s.pollOnce(stopCh)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pollOnce(stopCh)
		case <-stopCh:
			return
		}
	}
}

func (s *Synchronizer) pollOnce(stopCh chan struct{}) {
	result := s.makeFlagRequest(UpdatePut)
	// A response that arrives after the timer was stopped must not be applied.
	select {
	case <-stopCh:
		s.report(Result{Err: interfaces.NewOfflineError()})
		return
	default:
	}
	s.report(result)
}

func (s *Synchronizer) makeFlagRequest(kind UpdateKind) Result {
	requestResult := s.config.Requester.GetFlags(s.config.UseReport)
	if s.config.UseReport && requestResult.Err == nil && isMethodFallbackStatus(requestResult.StatusCode) {
		// Some proxies reject REPORT; retry once with GET. This is the only retry the
		// synchronizer performs itself.
		s.loggers.Warnf("flag request was rejected with status %d, retrying with GET", requestResult.StatusCode)
		requestResult = s.config.Requester.GetFlags(false)
	}
	if requestResult.Err != nil {
		return Result{Err: interfaces.NewTransportError(requestResult.Err)}
	}
	if requestResult.StatusCode < 200 || requestResult.StatusCode >= 300 {
		return Result{Err: interfaces.NewBadStatusError(requestResult.StatusCode)}
	}
	flags, err := flagdata.ParseSnapshot(requestResult.Body)
	if err != nil {
		return Result{Err: interfaces.NewMalformedBodyError(err)}
	}
	return Result{Kind: kind, Flags: flags}
}

// isTransientStreamStatus reports whether a stream HTTP error should be left to the
// transport's own reconnect policy rather than shutting the connection down.
func isTransientStreamStatus(statusCode int) bool {
	return statusCode == http.StatusBadRequest ||
		statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests
}

// isMethodFallbackStatus reports whether a REPORT response status warrants a one-time
// retry with GET.
func isMethodFallbackStatus(statusCode int) bool {
	return statusCode == http.StatusBadRequest ||
		statusCode == http.StatusMethodNotAllowed ||
		statusCode == http.StatusNotImplemented
}
