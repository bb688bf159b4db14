// Package transport provides the default HTTP implementations of the client's abstract
// service interfaces: the SSE stream source, the polling flag requester, and the event
// sender.
package transport

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/launchdarkly/go-client-sdk/interfaces"

	es "github.com/launchdarkly/eventsource"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
)

const (
	streamReadTimeout        = 5 * time.Minute
	streamMaxRetryDelay      = 30 * time.Second
	streamRetryResetInterval = 60 * time.Second
	streamJitterRatio        = 0.5
	defaultStreamRetryDelay  = 1 * time.Second

	streamBasePath = "/meval"
)

// StreamConfig holds the parameters for the default streaming transport.
type StreamConfig struct {
	URI               string
	MobileKey         string
	User              lduser.User
	UseReport         bool
	HTTPClient        *http.Client
	InitialRetryDelay time.Duration
	Loggers           ldlog.Loggers
}

// NewStreamSourceFactory returns a factory producing SSE stream sources for the mobile
// streaming endpoint. Reconnection with capped, jittered backoff is handled inside the
// eventsource client; permanent failures are decided by the handler.
func NewStreamSourceFactory(config StreamConfig) interfaces.StreamSourceFactory {
	return func(handler interfaces.StreamHandler) interfaces.StreamSource {
		loggers := config.Loggers
		loggers.SetPrefix("StreamSource:")
		return &streamSource{
			config:  config,
			handler: handler,
			loggers: loggers,
			halt:    make(chan struct{}),
		}
	}
}

type streamSource struct {
	config    StreamConfig
	handler   interfaces.StreamHandler
	loggers   ldlog.Loggers
	halt      chan struct{}
	closeOnce sync.Once

	lock   sync.Mutex
	stream *es.Stream
}

// Start begins connecting asynchronously. Events and errors are delivered to the
// handler from the source's own goroutine.
func (s *streamSource) Start() {
	go s.subscribe()
}

// Stop permanently shuts down the connection. It is safe to call more than once and
// safe to call from handler callbacks.
func (s *streamSource) Stop() {
	s.closeOnce.Do(func() {
		close(s.halt)
	})
}

func (s *streamSource) subscribe() {
	req, err := s.makeRequest()
	if err != nil {
		s.loggers.Errorf("invalid stream request: %s", err)
		s.handler.OnStreamError(err)
		return
	}

	errorHandler := func(err error) es.StreamErrorHandlerResult {
		action := s.handler.OnStreamError(translateStreamError(err))
		if action == interfaces.StreamShutdown {
			s.Stop()
			return es.StreamErrorHandlerResult{CloseNow: true}
		}
		return es.StreamErrorHandlerResult{CloseNow: false}
	}

	retry := s.config.InitialRetryDelay
	if retry <= 0 {
		retry = defaultStreamRetryDelay
	}

	// Client.Timeout must be zeroed out for stream connections, since it's not just a
	// connect timeout but a timeout for the entire response
	client := *s.httpClient()
	client.Timeout = 0

	s.loggers.Infof("connecting to stream at %s", req.URL)
	stream, err := es.SubscribeWithRequestAndOptions(req,
		es.StreamOptionHTTPClient(&client),
		es.StreamOptionReadTimeout(streamReadTimeout),
		es.StreamOptionInitialRetry(retry),
		es.StreamOptionUseBackoff(streamMaxRetryDelay),
		es.StreamOptionUseJitter(streamJitterRatio),
		es.StreamOptionRetryResetInterval(streamRetryResetInterval),
		es.StreamOptionErrorHandler(errorHandler),
		es.StreamOptionCanRetryFirstConnection(-1),
		es.StreamOptionLogger(s.loggers.ForLevel(ldlog.Info)),
	)
	if err != nil {
		select {
		case <-s.halt:
			// The error handler already saw this failure and chose to shut down.
		default:
			s.handler.OnStreamError(translateStreamError(err))
		}
		return
	}

	s.lock.Lock()
	s.stream = stream
	s.lock.Unlock()
	select {
	case <-s.halt:
		// Stopped before the subscription was recorded.
		stream.Close()
		return
	default:
	}

	s.handler.OnStreamOpen()
	s.consumeStream(stream)
}

func (s *streamSource) consumeStream(stream *es.Stream) {
	// Consume remaining Events and Errors so we can garbage collect
	defer func() {
		for range stream.Events {
		}
		if stream.Errors != nil {
			for range stream.Errors {
			}
		}
	}()

	for {
		select {
		case event, ok := <-stream.Events:
			if !ok {
				s.handler.OnStreamClosed()
				return
			}
			s.handler.OnStreamEvent(event.Event(), []byte(event.Data()))
		case <-s.halt:
			stream.Close()
			s.handler.OnStreamClosed()
			return
		}
	}
}

func (s *streamSource) makeRequest() (*http.Request, error) {
	userData, err := s.config.User.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var req *http.Request
	if s.config.UseReport {
		endpoint, err := joinPath(s.config.URI, streamBasePath)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequest("REPORT", endpoint, bytes.NewReader(userData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		endpoint, err := joinPath(s.config.URI, streamBasePath+"/"+base64.URLEncoding.EncodeToString(userData))
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequest("GET", endpoint, nil)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set("Authorization", authorizationHeaderValue(s.config.MobileKey))
	req.Header.Set("User-Agent", userAgentHeaderValue)
	return req, nil
}

func (s *streamSource) httpClient() *http.Client {
	if s.config.HTTPClient != nil {
		return s.config.HTTPClient
	}
	return http.DefaultClient
}

// translateStreamError maps eventsource errors to the transport-agnostic error types
// the synchronizer understands.
func translateStreamError(err error) error {
	if se, ok := err.(es.SubscriptionError); ok {
		return interfaces.HTTPStatusError{Code: se.Code}
	}
	return err
}

func joinPath(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return u.String() + path, nil
}
