package transport

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/launchdarkly/go-client-sdk/interfaces"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldtime"
)

const (
	eventsBulkPath         = "/mobile/events/bulk"
	eventSchemaHeader      = "X-LaunchDarkly-Event-Schema"
	currentEventSchema     = "3"
	eventDeliveryRetryWait = time.Second
)

// EventSenderConfig holds the parameters for the default event delivery transport.
type EventSenderConfig struct {
	EventsURI  string
	MobileKey  string
	HTTPClient *http.Client
	Loggers    ldlog.Loggers
}

// HTTPEventSender posts event payloads to the bulk event endpoint. A recoverable
// failure (network error or retryable status) is retried once, with the same payload,
// after a short wait; this is the only retry in the event delivery path, and the event
// processor never requeues a payload the sender has given up on.
type HTTPEventSender struct {
	config  EventSenderConfig
	loggers ldlog.Loggers
}

// NewHTTPEventSender creates an HTTPEventSender.
func NewHTTPEventSender(config EventSenderConfig) *HTTPEventSender {
	loggers := config.Loggers
	loggers.SetPrefix("EventSender:")
	return &HTTPEventSender{config: config, loggers: loggers}
}

// SendEvents implements interfaces.EventSender.
func (s *HTTPEventSender) SendEvents(data []byte, eventCount int) interfaces.EventDeliveryResult {
	endpoint, err := joinPath(s.config.EventsURI, eventsBulkPath)
	if err != nil {
		return interfaces.EventDeliveryResult{Err: err}
	}
	var result interfaces.EventDeliveryResult
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.loggers.Warn("will retry event delivery after one failure")
			time.Sleep(eventDeliveryRetryWait)
		}
		result = s.postEvents(endpoint, data)
		if result.Err == nil && !isRecoverableStatus(result.StatusCode) {
			return result
		}
	}
	return result
}

func (s *HTTPEventSender) postEvents(endpoint string, data []byte) interfaces.EventDeliveryResult {
	req, err := http.NewRequest("POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return interfaces.EventDeliveryResult{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorizationHeaderValue(s.config.MobileKey))
	req.Header.Set("User-Agent", userAgentHeaderValue)
	req.Header.Set(eventSchemaHeader, currentEventSchema)

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return interfaces.EventDeliveryResult{Err: err}
	}
	defer func() {
		_, _ = ioutil.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}()

	result := interfaces.EventDeliveryResult{StatusCode: resp.StatusCode}
	if dateHeader := resp.Header.Get("Date"); dateHeader != "" {
		if serverTime, err := http.ParseTime(dateHeader); err == nil {
			result.ServerTime = ldtime.UnixMillisFromTime(serverTime)
		}
	}
	return result
}

func (s *HTTPEventSender) httpClient() *http.Client {
	if s.config.HTTPClient != nil {
		return s.config.HTTPClient
	}
	return http.DefaultClient
}

// isRecoverableStatus reports whether a response status justifies one retry of the same
// payload. Client errors other than 429 will fail the same way again, so they are not
// retried.
func isRecoverableStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}
