package ldclient

import (
	"net/http"

	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/internal/transport"

	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
)

// serviceFactory creates the transport components for a client instance. Tests replace
// it to run a client against in-process fakes.
type serviceFactory interface {
	makeFlagRequester(config Config, mobileKey MobileKey, user lduser.User) interfaces.FlagRequester
	makeStreamSourceFactory(config Config, mobileKey MobileKey, user lduser.User) interfaces.StreamSourceFactory
	makeEventSender(config Config, mobileKey MobileKey) interfaces.EventSender
}

// httpServiceFactory builds the default HTTP transports from internal/transport.
type httpServiceFactory struct{}

func (f httpServiceFactory) makeFlagRequester(config Config, mobileKey MobileKey, user lduser.User) interfaces.FlagRequester {
	return transport.NewPollingRequester(transport.RequesterConfig{
		BaseURI:    config.baseURI(),
		MobileKey:  string(mobileKey),
		User:       user,
		HTTPClient: f.httpClient(config),
		Loggers:    config.Loggers,
	})
}

func (f httpServiceFactory) makeStreamSourceFactory(config Config, mobileKey MobileKey, user lduser.User) interfaces.StreamSourceFactory {
	return transport.NewStreamSourceFactory(transport.StreamConfig{
		URI:        config.streamURI(),
		MobileKey:  string(mobileKey),
		User:       user,
		UseReport:  config.UseReport,
		HTTPClient: f.httpClient(config),
		Loggers:    config.Loggers,
	})
}

func (f httpServiceFactory) makeEventSender(config Config, mobileKey MobileKey) interfaces.EventSender {
	return transport.NewHTTPEventSender(transport.EventSenderConfig{
		EventsURI:  config.eventsURI(),
		MobileKey:  string(mobileKey),
		HTTPClient: f.httpClient(config),
		Loggers:    config.Loggers,
	})
}

func (f httpServiceFactory) httpClient(config Config) *http.Client {
	if config.HTTPClient != nil {
		return config.HTTPClient
	}
	timeout := config.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	return &http.Client{Timeout: timeout}
}
