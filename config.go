package ldclient

import (
	"errors"
	"net/http"
	"time"

	"github.com/launchdarkly/go-client-sdk/interfaces"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

const (
	// DefaultBaseURI is the default value for the base URI of the polling endpoints.
	DefaultBaseURI = "https://app.launchdarkly.com"

	// DefaultStreamURI is the default value for the base URI of the streaming endpoints.
	DefaultStreamURI = "https://clientstream.launchdarkly.com"

	// DefaultEventsURI is the default value for the base URI of the event endpoints.
	DefaultEventsURI = "https://mobile.launchdarkly.com"

	// DefaultPollInterval is the default value for Config.PollInterval if not specified.
	DefaultPollInterval = 5 * time.Minute

	// DefaultBackgroundPollInterval is the default value for Config.BackgroundPollInterval
	// if not specified.
	DefaultBackgroundPollInterval = time.Hour

	// DefaultEventFlushInterval is the default value for Config.EventFlushInterval if not
	// specified.
	DefaultEventFlushInterval = 30 * time.Second

	// DefaultEventCapacity is the default value for Config.EventCapacity if not specified.
	DefaultEventCapacity = 100

	// DefaultConnectionTimeout is the default value for Config.ConnectionTimeout if not
	// specified.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultThrottleMaxDelay is the default cap on the backoff applied to repeated
	// go-online requests.
	DefaultThrottleMaxDelay = time.Minute

	minimumPollInterval = 5 * time.Minute
)

// Config describes the configuration for one client instance (or, with
// SecondaryMobileKeys, a set of instances sharing everything but credentials).
//
// Start by copying DefaultConfig and changing only the fields you need to change.
type Config struct {
	// MobileKey is the credential for the primary environment. It is required.
	MobileKey MobileKey

	// SecondaryMobileKeys maps instance names to credentials for additional
	// environments. The names must not collide with PrimaryEnvironmentName.
	SecondaryMobileKeys map[string]MobileKey

	// BaseURI, StreamURI, and EventsURI override the service endpoints; leave them
	// undefined to use the production endpoints.
	BaseURI   OptAbsoluteURL
	StreamURI OptAbsoluteURL
	EventsURI OptAbsoluteURL

	// EnableStreaming selects streaming mode (the default) over polling mode.
	EnableStreaming bool

	// PollInterval is how often to request a flag snapshot in polling mode. Values
	// below the service minimum are raised to it.
	PollInterval time.Duration

	// BackgroundPollInterval is the polling interval used while the application runs
	// in the background (background updates must be enabled).
	BackgroundPollInterval time.Duration

	// EnableBackgroundUpdates allows flag synchronization to continue, by polling,
	// while the application is in the background.
	EnableBackgroundUpdates bool

	// UseReport makes flag requests with the REPORT method, carrying the user in the
	// request body instead of the URL path.
	UseReport bool

	// EvaluationReasons requests evaluation reason data with each flag, and makes
	// reason changes count as flag changes for observers.
	EvaluationReasons bool

	// StartOnline determines whether the client goes online as soon as it starts.
	StartOnline bool

	// EventCapacity bounds the analytics event buffer. When the buffer is full, new
	// events are dropped until the next flush.
	EventCapacity int

	// EventFlushInterval is how often buffered events are delivered while online.
	EventFlushInterval time.Duration

	// ConnectionTimeout is the timeout for flag and event requests (not for the
	// streaming connection, which stays open indefinitely).
	ConnectionTimeout time.Duration

	// HTTPClient, if set, replaces the default HTTP client for all requests.
	HTTPClient *http.Client

	// Cache, if set, persists flag snapshots per user so a restarted client can serve
	// flags before its first request completes.
	Cache interfaces.PersistentCache

	// Loggers receives the client's log output. The zero value logs to the standard
	// log package; use ldlog.NewDisabledLoggers() to silence it.
	Loggers ldlog.Loggers
}

// DefaultConfig contains defaults for all configuration fields.
var DefaultConfig = Config{
	EnableStreaming:        true,
	StartOnline:            true,
	PollInterval:           DefaultPollInterval,
	BackgroundPollInterval: DefaultBackgroundPollInterval,
	EventCapacity:          DefaultEventCapacity,
	EventFlushInterval:     DefaultEventFlushInterval,
	ConnectionTimeout:      DefaultConnectionTimeout,
}

// Validate checks for configurations that cannot work and normalizes out-of-range
// values, logging each adjustment.
func (c *Config) Validate(loggers ldlog.Loggers) error {
	if !c.MobileKey.Defined() {
		return errors.New("a mobile key is required")
	}
	for name, key := range c.SecondaryMobileKeys {
		if name == PrimaryEnvironmentName {
			return errors.New(`secondary mobile keys must not use the name "` + PrimaryEnvironmentName + `"`)
		}
		if !key.Defined() {
			return errors.New("secondary mobile key for " + name + " is empty")
		}
	}
	if c.PollInterval < minimumPollInterval {
		loggers.Warnf("poll interval %s is below the minimum, using %s", c.PollInterval, minimumPollInterval)
		c.PollInterval = minimumPollInterval
	}
	if c.BackgroundPollInterval < c.PollInterval {
		c.BackgroundPollInterval = c.PollInterval
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = DefaultEventCapacity
	}
	if c.EventFlushInterval <= 0 {
		c.EventFlushInterval = DefaultEventFlushInterval
	}
	return nil
}

func (c Config) baseURI() string {
	return c.BaseURI.StringOrElse(DefaultBaseURI)
}

func (c Config) streamURI() string {
	return c.StreamURI.StringOrElse(DefaultStreamURI)
}

func (c Config) eventsURI() string {
	return c.EventsURI.StringOrElse(DefaultEventsURI)
}
