package ldclient

import (
	"fmt"
	"sync"

	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
)

// PrimaryEnvironmentName is the reserved instance name of the client created for
// Config.MobileKey.
const PrimaryEnvironmentName = "default"

// Registry owns one Client per configured environment: the primary mobile key plus any
// secondary mobile keys, all sharing the same configuration and current user. Most
// applications use a single environment and only ever touch Default().
type Registry struct {
	lock      sync.Mutex
	clients   map[string]*Client
	closeOnce sync.Once
}

// Start validates the configuration, creates a client for each configured environment,
// performs the initial identify on each, and, if StartOnline is set, begins
// synchronizing. It returns as soon as the clients are running; flag data arrives
// asynchronously (use SetOnline completions or ObserveAll to learn when).
func Start(config Config, user lduser.User) (*Registry, error) {
	if err := config.Validate(config.Loggers); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	r := &Registry{clients: make(map[string]*Client, 1+len(config.SecondaryMobileKeys))}
	r.clients[PrimaryEnvironmentName] = newClient(PrimaryEnvironmentName, config.MobileKey, config, user, httpServiceFactory{})
	for name, key := range config.SecondaryMobileKeys {
		r.clients[name] = newClient(name, key, config, user, httpServiceFactory{})
	}
	for _, client := range r.clients {
		client.start()
		if config.StartOnline {
			client.SetOnline(true, nil)
		}
	}
	return r, nil
}

// Default returns the client for the primary environment.
func (r *Registry) Default() *Client {
	return r.clients[PrimaryEnvironmentName]
}

// Named returns the client for a secondary environment by its configured name, or the
// primary client for PrimaryEnvironmentName.
func (r *Registry) Named(name string) (*Client, bool) {
	client, ok := r.clients[name]
	return client, ok
}

// Names returns the names of all environments in the registry.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Identify switches every client in the registry to a new user. The completion, if
// any, tracks the primary environment only.
func (r *Registry) Identify(user lduser.User, completion func()) {
	r.forEach(func(c *Client) {
		if c.name == PrimaryEnvironmentName {
			c.Identify(user, completion)
		} else {
			c.Identify(user, nil)
		}
	})
}

// SetOnline requests an online or offline transition on every client.
func (r *Registry) SetOnline(goOnline bool) {
	r.forEach(func(c *Client) { c.SetOnline(goOnline, nil) })
}

// SetRunMode propagates a foreground/background transition to every client.
func (r *Registry) SetRunMode(mode RunMode) {
	r.forEach(func(c *Client) { c.SetRunMode(mode) })
}

// Close shuts down every client, delivering buffered analytics events first.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.forEach(func(c *Client) { c.Close() })
	})
}

func (r *Registry) forEach(fn func(*Client)) {
	r.lock.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.lock.Unlock()
	for _, client := range clients {
		fn(client)
	}
}
