// Package ldclient is a LaunchDarkly client-side SDK core: it keeps an in-memory store
// of server-evaluated feature flags synchronized with the flag service, over a
// streaming connection or by polling, and batches analytics events back to the service.
package ldclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/launchdarkly/go-client-sdk/flagdata"
	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/internal/events"
	"github.com/launchdarkly/go-client-sdk/internal/flagstore"
	"github.com/launchdarkly/go-client-sdk/internal/flagsync"
	"github.com/launchdarkly/go-client-sdk/internal/throttler"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// RunMode tells the client whether the host application is in the foreground. The host
// application reports transitions with Client.SetRunMode; the client has no platform
// lifecycle hooks of its own.
type RunMode string

const (
	// RunModeForeground is the normal operating mode.
	RunModeForeground RunMode = "foreground"
	// RunModeBackground restricts synchronization to background polling, or parks it
	// entirely when background updates are disabled.
	RunModeBackground RunMode = "background"
)

// Client is one SDK instance, bound to one environment (mobile key) and one current
// user. It is the single authority for the instance's online/offline state and the
// only component that mutates the flag store.
//
// All state transitions run on a single task goroutine, so concurrent calls from any
// number of application goroutines are linearized. Flag reads are served from a locked
// in-memory store and never block on the network.
type Client struct {
	name      string
	mobileKey MobileKey
	loggers   ldlog.Loggers

	tasks     chan func()
	closeCh   chan struct{}
	closeOnce sync.Once

	// stateLock guards the scalar state below for external readers; all writes happen
	// on the task goroutine.
	stateLock sync.RWMutex
	config    Config
	user      lduser.User
	online    bool
	started   bool
	runMode   RunMode
	connInfo  ConnectionInformation

	store     *flagstore.Store
	events    *events.Processor
	sync      *flagsync.Synchronizer
	requester interfaces.FlagRequester
	throttler *throttler.Throttler
	notifier  *flagChangeNotifier
	cache     interfaces.PersistentCache
	services  serviceFactory

	pendingOnlineCompletions []func()
}

func newClient(name string, mobileKey MobileKey, config Config, user lduser.User, services serviceFactory) *Client {
	loggers := config.Loggers
	loggers.SetPrefix(fmt.Sprintf("LDClient(%s):", name))
	c := &Client{
		name:      name,
		mobileKey: mobileKey,
		loggers:   loggers,
		tasks:     make(chan func(), 64),
		closeCh:   make(chan struct{}),
		config:    config,
		user:      user,
		runMode:   RunModeForeground,
		store:     flagstore.NewStore(config.Loggers),
		notifier:  newFlagChangeNotifier(),
		cache:     config.Cache,
		services:  services,
		connInfo:  ConnectionInformation{CurrentState: ConnectionStateUnknown},
	}
	c.throttler = throttler.NewThrottler(throttler.DefaultInitialDelay, DefaultThrottleMaxDelay, config.Loggers)
	c.events = events.NewProcessor(events.Config{
		Capacity:      config.EventCapacity,
		FlushInterval: config.EventFlushInterval,
		Sender:        services.makeEventSender(config, mobileKey),
	}, config.Loggers, c.handleEventResult)
	c.rebuildSynchronizer()
	go c.runTasks()
	return c
}

func (c *Client) runTasks() {
	for {
		// Checked first so that no task, even one already buffered, can run after the
		// teardown task has closed closeCh.
		select {
		case <-c.closeCh:
			return
		default:
		}
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) submit(fn func()) {
	select {
	case <-c.closeCh:
		return
	default:
	}
	select {
	case c.tasks <- fn:
	case <-c.closeCh:
	}
}

func (c *Client) submitAndWait(fn func()) {
	done := make(chan struct{})
	c.submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-c.closeCh:
	}
}

// start performs the initial identify and cache load. Called once by the registry.
func (c *Client) start() {
	c.submitAndWait(func() {
		c.setState(func() { c.started = true })
		c.loadCachedFlags()
		c.events.RecordIdentifyEvent(c.currentUser())
	})
}

// setState runs a state mutation under the lock; must be called on the task goroutine.
func (c *Client) setState(fn func()) {
	c.stateLock.Lock()
	fn()
	c.stateLock.Unlock()
}

// SetOnline requests an online or offline transition.
//
// Going offline always takes effect immediately. Going online is throttled with
// increasing backoff when requested repeatedly, so the actual transition is eventual,
// not immediate; the completion callback, if any, fires after the first
// synchronization outcome (fresh flags, an error, or "no change") that follows the
// transition.
func (c *Client) SetOnline(goOnline bool, completion func()) {
	c.submit(func() { c.setOnlineInternal(goOnline, completion) })
}

// IsOnline reports the application-requested online state. True does not mean a
// connection is currently established; see GetConnectionInformation for that.
func (c *Client) IsOnline() bool {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.online
}

// GetConnectionInformation returns a snapshot of the client's connectivity state.
func (c *Client) GetConnectionInformation() ConnectionInformation {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.connInfo
}

// SetRunMode tells the client that the host application moved between foreground and
// background. In the background, streaming is replaced by polling at the background
// interval, or suspended entirely when background updates are disabled.
func (c *Client) SetRunMode(mode RunMode) {
	c.submit(func() {
		if mode == c.runMode {
			return
		}
		c.setState(func() { c.runMode = mode })
		if !c.online {
			return
		}
		c.sync.SetOnline(false)
		c.rebuildSynchronizer()
		if !c.canGoOnline() {
			c.loggers.Info("background updates are disabled; suspending flag synchronization")
			c.applyConnectionEvent(connectionEventBackgroundDisabled, nil)
			return
		}
		event := connectionEventStart
		if mode == RunModeBackground {
			event = connectionEventBackgroundRetry
		}
		c.applyConnectionEvent(event, nil)
		c.sync.SetOnline(true)
	})
}

// Identify switches the client to a different user: synchronization is restarted
// against the new user, cached flags for that user are served immediately if present,
// and an identify event is recorded. The completion callback follows the same rules as
// SetOnline's.
func (c *Client) Identify(user lduser.User, completion func()) {
	c.submit(func() {
		wasOnline := c.online
		c.goOfflineInternal(connectionEventSetOffline)
		c.setState(func() { c.user = user })
		if c.requester != nil {
			// The old user's flag responses must never satisfy the new user's requests.
			c.requester.ClearCache()
		}
		c.rebuildSynchronizer()
		c.loadCachedFlags()
		c.events.RecordIdentifyEvent(user)
		c.restoreOnlineState(wasOnline, completion)
	})
}

// SetConfig replaces the runtime configuration. The client goes offline, applies the
// new settings to its synchronizer and event processor, and then restores its previous
// online state. The mobile key and instance name are fixed at Start and are not
// affected.
func (c *Client) SetConfig(config Config) {
	c.submit(func() {
		wasOnline := c.online
		c.goOfflineInternal(connectionEventSetOffline)
		config.MobileKey = c.mobileKey
		config.Loggers = c.config.Loggers
		_ = config.Validate(c.loggers)
		c.setState(func() { c.config = config })
		c.cache = config.Cache
		c.rebuildSynchronizer()
		c.events.Reconfigure(events.Config{
			Capacity:      config.EventCapacity,
			FlushInterval: config.EventFlushInterval,
			Sender:        c.services.makeEventSender(config, c.mobileKey),
		})
		c.restoreOnlineState(wasOnline, nil)
	})
}

// TrackEvent records a custom analytics event with optional data.
func (c *Client) TrackEvent(key string, data ldvalue.Value) {
	c.events.RecordCustomEvent(key, c.currentUser(), data, nil)
}

// TrackMetric records a custom analytics event carrying a numeric metric value.
func (c *Client) TrackMetric(key string, data ldvalue.Value, metricValue float64) {
	c.events.RecordCustomEvent(key, c.currentUser(), data, &metricValue)
}

// Flush delivers all buffered analytics events now instead of waiting for the next
// timer fire.
func (c *Client) Flush() {
	c.events.Flush()
}

// ObserveFlag registers an observer called whenever the named flag's value changes.
func (c *Client) ObserveFlag(key string, fn func(flagdata.ChangedFlag)) *Subscription {
	return c.notifier.observeFlag(key, fn)
}

// ObserveAll registers an observer called with the full change set whenever any flags
// change.
func (c *Client) ObserveAll(fn func([]flagdata.ChangedFlag)) *Subscription {
	return c.notifier.observeAll(fn)
}

// ObserveFlagsUnchanged registers an observer called when an update arrived and no
// flags changed.
func (c *Client) ObserveFlagsUnchanged(fn func()) *Subscription {
	return c.notifier.observeFlagsUnchanged(fn)
}

// ObserveError registers an observer for synchronization and event delivery errors.
func (c *Client) ObserveError(fn func(error)) *Subscription {
	return c.notifier.observeError(fn)
}

// Close takes the client offline, delivers any buffered events, and releases all
// resources. The client cannot be restarted.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		// The synchronizer and throttler are owned by the task goroutine, so their
		// teardown runs as the final task; closing closeCh inside it stops the task
		// loop and drops anything submitted afterward.
		c.submitAndWait(func() {
			c.goOfflineInternal(connectionEventSetOffline)
			c.sync.Close()
			close(c.closeCh)
		})
		done := make(chan struct{})
		c.events.SetOnline(true)
		c.events.FlushWithCompletion(func(events.SyncResult) { close(done) })
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.loggers.Warn("timed out delivering events during close")
		}
		c.events.Close()
		c.notifier.close()
	})
}

func (c *Client) currentUser() lduser.User {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.user
}

func (c *Client) currentConfig() Config {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.config
}

// Everything below runs on the task goroutine.

func (c *Client) setOnlineInternal(goOnline bool, completion func()) {
	if !goOnline {
		c.goOfflineInternal(connectionEventSetOffline)
		if completion != nil {
			go completion()
		}
		return
	}
	if !c.canGoOnline() {
		c.reportWhyCannotGoOnline()
		c.goOfflineInternal(c.offlineConnectionEvent())
		if completion != nil {
			go completion()
		}
		return
	}
	c.setState(func() { c.online = true })
	if completion != nil {
		c.pendingOnlineCompletions = append(c.pendingOnlineCompletions, completion)
	}
	c.throttler.RunThrottled(func() {
		c.submit(c.goOnlineNow)
	})
}

// goOnlineNow performs the actual online transition, after any throttling delay.
func (c *Client) goOnlineNow() {
	if !c.online {
		// Superseded by an offline request while the transition was queued.
		return
	}
	c.applyConnectionEvent(connectionEventStart, nil)
	c.sync.SetOnline(true)
	c.events.SetOnline(true)
}

func (c *Client) goOfflineInternal(event connectionEvent) {
	c.setState(func() { c.online = false })
	c.throttler.Cancel()
	c.sync.SetOnline(false)
	c.events.SetOnline(false)
	c.applyConnectionEvent(event, nil)
	c.firePendingOnlineCompletions()
}

func (c *Client) canGoOnline() bool {
	return c.started && c.mobileKey.Defined() &&
		(c.runMode == RunModeForeground || c.config.EnableBackgroundUpdates)
}

func (c *Client) offlineConnectionEvent() connectionEvent {
	if c.runMode == RunModeBackground && !c.config.EnableBackgroundUpdates {
		return connectionEventBackgroundDisabled
	}
	return connectionEventSetOffline
}

func (c *Client) reportWhyCannotGoOnline() {
	switch {
	case !c.started:
		c.loggers.Warn("cannot go online before the client has started")
	case !c.mobileKey.Defined():
		c.loggers.Warn("cannot go online without a mobile key")
	default:
		c.loggers.Warn("cannot go online in the background with background updates disabled")
	}
}

func (c *Client) restoreOnlineState(wasOnline bool, completion func()) {
	if wasOnline {
		c.setOnlineInternal(true, completion)
		return
	}
	if completion != nil {
		go completion()
	}
}

func (c *Client) applyConnectionEvent(event connectionEvent, failure error) {
	c.setState(func() { c.connInfo = c.connInfo.withEvent(event, failure) })
}

func (c *Client) firePendingOnlineCompletions() {
	completions := c.pendingOnlineCompletions
	c.pendingOnlineCompletions = nil
	for _, completion := range completions {
		go completion()
	}
}

// rebuildSynchronizer replaces the synchronizer (and its transport) to match the
// current config, user, and run mode. The previous synchronizer, if any, is closed;
// results that race in from it afterward are recognized by pointer identity and
// dropped.
func (c *Client) rebuildSynchronizer() {
	if c.sync != nil {
		c.sync.Close()
	}
	config := c.config
	user := c.user
	c.requester = c.services.makeFlagRequester(config, c.mobileKey, user)

	mode := flagsync.ModePolling
	interval := config.PollInterval
	var streamFactory interfaces.StreamSourceFactory
	switch {
	case c.runMode == RunModeBackground:
		interval = config.BackgroundPollInterval
	case config.EnableStreaming:
		mode = flagsync.ModeStreaming
		streamFactory = c.services.makeStreamSourceFactory(config, c.mobileKey, user)
	}

	var newSync *flagsync.Synchronizer
	newSync = flagsync.NewSynchronizer(flagsync.Config{
		Mode:          mode,
		PollInterval:  interval,
		UseReport:     config.UseReport,
		Requester:     c.requester,
		StreamFactory: streamFactory,
	}, config.Loggers, func(result flagsync.Result) {
		c.submit(func() {
			if c.sync == newSync {
				c.processSyncResult(result)
			}
		})
	})
	c.sync = newSync
}

func (c *Client) processSyncResult(result flagsync.Result) {
	if result.Err != nil {
		c.processSyncError(result.Err)
		return
	}
	c.applyConnectionEvent(connectionEventSuccess, nil)

	var changes []flagdata.ChangedFlag
	switch result.Kind {
	case flagsync.UpdatePut, flagsync.UpdatePing:
		oldFlags := c.store.All()
		c.store.Init(result.Flags)
		changes = flagdata.ComputeChangedFlags(oldFlags, result.Flags, c.config.EvaluationReasons)
	case flagsync.UpdatePatch:
		changes = c.applyPatch(*result.Flag)
	case flagsync.UpdateDelete:
		changes = c.applyDelete(*result.Deletion)
	}

	if len(changes) == 0 {
		c.notifier.NotifyUnchanged()
	} else {
		c.loggers.Debugf("%d flags changed", len(changes))
		c.notifier.NotifyChanged(changes)
	}
	c.persistFlagsAsync()
	c.firePendingOnlineCompletions()
}

func (c *Client) applyPatch(flag flagdata.FeatureFlag) []flagdata.ChangedFlag {
	oldFlags := flagdata.FlagSnapshot{}
	if oldFlag, ok := c.store.Get(flag.Key); ok {
		oldFlags[flag.Key] = oldFlag
	}
	if !c.store.Upsert(flag) {
		return nil
	}
	newFlags := flagdata.FlagSnapshot{flag.Key: flag}
	return flagdata.ComputeChangedFlags(oldFlags, newFlags, c.config.EvaluationReasons)
}

func (c *Client) applyDelete(deletion flagdata.DeleteMessage) []flagdata.ChangedFlag {
	oldFlag, ok := c.store.Get(deletion.Key)
	if !ok || !c.store.Delete(deletion.Key, deletion.Version) {
		return nil
	}
	return []flagdata.ChangedFlag{{Key: deletion.Key, OldValue: oldFlag.Value}}
}

func (c *Client) processSyncError(err *interfaces.SyncError) {
	switch err.Kind {
	case interfaces.SyncErrorOffline, interfaces.SyncErrorStaleStreamEvent:
		// Races between teardown and in-flight events; the update was already
		// discarded and there is nothing to recover from.
		c.loggers.Debugf("discarded sync result: %s", err)
		return
	}
	if err.IsUnauthorized() {
		c.loggers.Errorf("mobile key is unauthorized, taking the client offline: %s", err)
		c.goOfflineInternal(connectionEventUnauthorized)
		c.applyConnectionEvent(connectionEventUnauthorized, err)
	} else {
		c.loggers.Warnf("flag synchronization failed: %s", err)
		c.applyConnectionEvent(connectionEventError, err)
	}
	c.notifier.notifyError(err)
	c.firePendingOnlineCompletions()
}

// handleEventResult receives flush outcomes from the event processor on its dispatch
// goroutine.
func (c *Client) handleEventResult(result events.SyncResult) {
	if result.Err == nil {
		return
	}
	err := result.Err
	c.submit(func() {
		if err.IsUnauthorized() {
			c.loggers.Errorf("mobile key is unauthorized, taking the client offline: %s", err)
			c.goOfflineInternal(connectionEventUnauthorized)
			c.applyConnectionEvent(connectionEventUnauthorized, err)
		}
		c.notifier.notifyError(err)
	})
}

// loadCachedFlags replaces the store's contents wholesale with whatever the persistent
// cache holds for the current user. A cache miss still resets the store: after a user
// change, the previous user's flags must never be served to the new one.
func (c *Client) loadCachedFlags() {
	flags := flagdata.FlagSnapshot{}
	if c.cache != nil {
		if cached, ok := c.cache.Load(c.user.GetKey(), string(c.mobileKey)); ok {
			c.loggers.Debugf("restored %d flags from the cache", len(cached))
			flags = cached
		}
	}
	c.store.Init(flags)
}

// persistFlagsAsync stores the current snapshot in the persistent cache without
// blocking the update path. A failed write only affects the next cold start, so it is
// logged and otherwise ignored.
func (c *Client) persistFlagsAsync() {
	if c.cache == nil {
		return
	}
	cache := c.cache
	userKey := c.user.GetKey()
	mobileKey := string(c.mobileKey)
	snapshot := c.store.All()
	loggers := c.loggers
	go func() {
		if err := cache.Store(userKey, mobileKey, snapshot, time.Now()); err != nil {
			loggers.Errorf("failed to cache flags: %s", err)
		}
	}()
}
