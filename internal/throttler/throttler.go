// Package throttler provides a delayed-execution gate with exponential backoff, used to
// rate-limit "go online" transitions so that many clients cannot produce a reconnect
// storm against the service.
package throttler

import (
	"math/rand"
	"sync"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

const (
	// DefaultInitialDelay is the cooldown window entered after an unthrottled run.
	DefaultInitialDelay = time.Second
	// DefaultMaxDelay caps the backoff growth.
	DefaultMaxDelay = time.Minute

	jitterRatio = 0.5
)

// Throttler delays execution of submitted actions using an increasing backoff window.
//
// The first action submitted outside a cooldown window runs immediately and starts a
// cooldown. An action submitted during a cooldown is scheduled after the current delay
// (with jitter), doubling the delay for the next caller up to the maximum. At most one
// delayed action is pending at a time: a newer submission supersedes an older pending
// one, which is dropped without running. After a full window passes with no further
// submissions, the delay resets to its initial value.
type Throttler struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	loggers      ldlog.Loggers

	lock          sync.Mutex
	delay         time.Duration
	inCooldown    bool
	pendingAction func()
	pendingTimer  *time.Timer
	quietTimer    *time.Timer
	random        *rand.Rand
}

// NewThrottler creates a Throttler. Zero durations select the defaults.
func NewThrottler(initialDelay, maxDelay time.Duration, loggers ldlog.Loggers) *Throttler {
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	loggers.SetPrefix("Throttler:")
	return &Throttler{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		loggers:      loggers,
		delay:        initialDelay,
		random:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // not cryptographic
	}
}

// RunThrottled submits an action. It may run synchronously (when no cooldown is active),
// later on a timer goroutine, or never (when superseded by a subsequent submission).
func (t *Throttler) RunThrottled(action func()) {
	t.lock.Lock()
	if !t.inCooldown {
		t.inCooldown = true
		t.rearmQuietTimer(t.delay)
		t.lock.Unlock()
		action()
		return
	}

	if t.delay < t.maxDelay {
		t.delay *= 2
		if t.delay > t.maxDelay {
			t.delay = t.maxDelay
		}
	}
	scheduled := t.jitteredDelay(t.delay)
	if t.pendingTimer != nil {
		t.pendingTimer.Stop()
		t.loggers.Debugf("superseding previously queued action; next run in %s", scheduled)
	} else {
		t.loggers.Debugf("throttling action; next run in %s", scheduled)
	}
	t.pendingAction = action
	t.pendingTimer = time.AfterFunc(scheduled, t.runPending)
	t.rearmQuietTimer(t.delay + scheduled)
	t.lock.Unlock()
}

// Cancel drops any pending action. The backoff state is left alone: the delay resets
// only after a quiet window, so canceling cannot be used to dodge the throttle.
func (t *Throttler) Cancel() {
	t.lock.Lock()
	if t.pendingTimer != nil {
		t.pendingTimer.Stop()
		t.pendingTimer = nil
	}
	t.pendingAction = nil
	t.lock.Unlock()
}

func (t *Throttler) runPending() {
	t.lock.Lock()
	action := t.pendingAction
	t.pendingAction = nil
	t.pendingTimer = nil
	t.rearmQuietTimer(t.delay)
	t.lock.Unlock()
	if action != nil {
		action()
	}
}

// rearmQuietTimer schedules the backoff reset; it must be called with the lock held.
// Any submission or delayed run pushes the reset out again, so the delay only resets
// after a genuinely quiet window.
func (t *Throttler) rearmQuietTimer(window time.Duration) {
	if t.quietTimer != nil {
		t.quietTimer.Stop()
	}
	t.quietTimer = time.AfterFunc(window, func() {
		t.lock.Lock()
		if t.pendingAction == nil {
			t.inCooldown = false
			t.delay = t.initialDelay
		}
		t.lock.Unlock()
	})
}

// jitteredDelay spreads a delay uniformly over [d/2, 3d/2) so that many client
// instances restarting together do not reconnect in lockstep.
func (t *Throttler) jitteredDelay(d time.Duration) time.Duration {
	jitter := time.Duration(t.random.Int63n(int64(float64(d) * jitterRatio * 2)))
	return d/2 + jitter
}
