package ldclient

import (
	"sync"

	"github.com/launchdarkly/go-client-sdk/flagdata"
)

// Subscription is the handle returned by the Observe methods. The caller holds it for
// as long as it wants the callbacks and calls Unsubscribe to stop them.
type Subscription struct {
	cancelOnce sync.Once
	cancel     func()
}

// Unsubscribe removes the observer. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.cancelOnce.Do(s.cancel)
}

// flagChangeNotifier fans flag-change, flags-unchanged, and error notifications out to
// registered observers. Callbacks run on the notifier's own goroutine, in registration
// order, so a slow observer can never block the client core or a network goroutine.
type flagChangeNotifier struct {
	lock               sync.Mutex
	nextID             int
	keyObservers       map[int]keyObserver
	allObservers       map[int]func([]flagdata.ChangedFlag)
	unchangedObservers map[int]func()
	errorObservers     map[int]func(error)

	dispatchCh chan func()
	done       chan struct{}
	closeOnce  sync.Once
}

type keyObserver struct {
	key string
	fn  func(flagdata.ChangedFlag)
}

func newFlagChangeNotifier() *flagChangeNotifier {
	n := &flagChangeNotifier{
		keyObservers:       make(map[int]keyObserver),
		allObservers:       make(map[int]func([]flagdata.ChangedFlag)),
		unchangedObservers: make(map[int]func()),
		errorObservers:     make(map[int]func(error)),
		dispatchCh:         make(chan func(), 100),
		done:               make(chan struct{}),
	}
	go func() {
		for {
			select {
			case fn := <-n.dispatchCh:
				fn()
			case <-n.done:
				return
			}
		}
	}()
	return n
}

// close stops the dispatch goroutine. Notifications not yet delivered are dropped.
func (n *flagChangeNotifier) close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
}

// dispatch hands a notification to the dispatch goroutine. When the buffer is full this
// blocks the caller until the observers catch up or the notifier closes.
func (n *flagChangeNotifier) dispatch(fn func()) {
	select {
	case <-n.done:
		return
	default:
	}
	select {
	case n.dispatchCh <- fn:
	case <-n.done:
	}
}

func (n *flagChangeNotifier) observeFlag(key string, fn func(flagdata.ChangedFlag)) *Subscription {
	n.lock.Lock()
	id := n.nextID
	n.nextID++
	n.keyObservers[id] = keyObserver{key: key, fn: fn}
	n.lock.Unlock()
	return &Subscription{cancel: func() {
		n.lock.Lock()
		delete(n.keyObservers, id)
		n.lock.Unlock()
	}}
}

func (n *flagChangeNotifier) observeAll(fn func([]flagdata.ChangedFlag)) *Subscription {
	n.lock.Lock()
	id := n.nextID
	n.nextID++
	n.allObservers[id] = fn
	n.lock.Unlock()
	return &Subscription{cancel: func() {
		n.lock.Lock()
		delete(n.allObservers, id)
		n.lock.Unlock()
	}}
}

func (n *flagChangeNotifier) observeFlagsUnchanged(fn func()) *Subscription {
	n.lock.Lock()
	id := n.nextID
	n.nextID++
	n.unchangedObservers[id] = fn
	n.lock.Unlock()
	return &Subscription{cancel: func() {
		n.lock.Lock()
		delete(n.unchangedObservers, id)
		n.lock.Unlock()
	}}
}

func (n *flagChangeNotifier) observeError(fn func(error)) *Subscription {
	n.lock.Lock()
	id := n.nextID
	n.nextID++
	n.errorObservers[id] = fn
	n.lock.Unlock()
	return &Subscription{cancel: func() {
		n.lock.Lock()
		delete(n.errorObservers, id)
		n.lock.Unlock()
	}}
}

// NotifyChanged implements interfaces.ChangeSink.
func (n *flagChangeNotifier) NotifyChanged(changes []flagdata.ChangedFlag) {
	n.lock.Lock()
	keyFns := make([]func(flagdata.ChangedFlag), 0)
	keyArgs := make([]flagdata.ChangedFlag, 0)
	for _, observer := range n.keyObservers {
		for _, change := range changes {
			if observer.key == change.Key {
				keyFns = append(keyFns, observer.fn)
				keyArgs = append(keyArgs, change)
			}
		}
	}
	allFns := make([]func([]flagdata.ChangedFlag), 0, len(n.allObservers))
	for _, fn := range n.allObservers {
		allFns = append(allFns, fn)
	}
	n.lock.Unlock()
	n.dispatch(func() {
		for i, fn := range keyFns {
			fn(keyArgs[i])
		}
		for _, fn := range allFns {
			fn(changes)
		}
	})
}

// NotifyUnchanged implements interfaces.ChangeSink.
func (n *flagChangeNotifier) NotifyUnchanged() {
	n.lock.Lock()
	fns := make([]func(), 0, len(n.unchangedObservers))
	for _, fn := range n.unchangedObservers {
		fns = append(fns, fn)
	}
	n.lock.Unlock()
	n.dispatch(func() {
		for _, fn := range fns {
			fn()
		}
	})
}

func (n *flagChangeNotifier) notifyError(err error) {
	n.lock.Lock()
	fns := make([]func(error), 0, len(n.errorObservers))
	for _, fn := range n.errorObservers {
		fns = append(fns, fn)
	}
	n.lock.Unlock()
	n.dispatch(func() {
		for _, fn := range fns {
			fn(err)
		}
	})
}
