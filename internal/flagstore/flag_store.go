// Package flagstore holds the in-memory evaluated flag state for the current user.
package flagstore

import (
	"sync"

	"github.com/launchdarkly/go-client-sdk/flagdata"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// Store is a versioned map of flag key to evaluated flag. It is replaced wholesale on a
// full snapshot and individually updated on patch and delete messages, applying an
// update only when the incoming environment version is newer than (or not comparable
// with) the stored one. Safe for concurrent use.
type Store struct {
	lock    sync.RWMutex
	flags   flagdata.FlagSnapshot
	loggers ldlog.Loggers
}

// NewStore creates an empty Store.
func NewStore(loggers ldlog.Loggers) *Store {
	loggers.SetPrefix("FlagStore:")
	return &Store{
		flags:   flagdata.FlagSnapshot{},
		loggers: loggers,
	}
}

// Init replaces the entire flag state, regardless of versions.
func (s *Store) Init(flags flagdata.FlagSnapshot) {
	s.lock.Lock()
	s.flags = flags.Copy()
	s.lock.Unlock()
}

// Get returns the flag for a key, if present.
func (s *Store) Get(key string) (flagdata.FeatureFlag, bool) {
	s.lock.RLock()
	flag, ok := s.flags[key]
	s.lock.RUnlock()
	return flag, ok
}

// All returns a copy of the current flag state.
func (s *Store) All() flagdata.FlagSnapshot {
	s.lock.RLock()
	ret := s.flags.Copy()
	s.lock.RUnlock()
	return ret
}

// Upsert applies a patched flag and reports whether it was applied. The patch is
// discarded if the store already has the key at an equal or newer environment version.
func (s *Store) Upsert(flag flagdata.FeatureFlag) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if existing, ok := s.flags[flag.Key]; ok && !versionIsNewer(flag.Version, existing.Version) {
		s.loggers.Debugf("ignored out-of-order patch for flag %q", flag.Key)
		return false
	}
	s.flags[flag.Key] = flag
	return true
}

// Delete removes a flag and reports whether it was removed. The deletion is discarded
// if the stored flag has an equal or newer environment version.
func (s *Store) Delete(key string, version *int) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	existing, ok := s.flags[key]
	if !ok {
		return false
	}
	if !versionIsNewer(version, existing.Version) {
		s.loggers.Debugf("ignored out-of-order delete for flag %q", key)
		return false
	}
	delete(s.flags, key)
	return true
}

// versionIsNewer implements the ordering guard. A missing version on either side makes
// the versions incomparable, in which case the update wins.
func versionIsNewer(incoming, existing *int) bool {
	if incoming == nil || existing == nil {
		return true
	}
	return *incoming > *existing
}
