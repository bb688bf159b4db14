package flagdata

import (
	"encoding/json"
	"sort"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// FlagSnapshot is the complete evaluated flag state for one user in one environment,
// keyed by flag key. This is the shape of a polling response body and of a stream
// "put" event body.
type FlagSnapshot map[string]FeatureFlag

// ParseSnapshot parses a full flag snapshot. The service may omit the key inside each
// flag object since it is already the map key, so we fill it in.
func ParseSnapshot(data []byte) (FlagSnapshot, error) {
	var snapshot FlagSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	for key, flag := range snapshot {
		if flag.Key == "" {
			flag.Key = key
			snapshot[key] = flag
		}
	}
	return snapshot, nil
}

// Copy returns a shallow copy of the snapshot. FeatureFlag values are immutable so a
// shallow copy is sufficient.
func (s FlagSnapshot) Copy() FlagSnapshot {
	ret := make(FlagSnapshot, len(s))
	for key, flag := range s {
		ret[key] = flag
	}
	return ret
}

// ChangedFlag describes one flag whose evaluated state differed between two snapshots.
// A flag that was added has a null OldValue; a flag that was deleted has a null NewValue.
type ChangedFlag struct {
	Key      string
	OldValue ldvalue.Value
	NewValue ldvalue.Value
}

// ComputeChangedFlags diffs two snapshots and returns the changed flags sorted by key.
// A flag counts as changed if its value or variation differs, or, when compareReasons
// is set, if its evaluation reason differs.
func ComputeChangedFlags(oldFlags, newFlags FlagSnapshot, compareReasons bool) []ChangedFlag {
	keys := make(map[string]struct{}, len(oldFlags)+len(newFlags))
	for key := range oldFlags {
		keys[key] = struct{}{}
	}
	for key := range newFlags {
		keys[key] = struct{}{}
	}
	var changes []ChangedFlag
	for key := range keys {
		oldFlag, hadOld := oldFlags[key]
		newFlag, hasNew := newFlags[key]
		if hadOld && hasNew && !flagStateDiffers(oldFlag, newFlag, compareReasons) {
			continue
		}
		changes = append(changes, ChangedFlag{Key: key, OldValue: oldFlag.Value, NewValue: newFlag.Value})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

func flagStateDiffers(oldFlag, newFlag FeatureFlag, compareReasons bool) bool {
	if !oldFlag.Value.Equal(newFlag.Value) {
		return true
	}
	if !intPtrsEqual(oldFlag.Variation, newFlag.Variation) {
		return true
	}
	if compareReasons && !oldFlag.Reason.Equal(newFlag.Reason) {
		return true
	}
	return false
}

func intPtrsEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
