package rbac

import (
	"sort"
	"time"
)

// PermissionSet is an immutable effective permission set. Wildcards are
// already expanded, so every lookup is an exact key match.
type PermissionSet struct {
	entries map[Key]Entry
	// validUntil is the earliest expiry among the grants that shaped the set
	validUntil time.Time
}

// NewPermissionSet builds a set from entries; later entries with the same key win
func NewPermissionSet(entries ...Entry) PermissionSet {
	m := make(map[Key]Entry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return PermissionSet{entries: m}
}

// Len returns the number of entries
func (s PermissionSet) Len() int {
	return len(s.entries)
}

// Has reports whether the exact key is present
func (s PermissionSet) Has(k Key) bool {
	_, ok := s.entries[k]
	return ok
}

// Allows reports whether the set permits action on resource. A nil storeID
// matches only global entries; a store id matches global entries and entries
// scoped to that store. A nil instanceID matches only resource-wide entries.
// ActionAll is allowed only when every concrete action is.
func (s PermissionSet) Allows(resource Resource, action Action, storeID, instanceID *string) bool {
	if action == ActionAll {
		for _, a := range ConcreteActions {
			if !s.Allows(resource, a, storeID, instanceID) {
				return false
			}
		}
		return true
	}
	if !action.Concrete() {
		return false
	}

	stores := []string{""}
	if storeID != nil && *storeID != "" {
		stores = append(stores, *storeID)
	}
	instances := []string{""}
	if instanceID != nil && *instanceID != "" {
		instances = append(instances, *instanceID)
	}

	for _, st := range stores {
		for _, in := range instances {
			if s.Has(Key{Resource: resource, Action: action, StoreID: st, InstanceID: in}) {
				return true
			}
		}
	}
	return false
}

// ForStore keeps global entries and entries scoped to storeID
func (s PermissionSet) ForStore(storeID string) PermissionSet {
	out := PermissionSet{entries: make(map[Key]Entry), validUntil: s.validUntil}
	for k, e := range s.entries {
		if k.StoreID == "" || k.StoreID == storeID {
			out.entries[k] = e
		}
	}
	return out
}

// List returns the entries in a stable order
func (s PermissionSet) List() []Entry {
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].Key, list[j].Key
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		if a.StoreID != b.StoreID {
			return a.StoreID < b.StoreID
		}
		return a.InstanceID < b.InstanceID
	})
	return list
}

// Equal reports whether both sets hold the same entries with the same sources
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s.entries) != len(other.entries) {
		return false
	}
	for k, e := range s.entries {
		o, ok := other.entries[k]
		if !ok || o.Source != e.Source {
			return false
		}
	}
	return true
}

// ValidUntil returns when the set goes stale through grant expiry; zero means never
func (s PermissionSet) ValidUntil() time.Time {
	return s.validUntil
}

// Expired reports whether a grant that shaped the set has lapsed at now
func (s PermissionSet) Expired(now time.Time) bool {
	return !s.validUntil.IsZero() && !now.Before(s.validUntil)
}
