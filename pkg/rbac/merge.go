package rbac

// ExplicitEntry is one expanded key of an explicit grant
type ExplicitEntry struct {
	Key
	Granted bool
	Source  string
}

// ExpandActions resolves the wildcard and removes duplicates, keeping the
// order create, read, update, delete for the wildcard and input order otherwise.
// Unknown actions are dropped.
func ExpandActions(actions ...Action) []Action {
	seen := make(map[Action]bool, len(ConcreteActions))
	out := make([]Action, 0, len(ConcreteActions))
	add := func(a Action) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, a := range actions {
		switch {
		case a == ActionAll:
			for _, c := range ConcreteActions {
				add(c)
			}
		case a.Concrete():
			add(a)
		}
	}
	return out
}

// Merge combines template-derived entries with explicit grant entries.
//
// derived must be ordered from the most distant ancestor to the assigned
// template, so a closer template's entry replaces an ancestor's for the same
// key. Each explicit entry then replaces the derived entry for its key, or is
// added when no template supplied it; a revoking entry removes its key.
// Explicit entries apply in order, so a later one for the same key wins.
func Merge(derived []Entry, explicit []ExplicitEntry) PermissionSet {
	set := NewPermissionSet(derived...)
	for _, e := range explicit {
		if !e.Granted {
			delete(set.entries, e.Key)
			continue
		}
		set.entries[e.Key] = Entry{Key: e.Key, Source: e.Source}
	}
	return set
}

// templateEntries expands a chain ordered leaf first into derived entries
// ordered root first. Inactive templates contribute nothing.
func templateEntries(chain []*RoleTemplate) []Entry {
	var out []Entry
	for i := len(chain) - 1; i >= 0; i-- {
		t := chain[i]
		if !t.Active {
			continue
		}
		source := "template:" + t.ID
		for _, te := range t.Entries {
			for _, a := range ExpandActions(te.Action) {
				out = append(out, Entry{
					Key:    Key{Resource: te.Resource, Action: a, StoreID: deref(te.StoreID)},
					Source: source,
				})
			}
		}
	}
	return out
}

// grantEntries expands grants into explicit entries in slice order
func grantEntries(grants []Grant) []ExplicitEntry {
	var out []ExplicitEntry
	for _, g := range grants {
		source := "grant:" + g.ID
		for _, a := range ExpandActions(g.Actions...) {
			out = append(out, ExplicitEntry{
				Key: Key{
					Resource:   g.Resource,
					Action:     a,
					StoreID:    deref(g.StoreID),
					InstanceID: deref(g.InstanceID),
				},
				Granted: g.Granted,
				Source:  source,
			})
		}
	}
	return out
}
