package brain

import "sort"

// Brain is the materialized state of a brain log: the survivors of an
// in-order fold over every entry, after upserts and tombstones.
type Brain struct {
	Identity map[string]Entry
	User     map[string]Entry
	Meta     map[string]Entry

	Behaviors   []Entry
	Learnings   []Entry
	Preferences []Entry
	Contexts    []Entry
	Tasks       []Entry
	Reminders   []Entry

	// Dead holds ids removed by a tombstone and not since resurrected.
	Dead map[string]bool
}

// Fold materializes entries in file order. Tombstones mark their target id
// dead and evict it; a later entry reusing a dead id resurrects it. Keyed
// map types upsert by natural key, list types replace in place by id.
func Fold(entries []Entry) *Brain {
	b := &Brain{
		Identity: make(map[string]Entry),
		User:     make(map[string]Entry),
		Meta:     make(map[string]Entry),
		Dead:     make(map[string]bool),
	}
	for i := range entries {
		e := entries[i]
		if e.Type == TypeTombstone {
			b.Dead[e.TargetID] = true
			b.removeByID(e.TargetType, e.TargetID)
			continue
		}
		if b.Dead[e.ID] {
			delete(b.Dead, e.ID)
		}
		b.upsert(e)
	}
	return b
}

func (b *Brain) upsert(e Entry) {
	switch e.Type {
	case TypeIdentity:
		b.Identity[e.Key] = e
	case TypeUser:
		b.User[e.Key] = e
	case TypeMeta:
		b.Meta[e.Key] = e
	case TypeBehavior:
		b.Behaviors = replaceOrAppend(b.Behaviors, e)
	case TypeLearning:
		b.Learnings = replaceOrAppend(b.Learnings, e)
	case TypePreference:
		b.Preferences = replaceOrAppend(b.Preferences, e)
	case TypeContext:
		b.Contexts = replaceOrAppend(b.Contexts, e)
	case TypeTask:
		b.Tasks = replaceOrAppend(b.Tasks, e)
	case TypeReminder:
		b.Reminders = replaceOrAppend(b.Reminders, e)
	default:
		// Unknown types are readable but never materialize.
	}
}

func (b *Brain) removeByID(t EntryType, id string) {
	switch t {
	case TypeIdentity:
		deleteByID(b.Identity, id)
	case TypeUser:
		deleteByID(b.User, id)
	case TypeMeta:
		deleteByID(b.Meta, id)
	case TypeBehavior:
		b.Behaviors = dropByID(b.Behaviors, id)
	case TypeLearning:
		b.Learnings = dropByID(b.Learnings, id)
	case TypePreference:
		b.Preferences = dropByID(b.Preferences, id)
	case TypeContext:
		b.Contexts = dropByID(b.Contexts, id)
	case TypeTask:
		b.Tasks = dropByID(b.Tasks, id)
	case TypeReminder:
		b.Reminders = dropByID(b.Reminders, id)
	}
}

func replaceOrAppend(list []Entry, e Entry) []Entry {
	for i := range list {
		if list[i].ID == e.ID {
			list[i] = e
			return list
		}
	}
	return append(list, e)
}

func dropByID(list []Entry, id string) []Entry {
	out := list[:0]
	for _, e := range list {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func deleteByID(m map[string]Entry, id string) {
	for k, e := range m {
		if e.ID == id {
			delete(m, k)
			return
		}
	}
}

// FindByID looks an entry up across every collection.
func (b *Brain) FindByID(id string) (Entry, bool) {
	for _, m := range []map[string]Entry{b.Identity, b.User, b.Meta} {
		for _, e := range m {
			if e.ID == id {
				return e, true
			}
		}
	}
	for _, list := range [][]Entry{b.Behaviors, b.Learnings, b.Preferences, b.Contexts, b.Tasks, b.Reminders} {
		for _, e := range list {
			if e.ID == id {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// All returns every materialized entry grouped by type in a stable order.
func (b *Brain) All() []Entry {
	var out []Entry
	out = append(out, sortedByKey(b.Identity)...)
	out = append(out, sortedByKey(b.User)...)
	out = append(out, b.Behaviors...)
	out = append(out, b.Preferences...)
	out = append(out, b.Contexts...)
	out = append(out, b.Learnings...)
	out = append(out, b.Tasks...)
	out = append(out, b.Reminders...)
	out = append(out, sortedByKey(b.Meta)...)
	return out
}

func sortedByKey(m map[string]Entry) []Entry {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(m))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
