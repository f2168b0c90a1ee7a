// Package brain implements rho's persistent memory: an append-only JSONL
// log of typed entries, folded into materialized state on every read, with
// deterministic upsert for keyed types, tombstone deletion, and a budgeted
// prompt projection used to seed agent sessions.
package brain

import (
	"github.com/ravshansbox/rho/engine/core"
)

// EntryType tags one of the closed set of brain entry kinds.
type EntryType string

const (
	TypeBehavior   EntryType = "behavior"
	TypeIdentity   EntryType = "identity"
	TypeUser       EntryType = "user"
	TypeLearning   EntryType = "learning"
	TypePreference EntryType = "preference"
	TypeContext    EntryType = "context"
	TypeTask       EntryType = "task"
	TypeReminder   EntryType = "reminder"
	TypeMeta       EntryType = "meta"
	TypeTombstone  EntryType = "tombstone"
)

// Cadence describes when a reminder recurs: either every fixed interval
// ("30m", "2h", "1d") or daily at a local wall-clock time ("HH:MM").
type Cadence struct {
	Kind  string `json:"kind"`
	Every string `json:"every,omitempty"`
	At    string `json:"at,omitempty"`
}

const (
	CadenceInterval = "interval"
	CadenceDaily    = "daily"
)

// Entry is one line of the brain log. The type tag decides which fields are
// meaningful; everything else is omitted from the JSON.
type Entry struct {
	ID      string    `json:"id"`
	Type    EntryType `json:"type"`
	Created string    `json:"created"`

	// behavior / preference
	Category string `json:"category,omitempty"`
	// behavior / learning / preference / reminder
	Text string `json:"text,omitempty"`

	// identity / user / meta
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	// learning
	Source      string `json:"source,omitempty"`
	Scope       string `json:"scope,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`

	// context
	Project string `json:"project,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// task
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Due         string   `json:"due,omitempty"`
	CompletedAt string   `json:"completedAt,omitempty"`

	// reminder
	Enabled    *bool    `json:"enabled,omitempty"`
	Cadence    *Cadence `json:"cadence,omitempty"`
	LastRun    string   `json:"last_run,omitempty"`
	NextDue    string   `json:"next_due,omitempty"`
	LastResult string   `json:"last_result,omitempty"`
	LastError  string   `json:"last_error,omitempty"`

	// tombstone
	TargetID   string    `json:"target_id,omitempty"`
	TargetType EntryType `json:"target_type,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// IsEnabled reports whether a reminder entry is active. Absence of the
// flag counts as enabled.
func (e *Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// keyedTypes maps each keyed entry type to the accessor for its natural
// key. Keyed types derive their id deterministically so re-adding the same
// key upserts instead of duplicating.
var keyedTypes = map[EntryType]func(*Entry) string{
	TypeIdentity: func(e *Entry) string { return e.Key },
	TypeUser:     func(e *Entry) string { return e.Key },
	TypeMeta:     func(e *Entry) string { return e.Key },
	TypeContext:  func(e *Entry) string { return e.Path },
}

// IsKeyed reports whether t derives its id from a natural key.
func IsKeyed(t EntryType) bool {
	_, ok := keyedTypes[t]
	return ok
}

// NaturalKey returns the natural key of a keyed entry, or "" for
// non-keyed types.
func NaturalKey(e *Entry) string {
	if get, ok := keyedTypes[e.Type]; ok {
		return get(e)
	}
	return ""
}

// AssignID fills e.ID: deterministic for keyed types, random otherwise.
// Tombstones always get random ids.
func AssignID(e *Entry) {
	if e.Type != TypeTombstone && IsKeyed(e.Type) {
		e.ID = core.DeterministicID(string(e.Type), NaturalKey(e))
		return
	}
	e.ID = core.RandomID()
}
