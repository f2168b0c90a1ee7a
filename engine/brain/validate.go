package brain

import (
	"fmt"
	"regexp"
)

// typeSpec declares, per entry type, which fields are required and which
// fields are constrained to a closed value set. A single table-driven
// validator keeps per-type rules in one place.
type typeSpec struct {
	required []fieldRule
	enums    []enumRule
}

type fieldRule struct {
	name string
	get  func(*Entry) string
}

type enumRule struct {
	name     string
	get      func(*Entry) string
	allowed  []string
	optional bool
}

var intervalRe = regexp.MustCompile(`^(\d+)(m|h|d)$`)
var dailyAtRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

var registry = map[EntryType]typeSpec{
	TypeBehavior: {
		required: []fieldRule{
			{"category", func(e *Entry) string { return e.Category }},
			{"text", func(e *Entry) string { return e.Text }},
		},
		enums: []enumRule{
			{name: "category", get: func(e *Entry) string { return e.Category }, allowed: []string{"do", "dont", "value"}},
		},
	},
	TypeIdentity: {
		required: []fieldRule{
			{"key", func(e *Entry) string { return e.Key }},
			{"value", func(e *Entry) string { return e.Value }},
		},
	},
	TypeUser: {
		required: []fieldRule{
			{"key", func(e *Entry) string { return e.Key }},
			{"value", func(e *Entry) string { return e.Value }},
		},
	},
	TypeLearning: {
		required: []fieldRule{
			{"text", func(e *Entry) string { return e.Text }},
		},
		enums: []enumRule{
			{name: "source", get: func(e *Entry) string { return e.Source }, allowed: []string{"auto", "manual"}, optional: true},
			{name: "scope", get: func(e *Entry) string { return e.Scope }, allowed: []string{"global", "project"}, optional: true},
		},
	},
	TypePreference: {
		required: []fieldRule{
			{"category", func(e *Entry) string { return e.Category }},
			{"text", func(e *Entry) string { return e.Text }},
		},
	},
	TypeContext: {
		required: []fieldRule{
			{"project", func(e *Entry) string { return e.Project }},
			{"path", func(e *Entry) string { return e.Path }},
			{"content", func(e *Entry) string { return e.Content }},
		},
	},
	TypeTask: {
		required: []fieldRule{
			{"description", func(e *Entry) string { return e.Description }},
		},
		enums: []enumRule{
			{name: "status", get: func(e *Entry) string { return e.Status }, allowed: []string{"pending", "done"}},
			{name: "priority", get: func(e *Entry) string { return e.Priority }, allowed: []string{"urgent", "high", "normal", "low"}},
		},
	},
	TypeReminder: {
		required: []fieldRule{
			{"text", func(e *Entry) string { return e.Text }},
		},
		enums: []enumRule{
			{name: "priority", get: func(e *Entry) string { return e.Priority }, allowed: []string{"urgent", "high", "normal", "low"}, optional: true},
			{name: "last_result", get: func(e *Entry) string { return e.LastResult }, allowed: []string{"ok", "error", "skipped"}, optional: true},
		},
	},
	TypeMeta: {
		required: []fieldRule{
			{"key", func(e *Entry) string { return e.Key }},
			{"value", func(e *Entry) string { return e.Value }},
		},
	},
	TypeTombstone: {
		required: []fieldRule{
			{"target_id", func(e *Entry) string { return e.TargetID }},
			{"target_type", func(e *Entry) string { return string(e.TargetType) }},
		},
	},
}

// Validate checks e against the registry: known type, non-empty id and
// created timestamp, required fields present, enum values in range, and a
// well-formed cadence for reminders.
func Validate(e *Entry) error {
	spec, ok := registry[e.Type]
	if !ok {
		return fmt.Errorf("unknown entry type %q", e.Type)
	}
	if e.ID == "" {
		return fmt.Errorf("%s entry missing id", e.Type)
	}
	if e.Created == "" {
		return fmt.Errorf("%s entry missing created timestamp", e.Type)
	}
	for _, r := range spec.required {
		if r.get(e) == "" {
			return fmt.Errorf("%s entry missing required field %q", e.Type, r.name)
		}
	}
	for _, r := range spec.enums {
		v := r.get(e)
		if v == "" && r.optional {
			continue
		}
		if !contains(r.allowed, v) {
			return fmt.Errorf("%s entry field %q has invalid value %q (allowed: %v)", e.Type, r.name, v, r.allowed)
		}
	}
	if e.Type == TypeReminder && e.Cadence != nil {
		if err := validateCadence(e.Cadence); err != nil {
			return err
		}
	}
	return nil
}

func validateCadence(c *Cadence) error {
	switch c.Kind {
	case CadenceInterval:
		if !intervalRe.MatchString(c.Every) {
			return fmt.Errorf("invalid interval cadence %q (want <n>m, <n>h, or <n>d)", c.Every)
		}
	case CadenceDaily:
		if !dailyAtRe.MatchString(c.At) {
			return fmt.Errorf("invalid daily cadence time %q (want HH:MM)", c.At)
		}
	default:
		return fmt.Errorf("unknown cadence kind %q", c.Kind)
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
