package brain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ravshansbox/rho/engine/core"
)

// listOrder fixes the grouping order of compact list output.
var listOrder = []EntryType{
	TypeIdentity, TypeUser, TypeBehavior, TypePreference,
	TypeContext, TypeLearning, TypeTask, TypeReminder, TypeMeta,
}

func handleList(brainPath string, params ActionParams, opts ToolOptions) Result {
	entries, stats, err := ReadBrain(brainPath)
	if err != nil {
		return fail(core.CodeIO, "%s", err)
	}
	folded := Fold(entries)

	byType := map[EntryType][]Entry{
		TypeIdentity:   sortedByKey(folded.Identity),
		TypeUser:       sortedByKey(folded.User),
		TypeMeta:       sortedByKey(folded.Meta),
		TypeBehavior:   folded.Behaviors,
		TypePreference: folded.Preferences,
		TypeContext:    folded.Contexts,
		TypeLearning:   folded.Learnings,
		TypeTask:       folded.Tasks,
		TypeReminder:   folded.Reminders,
	}

	var matched []Entry
	for _, t := range listOrder {
		if params.Type != "" && params.Type != t {
			continue
		}
		group := filterGroup(byType[t], t, params)
		sort.SliceStable(group, func(i, j int) bool { return group[i].Created < group[j].Created })
		matched = append(matched, group...)
	}

	if params.Verbose {
		return Result{
			OK:      true,
			Message: fmt.Sprintf("%d entries (%d bad lines)", len(matched), stats.BadLines),
			Data:    matched,
		}
	}
	return Result{OK: true, Message: renderCompact(matched, opts.Now), Data: len(matched)}
}

func filterGroup(group []Entry, t EntryType, params ActionParams) []Entry {
	var out []Entry
	query := strings.ToLower(params.Query)
	for _, e := range group {
		if query != "" && !strings.Contains(strings.ToLower(searchableText(&e)), query) {
			continue
		}
		switch params.Filter {
		case "pending", "done":
			if t == TypeTask && e.Status != params.Filter {
				continue
			}
		case "active":
			if t == TypeReminder && !e.IsEnabled() {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func searchableText(e *Entry) string {
	return strings.Join([]string{
		e.Text, e.Key, e.Value, e.Description, e.Content, e.Project, e.Category,
		strings.Join(e.Tags, " "),
	}, " ")
}

func renderCompact(entries []Entry, now time.Time) string {
	if len(entries) == 0 {
		return "Brain is empty"
	}
	var b strings.Builder
	var current EntryType
	for i := range entries {
		e := entries[i]
		if e.Type != current {
			if current != "" {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s:\n", e.Type)
			current = e.Type
		}
		age := ""
		if created, err := core.ParseTimestamp(e.Created); err == nil {
			age = core.RelativeAge(created, now)
		}
		line := fmt.Sprintf("  [%s] %s", e.ID, Summarize(&e))
		if age != "" {
			annotations := age
			if e.Source != "" {
				annotations += ", " + e.Source
			}
			line += fmt.Sprintf(" (%s)", annotations)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Summarize renders a one-line description of an entry, used by list
// output and remove confirmations.
func Summarize(e *Entry) string {
	switch e.Type {
	case TypeBehavior:
		return fmt.Sprintf("[%s] %s", e.Category, e.Text)
	case TypeIdentity, TypeUser, TypeMeta:
		return fmt.Sprintf("%s: %s", e.Key, e.Value)
	case TypeLearning:
		return e.Text
	case TypePreference:
		return fmt.Sprintf("[%s] %s", e.Category, e.Text)
	case TypeContext:
		return fmt.Sprintf("%s (%s)", e.Project, e.Path)
	case TypeTask:
		s := fmt.Sprintf("[%s/%s] %s", e.Status, e.Priority, e.Description)
		if e.Due != "" {
			s += " due " + e.Due
		}
		return s
	case TypeReminder:
		state := "on"
		if !e.IsEnabled() {
			state = "off"
		}
		return fmt.Sprintf("[%s] %s", state, e.Text)
	case TypeTombstone:
		return fmt.Sprintf("tombstone for %s %s", e.TargetType, e.TargetID)
	default:
		return string(e.Type)
	}
}
