package brain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ravshansbox/rho/engine/core"
)

// DefaultPromptBudget is the token ceiling of the projected prompt.
const DefaultPromptBudget = 2000

// charsPerToken is the cheap estimator used for budgeting. Callers that
// need exact budgets should clip harder upstream.
const charsPerToken = 4

// Section weights over the budget remaining after Identity and User are
// rendered in full. Unused allocation cascades to Learnings.
const (
	behaviorWeight   = 0.15
	preferenceWeight = 0.20
	contextWeight    = 0.25
	learningWeight   = 0.40
)

// ProjectorOptions tunes Project and InjectedIDs.
type ProjectorOptions struct {
	// Budget is the projected prompt's token ceiling. Default 2000.
	Budget int
	// Cwd selects the context entry and boosts project-scoped learnings.
	Cwd string
	// Now overrides the clock, for tests.
	Now time.Time
}

func (o ProjectorOptions) withDefaults() ProjectorOptions {
	if o.Budget <= 0 {
		o.Budget = DefaultPromptBudget
	}
	if o.Now.IsZero() {
		o.Now = core.NowUTC()
	}
	return o
}

// Project renders the brain into the deterministic text prepended to the
// agent's system prompt.
func Project(b *Brain, opts ProjectorOptions) string {
	text, _ := project(b, opts.withDefaults())
	return text
}

// InjectedIDs mirrors Project deterministically and returns the ids of the
// entries that actually entered the prompt, as opposed to stored entries
// that were budget-clipped.
func InjectedIDs(b *Brain, opts ProjectorOptions) []string {
	_, ids := project(b, opts.withDefaults())
	return ids
}

// LearningScore ranks a learning for projection and decay:
// recency 0..10 (a point lost per week), +5 when project-scoped and cwd is
// inside the project, +2 when recorded manually.
func LearningScore(e *Entry, cwd string, now time.Time) int {
	score := 0
	if created, err := core.ParseTimestamp(e.Created); err == nil {
		ageDays := now.Sub(created).Hours() / 24
		recency := 10 - int(math.Floor(ageDays/7))
		if recency < 0 {
			recency = 0
		}
		score += recency
	}
	if e.Scope == "project" && e.ProjectPath != "" && cwd != "" && strings.HasPrefix(cwd, e.ProjectPath) {
		score += 5
	}
	if e.Source == "manual" {
		score += 2
	}
	return score
}

func estimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// sectionLine pairs one renderable line with the id it represents.
// Structural lines (headers, group labels) carry an empty id.
type sectionLine struct {
	text string
	id   string
}

func project(b *Brain, opts ProjectorOptions) (string, []string) {
	var out []string
	var ids []string
	budget := opts.Budget

	// Identity and User render in full; their real cost comes off the top.
	for _, section := range []struct {
		title   string
		entries []Entry
	}{
		{"Identity", sortedByKey(b.Identity)},
		{"User", sortedByKey(b.User)},
	} {
		if len(section.entries) == 0 {
			continue
		}
		lines := []string{"# " + section.title}
		for i := range section.entries {
			e := section.entries[i]
			lines = append(lines, fmt.Sprintf("- %s: %s", e.Key, e.Value))
			ids = append(ids, e.ID)
		}
		text := strings.Join(lines, "\n")
		budget -= estimateTokens(text)
		out = append(out, text)
	}
	if budget < 0 {
		budget = 0
	}

	behaviorBudget := int(float64(budget) * behaviorWeight)
	preferenceBudget := int(float64(budget) * preferenceWeight)
	contextBudget := int(float64(budget) * contextWeight)
	learningBudget := int(float64(budget) * learningWeight)

	unused := 0

	text, sectionIDs, leftover := renderSection("Behavior", behaviorLines(b), behaviorBudget)
	unused += leftover
	if text != "" {
		out = append(out, text)
		ids = append(ids, sectionIDs...)
	}

	text, sectionIDs, leftover = renderSection("Preferences", preferenceLines(b), preferenceBudget)
	unused += leftover
	if text != "" {
		out = append(out, text)
		ids = append(ids, sectionIDs...)
	}

	text, sectionIDs, leftover = renderSection("Context", contextLines(b, opts.Cwd), contextBudget)
	unused += leftover
	if text != "" {
		out = append(out, text)
		ids = append(ids, sectionIDs...)
	}

	// The learning section absorbs whatever the earlier sections left.
	text, sectionIDs, _ = renderSection("Learnings", learningLines(b, opts.Cwd, opts.Now), learningBudget+unused)
	if text != "" {
		out = append(out, text)
		ids = append(ids, sectionIDs...)
	}

	return strings.Join(out, "\n\n"), ids
}

// renderSection adds lines in order until the next line would exceed the
// section budget, then appends an omission marker when anything was
// dropped. Returns the rendered text, the included entry ids, and the
// unspent tokens.
func renderSection(title string, lines []sectionLine, budget int) (string, []string, int) {
	if len(lines) == 0 {
		return "", nil, budget
	}
	header := "# " + title
	spent := estimateTokens(header)
	if spent > budget {
		return "", nil, budget
	}
	rendered := []string{header}
	var ids []string
	omitted := 0
	for i, line := range lines {
		// Each line is charged together with the newline joining it to the
		// section.
		cost := estimateTokens("\n" + line.text)
		if spent+cost > budget {
			for _, rest := range lines[i:] {
				if rest.id != "" {
					omitted++
				}
			}
			break
		}
		spent += cost
		rendered = append(rendered, line.text)
		if line.id != "" {
			ids = append(ids, line.id)
		}
	}
	if len(rendered) == 1 {
		// Header with no content: nothing fit.
		return "", nil, budget
	}
	if omitted > 0 {
		rendered = append(rendered, fmt.Sprintf("(…%d more omitted)", omitted))
	}
	return strings.Join(rendered, "\n"), ids, budget - spent
}

func behaviorLines(b *Brain) []sectionLine {
	groups := []struct {
		category string
		label    string
	}{
		{"do", "Do:"},
		{"dont", "Don't:"},
		{"value", "Values:"},
	}
	var lines []sectionLine
	for _, g := range groups {
		labeled := false
		for i := range b.Behaviors {
			e := b.Behaviors[i]
			if e.Category != g.category {
				continue
			}
			if !labeled {
				lines = append(lines, sectionLine{text: g.label})
				labeled = true
			}
			lines = append(lines, sectionLine{text: "- " + e.Text, id: e.ID})
		}
	}
	return lines
}

func preferenceLines(b *Brain) []sectionLine {
	categories := make([]string, 0)
	byCategory := make(map[string][]Entry)
	for i := range b.Preferences {
		e := b.Preferences[i]
		if _, ok := byCategory[e.Category]; !ok {
			categories = append(categories, e.Category)
		}
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}
	sort.Strings(categories)
	var lines []sectionLine
	for _, c := range categories {
		lines = append(lines, sectionLine{text: c + ":"})
		for _, e := range byCategory[c] {
			lines = append(lines, sectionLine{text: "- " + e.Text, id: e.ID})
		}
	}
	return lines
}

// contextLines selects the single context whose path is the longest prefix
// of cwd. Among equal-length matches the oldest created entry wins.
func contextLines(b *Brain, cwd string) []sectionLine {
	winner := MatchContext(b, cwd)
	if winner == nil {
		return nil
	}
	lines := []sectionLine{{text: fmt.Sprintf("%s (%s)", winner.Project, winner.Path), id: winner.ID}}
	for _, l := range strings.Split(winner.Content, "\n") {
		lines = append(lines, sectionLine{text: l})
	}
	return lines
}

// MatchContext returns the context entry whose path is the longest prefix
// of cwd, or nil when none matches. Ties on length go to the oldest entry.
func MatchContext(b *Brain, cwd string) *Entry {
	if cwd == "" {
		return nil
	}
	var winner *Entry
	for i := range b.Contexts {
		e := &b.Contexts[i]
		if !strings.HasPrefix(cwd, e.Path) {
			continue
		}
		switch {
		case winner == nil:
			winner = e
		case len(e.Path) > len(winner.Path):
			winner = e
		case len(e.Path) == len(winner.Path) && e.Created < winner.Created:
			winner = e
		}
	}
	return winner
}

func learningLines(b *Brain, cwd string, now time.Time) []sectionLine {
	ranked := make([]Entry, len(b.Learnings))
	copy(ranked, b.Learnings)
	sort.SliceStable(ranked, func(i, j int) bool {
		si := LearningScore(&ranked[i], cwd, now)
		sj := LearningScore(&ranked[j], cwd, now)
		if si != sj {
			return si > sj
		}
		return ranked[i].Created > ranked[j].Created
	})
	lines := make([]sectionLine, 0, len(ranked))
	for i := range ranked {
		lines = append(lines, sectionLine{text: "- " + ranked[i].Text, id: ranked[i].ID})
	}
	return lines
}

// DueReminders returns the enabled reminders whose next_due is unset or at
// or before now. The heartbeat leader drives reminder_run off this.
func DueReminders(b *Brain, now time.Time) []Entry {
	var due []Entry
	for _, e := range b.Reminders {
		if !e.IsEnabled() {
			continue
		}
		if e.NextDue == "" {
			due = append(due, e)
			continue
		}
		next, err := core.ParseTimestamp(e.NextDue)
		if err != nil {
			continue
		}
		if !next.After(now) {
			due = append(due, e)
		}
	}
	return due
}
