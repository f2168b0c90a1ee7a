package brain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ravshansbox/rho/engine/core"
	"github.com/ravshansbox/rho/pkg/logger"
)

// ActionParams carries one brain tool invocation. Action selects the
// operation; the remaining fields are read per action.
type ActionParams struct {
	Action string    `json:"action"`
	Type   EntryType `json:"type,omitempty"`
	ID     string    `json:"id,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	Category    string   `json:"category,omitempty"`
	Text        string   `json:"text,omitempty"`
	Source      string   `json:"source,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	ProjectPath string   `json:"projectPath,omitempty"`
	Project     string   `json:"project,omitempty"`
	Path        string   `json:"path,omitempty"`
	Content     string   `json:"content,omitempty"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Due         string   `json:"due,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Cadence     *Cadence `json:"cadence,omitempty"`

	// remove
	Reason string `json:"reason,omitempty"`

	// list
	Query   string `json:"query,omitempty"`
	Filter  string `json:"filter,omitempty"`
	Verbose bool   `json:"verbose,omitempty"`

	// reminder_run
	LastResult string `json:"last_result,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// ToolOptions tunes HandleAction. Zero values select the defaults.
type ToolOptions struct {
	// DecayAfterDays is the minimum age before a learning may decay.
	// Default 90.
	DecayAfterDays int
	// DecayMinScore is the score below which an old learning decays.
	// Default 3.
	DecayMinScore int
	// Cwd is the working directory used for learning score computation.
	Cwd string
	// Now overrides the clock, for tests.
	Now time.Time
}

func (o ToolOptions) withDefaults() ToolOptions {
	if o.DecayAfterDays <= 0 {
		o.DecayAfterDays = 90
	}
	if o.DecayMinScore <= 0 {
		o.DecayMinScore = 3
	}
	if o.Now.IsZero() {
		o.Now = core.NowUTC()
	}
	return o
}

// Result is the structured outcome of every brain tool action. The tool
// never fails with a Go error across its public surface; failures are
// encoded here so any caller (CLI, RPC, extensions) can relay them.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func fail(code string, format string, args ...any) Result {
	err := core.NewError(fmt.Errorf(format, args...), code, nil)
	return Result{OK: false, Message: err.Message}
}

// HandleAction dispatches one brain tool action against the log at
// brainPath.
func HandleAction(ctx context.Context, brainPath string, params ActionParams, opts ToolOptions) Result {
	opts = opts.withDefaults()
	log := logger.FromContext(ctx)
	log.Debug("brain action", "action", params.Action, "type", params.Type, "id", params.ID)

	switch params.Action {
	case "add":
		return handleAdd(ctx, brainPath, params, opts)
	case "update":
		return handleUpdate(ctx, brainPath, params, opts)
	case "remove":
		return handleRemove(ctx, brainPath, params, opts)
	case "list":
		return handleList(brainPath, params, opts)
	case "decay":
		return handleDecay(ctx, brainPath, params, opts)
	case "task_done":
		return handleTaskDone(ctx, brainPath, params, opts)
	case "task_clear":
		return handleTaskClear(ctx, brainPath, opts)
	case "reminder_run":
		return handleReminderRun(ctx, brainPath, params, opts)
	default:
		return fail(core.CodeBadAction, "unknown action %q", params.Action)
	}
}

func handleAdd(ctx context.Context, brainPath string, params ActionParams, opts ToolOptions) Result {
	if params.Type == "" {
		return fail(core.CodeValidation, "add requires a type")
	}
	entry := entryFromParams(params)
	applyAddDefaults(&entry)
	AssignID(&entry)
	entry.Created = core.FormatTimestamp(opts.Now)
	if err := Validate(&entry); err != nil {
		return fail(core.CodeValidation, "%s", err)
	}

	if entry.Type == TypeLearning || entry.Type == TypePreference {
		wrote, err := AppendEntryWithDedup(ctx, brainPath, &entry, duplicateText)
		if err != nil {
			return appendFailure(err)
		}
		if !wrote {
			return fail(core.CodeDuplicate, "Duplicate %s: already stored", entry.Type)
		}
	} else if err := AppendEntry(ctx, brainPath, &entry); err != nil {
		return appendFailure(err)
	}
	return Result{OK: true, Message: fmt.Sprintf("Added %s %s", entry.Type, entry.ID), Data: entry}
}

// duplicateText rejects a learning or preference whose normalized text
// already exists among materialized entries of the same type.
func duplicateText(b *Brain, candidate *Entry) bool {
	pool := b.Learnings
	if candidate.Type == TypePreference {
		pool = b.Preferences
	}
	want := NormalizeText(candidate.Text)
	for _, e := range pool {
		if NormalizeText(e.Text) == want {
			return true
		}
	}
	return false
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeText lowercases, collapses every non-alphanumeric run to a
// single space, and trims. Dedup compares normalized forms for equality.
func NormalizeText(s string) string {
	return strings.TrimSpace(nonAlnumRe.ReplaceAllString(strings.ToLower(s), " "))
}

func handleUpdate(ctx context.Context, brainPath string, params ActionParams, opts ToolOptions) Result {
	if params.ID == "" {
		return fail(core.CodeValidation, "update requires an id")
	}
	entries, _, err := ReadBrain(brainPath)
	if err != nil {
		return fail(core.CodeIO, "%s", err)
	}
	existing, ok := Fold(entries).FindByID(params.ID)
	if !ok {
		return fail(core.CodeNotFound, "no entry with id %s", params.ID)
	}
	merged := mergeParams(existing, params)
	if err := Validate(&merged); err != nil {
		return fail(core.CodeValidation, "%s", err)
	}
	if err := AppendEntry(ctx, brainPath, &merged); err != nil {
		return appendFailure(err)
	}
	return Result{OK: true, Message: fmt.Sprintf("Updated %s %s", merged.Type, merged.ID), Data: merged}
}

// mergeParams lays non-empty params over existing, preserving identity
// fields (id, type, created).
func mergeParams(existing Entry, params ActionParams) Entry {
	e := existing
	patch := entryFromParams(params)
	if patch.Category != "" {
		e.Category = patch.Category
	}
	if patch.Text != "" {
		e.Text = patch.Text
	}
	if patch.Key != "" {
		e.Key = patch.Key
	}
	if patch.Value != "" {
		e.Value = patch.Value
	}
	if patch.Source != "" {
		e.Source = patch.Source
	}
	if patch.Scope != "" {
		e.Scope = patch.Scope
	}
	if patch.ProjectPath != "" {
		e.ProjectPath = patch.ProjectPath
	}
	if patch.Project != "" {
		e.Project = patch.Project
	}
	if patch.Path != "" {
		e.Path = patch.Path
	}
	if patch.Content != "" {
		e.Content = patch.Content
	}
	if patch.Description != "" {
		e.Description = patch.Description
	}
	if patch.Status != "" {
		e.Status = patch.Status
	}
	if patch.Priority != "" {
		e.Priority = patch.Priority
	}
	if patch.Tags != nil {
		e.Tags = patch.Tags
	}
	if patch.Due != "" {
		e.Due = patch.Due
	}
	if patch.Enabled != nil {
		e.Enabled = patch.Enabled
	}
	if patch.Cadence != nil {
		e.Cadence = patch.Cadence
	}
	return e
}

func handleRemove(ctx context.Context, brainPath string, params ActionParams, opts ToolOptions) Result {
	entries, _, err := ReadBrain(brainPath)
	if err != nil {
		return fail(core.CodeIO, "%s", err)
	}
	folded := Fold(entries)

	var targetID string
	var targetType EntryType
	summary := ""

	switch {
	case params.ID != "":
		entry, ok := folded.FindByID(params.ID)
		if !ok {
			return fail(core.CodeNotFound, "no entry with id %s", params.ID)
		}
		targetID, targetType = entry.ID, entry.Type
		summary = Summarize(&entry)
	case IsKeyed(params.Type) && naturalKeyFromParams(params) != "":
		key := naturalKeyFromParams(params)
		targetID = core.DeterministicID(string(params.Type), key)
		targetType = params.Type
		if entry, ok := folded.FindByID(targetID); ok {
			summary = Summarize(&entry)
		} else {
			summary = fmt.Sprintf("%s %s", params.Type, key)
		}
	default:
		return fail(core.CodeValidation, "remove requires an id, or a keyed type with its key")
	}

	reason := params.Reason
	if reason == "" {
		reason = "removed"
	}
	tomb := Entry{
		Type:       TypeTombstone,
		Created:    core.FormatTimestamp(opts.Now),
		TargetID:   targetID,
		TargetType: targetType,
		Reason:     reason,
	}
	AssignID(&tomb)
	if err := AppendEntry(ctx, brainPath, &tomb); err != nil {
		return appendFailure(err)
	}
	return Result{OK: true, Message: fmt.Sprintf("Removed %s", summary)}
}

func naturalKeyFromParams(params ActionParams) string {
	if params.Type == TypeContext {
		return params.Path
	}
	return params.Key
}

func handleDecay(ctx context.Context, brainPath string, params ActionParams, opts ToolOptions) Result {
	entries, _, err := ReadBrain(brainPath)
	if err != nil {
		return fail(core.CodeIO, "%s", err)
	}
	folded := Fold(entries)

	decayed := 0
	for i := range folded.Learnings {
		e := folded.Learnings[i]
		age := ageInDays(&e, opts.Now)
		if age <= float64(opts.DecayAfterDays) {
			continue
		}
		if LearningScore(&e, opts.Cwd, opts.Now) >= opts.DecayMinScore {
			continue
		}
		tomb := Entry{
			Type:       TypeTombstone,
			Created:    core.FormatTimestamp(opts.Now),
			TargetID:   e.ID,
			TargetType: TypeLearning,
			Reason:     "decay",
		}
		AssignID(&tomb)
		if err := AppendEntry(ctx, brainPath, &tomb); err != nil {
			return appendFailure(err)
		}
		decayed++
	}
	return Result{OK: true, Message: fmt.Sprintf("Decayed %d learning(s)", decayed)}
}

func handleTaskDone(ctx context.Context, brainPath string, params ActionParams, opts ToolOptions) Result {
	if params.ID == "" {
		return fail(core.CodeValidation, "task_done requires an id")
	}
	entries, _, err := ReadBrain(brainPath)
	if err != nil {
		return fail(core.CodeIO, "%s", err)
	}
	entry, ok := Fold(entries).FindByID(params.ID)
	if !ok || entry.Type != TypeTask {
		return fail(core.CodeNotFound, "no task with id %s", params.ID)
	}
	entry.Status = "done"
	entry.CompletedAt = core.FormatTimestamp(opts.Now)
	if err := AppendEntry(ctx, brainPath, &entry); err != nil {
		return appendFailure(err)
	}
	return Result{OK: true, Message: fmt.Sprintf("Completed task %s", entry.ID), Data: entry}
}

func handleTaskClear(ctx context.Context, brainPath string, opts ToolOptions) Result {
	entries, _, err := ReadBrain(brainPath)
	if err != nil {
		return fail(core.CodeIO, "%s", err)
	}
	folded := Fold(entries)
	cleared := 0
	for _, e := range folded.Tasks {
		if e.Status != "done" {
			continue
		}
		tomb := Entry{
			Type:       TypeTombstone,
			Created:    core.FormatTimestamp(opts.Now),
			TargetID:   e.ID,
			TargetType: TypeTask,
			Reason:     "cleared",
		}
		AssignID(&tomb)
		if err := AppendEntry(ctx, brainPath, &tomb); err != nil {
			return appendFailure(err)
		}
		cleared++
	}
	return Result{OK: true, Message: fmt.Sprintf("Cleared %d done task(s)", cleared)}
}

func handleReminderRun(ctx context.Context, brainPath string, params ActionParams, opts ToolOptions) Result {
	if params.ID == "" {
		return fail(core.CodeValidation, "reminder_run requires an id")
	}
	entries, _, err := ReadBrain(brainPath)
	if err != nil {
		return fail(core.CodeIO, "%s", err)
	}
	entry, ok := Fold(entries).FindByID(params.ID)
	if !ok || entry.Type != TypeReminder {
		return fail(core.CodeNotFound, "no reminder with id %s", params.ID)
	}
	next, err := NextDue(entry.Cadence, opts.Now)
	if err != nil {
		return fail(core.CodeValidation, "%s", err)
	}
	entry.LastRun = core.FormatTimestamp(opts.Now)
	entry.LastResult = params.LastResult
	entry.LastError = params.LastError
	entry.NextDue = core.FormatTimestamp(next)
	if err := AppendEntry(ctx, brainPath, &entry); err != nil {
		return appendFailure(err)
	}
	return Result{OK: true, Message: fmt.Sprintf("Ran reminder %s, next due %s", entry.ID, entry.NextDue), Data: entry}
}

func entryFromParams(params ActionParams) Entry {
	return Entry{
		Type:        params.Type,
		Category:    params.Category,
		Text:        params.Text,
		Key:         params.Key,
		Value:       params.Value,
		Source:      params.Source,
		Scope:       params.Scope,
		ProjectPath: params.ProjectPath,
		Project:     params.Project,
		Path:        params.Path,
		Content:     params.Content,
		Description: params.Description,
		Status:      params.Status,
		Priority:    params.Priority,
		Tags:        params.Tags,
		Due:         params.Due,
		Enabled:     params.Enabled,
		Cadence:     params.Cadence,
	}
}

func applyAddDefaults(e *Entry) {
	switch e.Type {
	case TypeTask:
		if e.Status == "" {
			e.Status = "pending"
		}
		if e.Priority == "" {
			e.Priority = "normal"
		}
	case TypeReminder:
		if e.Priority == "" {
			e.Priority = "normal"
		}
		if e.Enabled == nil {
			enabled := true
			e.Enabled = &enabled
		}
	}
}

func appendFailure(err error) Result {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return Result{OK: false, Message: coreErr.Message}
	}
	return fail(core.CodeIO, "%s", err)
}

func ageInDays(e *Entry, now time.Time) float64 {
	created, err := core.ParseTimestamp(e.Created)
	if err != nil {
		return 0
	}
	return now.Sub(created).Hours() / 24
}
