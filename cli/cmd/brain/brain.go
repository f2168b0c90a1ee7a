// Package brain exposes the brain tool actions as CLI subcommands.
package brain

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ravshansbox/rho/cli/helpers"
	enginebrain "github.com/ravshansbox/rho/engine/brain"
)

type flags struct {
	entryType   string
	id          string
	key         string
	value       string
	category    string
	text        string
	source      string
	scope       string
	projectPath string
	project     string
	path        string
	content     string
	description string
	status      string
	priority    string
	tags        []string
	due         string
	every       string
	dailyAt     string
	reason      string
	query       string
	filter      string
	verbose     bool
	lastResult  string
	lastError   string
	cwd         string
	budget      int
	ids         bool
}

// New builds the `rho brain` command tree.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brain",
		Short: "Inspect and mutate the persistent brain",
	}
	cmd.AddCommand(
		newActionCommand("add", "Add a brain entry"),
		newActionCommand("update", "Update a brain entry by id"),
		newActionCommand("remove", "Remove a brain entry"),
		newActionCommand("list", "List brain entries"),
		newActionCommand("decay", "Tombstone old low-score learnings"),
		newActionCommand("task_done", "Mark a task done"),
		newActionCommand("task_clear", "Tombstone all done tasks"),
		newActionCommand("reminder_run", "Record a reminder run"),
		newProjectCommand(),
	)
	return cmd
}

func newActionCommand(action, short string) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := helpers.ConfigFromContext(ctx)
			params := f.toParams(action)
			cwd := f.cwd
			if cwd == "" {
				cwd, _ = os.Getwd()
			}
			result := enginebrain.HandleAction(ctx, cfg.BrainPath(), params, enginebrain.ToolOptions{
				DecayAfterDays: cfg.Brain.DecayAfterDays,
				DecayMinScore:  cfg.Brain.DecayMinScore,
				Cwd:            cwd,
			})
			if result.Data != nil && f.verbose {
				data, err := json.MarshalIndent(result.Data, "", "  ")
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), string(data))
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			if !result.OK {
				os.Exit(1)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (f *flags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.entryType, "type", "", "entry type")
	fs.StringVar(&f.id, "id", "", "entry id")
	fs.StringVar(&f.key, "key", "", "natural key for keyed types")
	fs.StringVar(&f.value, "value", "", "value for keyed types")
	fs.StringVar(&f.category, "category", "", "behavior/preference category")
	fs.StringVar(&f.text, "text", "", "entry text")
	fs.StringVar(&f.source, "source", "", "learning source (auto|manual)")
	fs.StringVar(&f.scope, "scope", "", "learning scope (global|project)")
	fs.StringVar(&f.projectPath, "project-path", "", "learning project path")
	fs.StringVar(&f.project, "project", "", "context project name")
	fs.StringVar(&f.path, "path", "", "context path")
	fs.StringVar(&f.content, "content", "", "context content")
	fs.StringVar(&f.description, "description", "", "task description")
	fs.StringVar(&f.status, "status", "", "task status (pending|done)")
	fs.StringVar(&f.priority, "priority", "", "priority (urgent|high|normal|low)")
	fs.StringSliceVar(&f.tags, "tags", nil, "tags")
	fs.StringVar(&f.due, "due", "", "task due date (ISO)")
	fs.StringVar(&f.every, "every", "", "reminder interval cadence, e.g. 30m, 2h, 1d")
	fs.StringVar(&f.dailyAt, "daily-at", "", "reminder daily cadence time HH:MM")
	fs.StringVar(&f.reason, "reason", "", "removal reason")
	fs.StringVar(&f.query, "query", "", "substring filter")
	fs.StringVar(&f.filter, "filter", "", "type-specific filter (pending|done|active)")
	fs.BoolVar(&f.verbose, "verbose", false, "raw JSON output")
	fs.StringVar(&f.lastResult, "result", "", "reminder run result (ok|error|skipped)")
	fs.StringVar(&f.lastError, "error", "", "reminder run error text")
	fs.StringVar(&f.cwd, "cwd", "", "working directory for scoring (defaults to $PWD)")
}

func (f *flags) toParams(action string) enginebrain.ActionParams {
	params := enginebrain.ActionParams{
		Action:      action,
		Type:        enginebrain.EntryType(f.entryType),
		ID:          f.id,
		Key:         f.key,
		Value:       f.value,
		Category:    f.category,
		Text:        f.text,
		Source:      f.source,
		Scope:       f.scope,
		ProjectPath: f.projectPath,
		Project:     f.project,
		Path:        f.path,
		Content:     f.content,
		Description: f.description,
		Status:      f.status,
		Priority:    f.priority,
		Tags:        f.tags,
		Due:         f.due,
		Reason:      f.reason,
		Query:       f.query,
		Filter:      f.filter,
		Verbose:     f.verbose,
		LastResult:  f.lastResult,
		LastError:   f.lastError,
	}
	switch {
	case f.every != "":
		params.Cadence = &enginebrain.Cadence{Kind: enginebrain.CadenceInterval, Every: f.every}
	case f.dailyAt != "":
		params.Cadence = &enginebrain.Cadence{Kind: enginebrain.CadenceDaily, At: f.dailyAt}
	}
	return params
}

func newProjectCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Render the budgeted prompt projection for a working directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := helpers.ConfigFromContext(ctx)
			cwd := f.cwd
			if cwd == "" {
				cwd, _ = os.Getwd()
			}
			entries, _, err := enginebrain.ReadBrain(cfg.BrainPath())
			if err != nil {
				return err
			}
			budget := f.budget
			if budget <= 0 {
				budget = cfg.Brain.PromptBudget
			}
			opts := enginebrain.ProjectorOptions{Budget: budget, Cwd: cwd}
			folded := enginebrain.Fold(entries)
			if f.ids {
				for _, id := range enginebrain.InjectedIDs(folded, opts) {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), enginebrain.Project(folded, opts))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "working directory (defaults to $PWD)")
	cmd.Flags().IntVar(&f.budget, "budget", 0, "token budget override")
	cmd.Flags().BoolVar(&f.ids, "ids", false, "print injected entry ids instead of text")
	return cmd
}
