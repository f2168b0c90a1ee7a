// Package leader runs leased singleton roles from the CLI. The built-in
// heartbeat role scans for due reminders on a schedule and records each
// run back into the brain.
package leader

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravshansbox/rho/cli/helpers"
	enginebrain "github.com/ravshansbox/rho/engine/brain"
	engineleader "github.com/ravshansbox/rho/engine/leader"
	"github.com/ravshansbox/rho/pkg/logger"
)

// New builds the `rho leader` command tree.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leader",
		Short: "Run leased singleton roles",
	}
	cmd.AddCommand(newHeartbeatCommand())
	return cmd
}

func newHeartbeatCommand() *cobra.Command {
	var spec string
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Hold the heartbeat lease and drive due reminders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := helpers.ConfigFromContext(ctx)
			brainPath := cfg.BrainPath()

			role := engineleader.New(engineleader.Config{
				LeasePath:     cfg.LeasePath("heartbeat"),
				Purpose:       "heartbeat",
				StaleAfter:    staleAfter,
				HeartbeatSpec: spec,
				Heartbeat: func(hctx context.Context) {
					runDueReminders(hctx, brainPath)
				},
			})
			return role.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&spec, "schedule", "* * * * *", "cron schedule for the reminder scan")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 30*time.Second, "lease staleness threshold")
	return cmd
}

func runDueReminders(ctx context.Context, brainPath string) {
	log := logger.FromContext(ctx)
	entries, _, err := enginebrain.ReadBrain(brainPath)
	if err != nil {
		log.Error("reminder scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, reminder := range enginebrain.DueReminders(enginebrain.Fold(entries), now) {
		result := enginebrain.HandleAction(ctx, brainPath, enginebrain.ActionParams{
			Action:     "reminder_run",
			ID:         reminder.ID,
			LastResult: "ok",
		}, enginebrain.ToolOptions{})
		if !result.OK {
			log.Warn("reminder run not recorded", "id", reminder.ID, "message", result.Message)
			continue
		}
		log.Info("reminder due", "id", reminder.ID, "text", reminder.Text)
	}
}
