package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	braincmd "github.com/ravshansbox/rho/cli/cmd/brain"
	leadercmd "github.com/ravshansbox/rho/cli/cmd/leader"
	sessioncmd "github.com/ravshansbox/rho/cli/cmd/session"
	"github.com/ravshansbox/rho/cli/helpers"
	"github.com/ravshansbox/rho/pkg/config"
	"github.com/ravshansbox/rho/pkg/logger"
)

func main() {
	if err := createRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "rho",
		Short: "rho - personal agent runtime shell",
		Long: `rho is a personal agent runtime: a persistent brain seeded into every
agent session, plus the coordination layer (leases, locks, RPC sessions)
that lets multiple rho processes share one host safely.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
	}
	root.AddCommand(braincmd.New(), sessioncmd.New(), leadercmd.New())
	return root
}

func setup(cmd *cobra.Command) error {
	// Best-effort: a missing .env is the common case.
	if dir := os.Getenv("RHO_DIR"); dir != "" {
		_ = godotenv.Load(filepath.Join(dir, ".env"))
	} else if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".rho", ".env"))
	}

	ctx := cmd.Context()
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&logger.Config{
		Level:      logger.LogLevel(cfg.Log.Level),
		Output:     os.Stderr,
		JSON:       cfg.Log.JSON,
		TimeFormat: "15:04:05",
	})
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = helpers.ContextWithConfig(ctx, cfg)
	cmd.SetContext(ctx)
	return nil
}
