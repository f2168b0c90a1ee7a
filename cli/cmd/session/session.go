// Package session drives an interactive RPC session from the terminal:
// stdin lines go to the child as commands, events come back as JSON lines.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ravshansbox/rho/cli/helpers"
	"github.com/ravshansbox/rho/engine/rpc"
)

// New builds the `rho session` command tree.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage agent RPC sessions",
	}
	cmd.AddCommand(newRunCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var sessionFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a child session and bridge it to this terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := helpers.ConfigFromContext(ctx)
			if len(cfg.RPC.Argv) == 0 {
				return fmt.Errorf("no RPC child configured (set RHO_RPC_ARGV)")
			}

			manager := rpc.NewManager(ctx, rpc.ManagerConfig{
				Argv:           cfg.RPC.Argv,
				ConnectTimeout: cfg.RPC.ConnectTimeout,
				IdleTimeout:    cfg.RPC.IdleTimeout,
				KillDelay:      cfg.RPC.KillDelay,
				// Children must not behave as subagents of this process.
				Env: map[string]string{"RHO_SUBAGENT": ""},
			})
			defer manager.Dispose()

			reliability := rpc.NewReliability(rpc.ReliabilityConfig{
				BufferSize:       cfg.RPC.EventBufferSize,
				CommandRetention: cfg.RPC.CommandRetention,
				OrphanGrace:      cfg.RPC.OrphanGrace,
				OrphanAbortDelay: cfg.RPC.OrphanAbortDelay,
			}, func(id string) {
				_ = manager.SendCommand(id, rpc.Event{"type": "abort"})
			}, func(id string) {
				manager.StopSession(id)
			})

			sessionID, err := manager.StartSession(sessionFile)
			if err != nil {
				return err
			}
			done := make(chan struct{})
			unsubscribe, err := manager.OnEvent(sessionID, func(ev rpc.Event) {
				buffered := reliability.RecordEvent(sessionID, ev)
				out, merr := json.Marshal(buffered)
				if merr == nil {
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
				}
				switch ev.Type() {
				case rpc.EventSessionStopped, rpc.EventProcessCrashed:
					close(done)
				}
			})
			if err != nil {
				return err
			}
			defer unsubscribe()

			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					var command rpc.Event
					if err := json.Unmarshal(scanner.Bytes(), &command); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "invalid command line: %v\n", err)
						continue
					}
					if dup := reliability.RegisterCommand(sessionID, command.CommandID()); dup.Duplicate {
						if dup.CachedResponse != nil {
							out, merr := json.Marshal(dup.CachedResponse)
							if merr == nil {
								fmt.Fprintln(cmd.OutOrStdout(), string(out))
							}
						}
						continue
					}
					if err := manager.SendCommand(sessionID, command); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "send failed: %v\n", err)
					}
				}
			}()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			select {
			case <-interrupt:
				manager.StopSession(sessionID)
				<-done
			case <-done:
			}
			reliability.Drop(sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionFile, "file", "", "session file the child should load")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
