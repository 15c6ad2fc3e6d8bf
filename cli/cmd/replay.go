package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Maintain the replay ledger",
	Long:  `The replay ledger remembers delivered message IDs so a message is never delivered twice.`,
}

var replayPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop expired ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)

		removed, err := core.PurgeReplay()
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to purge replay ledger: %w", err), started)
		}
		fmt.Printf("Removed %d expired entr%s.\n", removed, plural(removed, "y", "ies"))
		return auditCmdComplete(cmd, nil, started)
	},
}

var replayClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every seen message",
	Long:  `Remove every ledger entry. Messages still inside their lifetime can then be delivered again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)

		if !forceDelete && !promptConfirmation("Clearing the ledger allows old messages to be replayed. Continue?") {
			fmt.Println("Replay ledger clear cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
		if err := core.ClearReplay(); err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to clear replay ledger: %w", err), started)
		}
		fmt.Println("Replay ledger cleared.")
		return auditCmdComplete(cmd, nil, started)
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.AddCommand(replayPurgeCmd)
	replayCmd.AddCommand(replayClearCmd)

	replayClearCmd.Flags().BoolVar(&forceDelete, "force", false, "Clear without confirmation")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
