package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var closeUser string

var closeCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a running session",
	Long: `Close a session, stopping its application and, for virtual-display
sessions, the VNC and framebuffer servers behind it. Closing an already
closed session succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func init() {
	closeCmd.Flags().StringVarP(&closeUser, "user", "u", "", "only close if owned by this user")
	rootCmd.AddCommand(closeCmd)
}

func runClose(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}

	res, err := orch.CloseSession(sessionID, closeUser)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("failed to close session %s: %s", sessionID, res.Message)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %s\n", sessionID, res.Message)
	return nil
}
