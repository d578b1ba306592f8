package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var deleteInactive bool

var deleteCmd = &cobra.Command{
	Use:   "delete [session-id...]",
	Short: "Remove session records",
	Long: `Remove session records together with their event logs. Active sessions
are closed first.

Use --inactive to remove every closed or failed session instead of naming them.`,
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteInactive, "inactive", false, "remove all inactive sessions")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !deleteInactive {
		return errors.New("specify session ids or --inactive")
	}

	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}

	ids := args
	if deleteInactive {
		sessions, err := orch.ListSessions(false)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, sess := range sessions {
			if !sess.Active {
				ids = append(ids, sess.ID)
			}
		}
	}

	out := cmd.OutOrStdout()
	removedCount := 0
	var errs []error
	for _, id := range ids {
		if err := orch.DeleteSession(id); err != nil {
			fmt.Fprintf(out, "Warning: failed to delete session %s: %v\n", id, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "Removed session: %s\n", id)
		removedCount++
	}

	if removedCount == 0 && len(errs) == 0 {
		fmt.Fprintln(out, "No sessions to remove.")
	} else {
		fmt.Fprintf(out, "Removed %d session(s).\n", removedCount)
	}
	return errors.Join(errs...)
}
