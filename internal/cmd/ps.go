package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var psAll bool

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List sessions",
	Long:  `List active appcast sessions from their records. Use --all to include closed and failed ones.`,
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func init() {
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "include inactive sessions")
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}

	sessions, err := orch.ListSessions(!psAll)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAPP\tUSER\tBACKEND\tDISPLAY\tPORT\tSTATE\tSTARTED")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t-------\t-------\t----\t-----\t-------")

	for _, sess := range sessions {
		display, port := "-", "-"
		if sess.Display != nil {
			display = sess.DisplayName()
		}
		if sess.Port != nil {
			port = strconv.Itoa(*sess.Port)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sess.ID,
			sess.ApplicationID,
			sess.UserID,
			sess.Backend,
			display,
			port,
			sess.State,
			sess.StartedAt.Format("2006-01-02 15:04:05"),
		)
	}

	return w.Flush()
}
