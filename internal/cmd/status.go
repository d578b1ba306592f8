package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the liveness of a session",
	Long: `Probe every process of a session and reconcile its record. A session that
lost any part of its pipeline is torn down and marked inactive.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}

	st, err := orch.GetStatus(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		return printJSON(out, st)
	}

	fmt.Fprintf(out, "Session: %s\n", st.SessionID)
	fmt.Fprintf(out, "Backend: %s\n", st.Backend)
	fmt.Fprintf(out, "State:   %s\n", st.State)
	fmt.Fprintf(out, "Active:  %t\n", st.Active)
	if st.Active {
		fmt.Fprintf(out, "Usage:   cpu %.1f%% mem %.1f%%\n", st.Usage.CPUPercent, st.Usage.MemoryPercent)
	}
	if st.Reconciled {
		fmt.Fprintf(out, "Ended:   %s\n", st.Reason)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tPID\tALIVE")
	for _, s := range st.Stages {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%t\n", s.Stage, s.PID, s.Alive)
	}
	return w.Flush()
}
