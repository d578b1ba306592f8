package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var eventsJSON bool

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Show the audit log of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "print events as JSON")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}

	events, err := orch.Events(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if eventsJSON {
		return printJSON(out, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "No events.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tTYPE\tMESSAGE")
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Time.Format("2006-01-02 15:04:05"), e.Type, e.Message)
	}
	return w.Flush()
}
