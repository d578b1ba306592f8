package cmd

import (
	"fmt"

	"github.com/faize-ai/appcast/internal/environment"
	"github.com/spf13/cobra"
)

var envJSON bool

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Show the detected host environment",
	Long:  `Inspect the host and report which session backend appcast would use and why.`,
	Args:  cobra.NoArgs,
	RunE:  runEnv,
}

func init() {
	envCmd.Flags().BoolVar(&envJSON, "json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(envCmd)
}

func runEnv(cmd *cobra.Command, args []string) error {
	orch, cfg, err := newOrchestrator()
	if err != nil {
		return err
	}
	snap := orch.Environment()

	out := cmd.OutOrStdout()
	if envJSON {
		return printJSON(out, struct {
			environment.Snapshot
			ConfiguredMode string `json:"configured_mode"`
		}{snap, cfg.Environment.Mode})
	}

	fmt.Fprintf(out, "Backend:            %s\n", snap.Mode)
	fmt.Fprintf(out, "Reason:             %s\n", snap.Reason)
	fmt.Fprintf(out, "Configured mode:    %s\n", cfg.Environment.Mode)
	fmt.Fprintf(out, "Virtualized:        %t\n", snap.Virtualized)
	fmt.Fprintf(out, "Native passthrough: %t\n", snap.NativePassthrough)
	fmt.Fprintf(out, "Legacy display:     %t\n", snap.LegacyDisplay)
	if snap.Degraded {
		fmt.Fprintln(out, "Detection degraded; falling back to the virtual display.")
	}
	return nil
}
