package cmd

import (
	"fmt"
	"os/user"

	"github.com/faize-ai/appcast/internal/orchestrator"
	"github.com/faize-ai/appcast/internal/session"
	"github.com/spf13/cobra"
)

var (
	createUser       string
	createName       string
	createResolution string
	createDepth      int
	createJSON       bool
)

var createCmd = &cobra.Command{
	Use:   "create <app-id>",
	Short: "Start a new application session",
	Long: `Start a session for a registered application.

The backend is chosen once per run from the host environment: native when a
compositor bridge such as WSLg is available, otherwise a virtual display
(Xvfb) exported by a VNC server on an allocated port.

Examples:
  appcast create calculator
  appcast create calculator --user alice --resolution 1280x720 --depth 16`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createUser, "user", "u", "", "owning user (default: current user)")
	createCmd.Flags().StringVarP(&createName, "name", "n", "", "session name")
	createCmd.Flags().StringVarP(&createResolution, "resolution", "r", "", "virtual display resolution, WIDTHxHEIGHT")
	createCmd.Flags().IntVar(&createDepth, "depth", 0, "virtual display color depth (8, 16, 24 or 32)")
	createCmd.Flags().BoolVar(&createJSON, "json", false, "print the result as JSON")

	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}

	userID := createUser
	if userID == "" {
		userID = currentUser()
	}

	res, err := orch.CreateSession(orchestrator.CreateRequest{
		ApplicationID: args[0],
		UserID:        userID,
		Name:          createName,
		Resolution:    createResolution,
		ColorDepth:    createDepth,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if createJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else if res.Success {
		printSession(cmd, res.Session)
	}

	if !res.Success {
		return fmt.Errorf("failed to create session: %s", res.Message)
	}
	return nil
}

func printSession(cmd *cobra.Command, sess *session.Session) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s started (%s)\n", sess.ID, sess.Backend)
	if sess.Display != nil && sess.Port != nil {
		fmt.Fprintf(out, "  Display: %s\n", sess.DisplayName())
		fmt.Fprintf(out, "  VNC:     localhost:%d\n", *sess.Port)
	}
	fmt.Fprintf(out, "  PID:     %d\n", sess.Processes.Application)
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
