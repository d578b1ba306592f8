package cmd

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"text/tabwriter"

	"github.com/faize-ai/appcast/internal/apps"
	"github.com/spf13/cobra"
)

var (
	appsAddName     string
	appsAddDir      string
	appsAddEnv      []string
	appsAddDisabled bool
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage the application catalog",
	Long:  `Register, list and toggle the GUI applications sessions can launch.`,
}

var appsAddCmd = &cobra.Command{
	Use:   "add <app-id> -- <command> [args...]",
	Short: "Register an application",
	Long: `Register an application under the given id.

Everything after the id is the launch command. Use -- to keep its flags from
being parsed by appcast.

Examples:
  appcast apps add calculator -- xcalc
  appcast apps add editor --name "Text Editor" --env GTK_THEME=Adwaita:dark -- gedit --new-window`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAppsAdd,
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered applications",
	Args:  cobra.NoArgs,
	RunE:  runAppsList,
}

var appsRemoveCmd = &cobra.Command{
	Use:   "remove <app-id>",
	Short: "Remove an application",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppsRemove,
}

var appsImportCmd = &cobra.Command{
	Use:   "import <catalog.yaml>",
	Short: "Register applications from a YAML catalog",
	Long: `Register every application declared in a catalog file, replacing
existing entries with the same id.

Example catalog:
  applications:
    - id: calculator
      name: Calculator
      command: [xcalc]
    - id: editor
      command: [gedit, --new-window]
      env:
        GTK_THEME: Adwaita:dark
      enabled: false`,
	Args: cobra.ExactArgs(1),
	RunE: runAppsImport,
}

var appsEnableCmd = &cobra.Command{
	Use:   "enable <app-id>",
	Short: "Allow sessions for an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var appsDisableCmd = &cobra.Command{
	Use:   "disable <app-id>",
	Short: "Refuse new sessions for an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

func init() {
	appsAddCmd.Flags().StringVar(&appsAddName, "name", "", "display name (default: the id)")
	appsAddCmd.Flags().StringVarP(&appsAddDir, "dir", "d", "", "working directory")
	appsAddCmd.Flags().StringArrayVarP(&appsAddEnv, "env", "e", []string{}, "environment override KEY=VALUE (repeatable)")
	appsAddCmd.Flags().BoolVar(&appsAddDisabled, "disabled", false, "register without enabling")

	appsCmd.AddCommand(appsAddCmd, appsImportCmd, appsListCmd, appsRemoveCmd, appsEnableCmd, appsDisableCmd)
	rootCmd.AddCommand(appsCmd)
}

func openAppStore() (*apps.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := apps.NewStore(cfg.AppsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to access application store: %w", err)
	}
	return store, nil
}

func runAppsAdd(cmd *cobra.Command, args []string) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}

	env, err := parseEnv(appsAddEnv)
	if err != nil {
		return err
	}

	name := appsAddName
	if name == "" {
		name = args[0]
	}
	app := apps.New(args[0], name, args[1:])
	app.WorkingDir = appsAddDir
	app.Env = env
	app.Enabled = !appsAddDisabled
	app.Installed = installed(app.Command[0])

	if err := store.Save(app); err != nil {
		return fmt.Errorf("failed to save application: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Registered %s (%s)\n", app.ID, strings.Join(app.Command, " "))
	if !app.Installed {
		fmt.Fprintf(out, "Warning: %s not found in PATH; sessions will be refused until it is installed and the app re-enabled.\n", app.Command[0])
	}
	return nil
}

func runAppsImport(cmd *cobra.Command, args []string) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}

	list, err := apps.LoadCatalog(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, app := range list {
		app.Installed = installed(app.Command[0])
		if err := store.Save(app); err != nil {
			return fmt.Errorf("failed to save application %s: %w", app.ID, err)
		}
		fmt.Fprintf(out, "Registered %s\n", app.ID)
	}
	fmt.Fprintf(out, "Imported %d application(s).\n", len(list))
	return nil
}

func runAppsList(cmd *cobra.Command, args []string) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}

	list, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list applications: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No applications registered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tENABLED\tINSTALLED\tCOMMAND")
	for _, app := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n",
			app.ID,
			app.Name,
			app.Enabled,
			app.Installed,
			strings.Join(app.Command, " "),
		)
	}
	return w.Flush()
}

func runAppsRemove(cmd *cobra.Command, args []string) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}
	if err := store.Delete(args[0]); err != nil {
		return fmt.Errorf("failed to remove application: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}
	app, err := store.Load(id)
	if err != nil {
		return err
	}

	app.Enabled = enabled
	if enabled {
		app.Installed = installed(app.Command[0])
	}
	if err := store.Save(app); err != nil {
		return fmt.Errorf("failed to save application: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", app.ID, state)
	return nil
}

// parseEnv turns KEY=VALUE flags into a map
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env %q (want KEY=VALUE)", kv)
		}
		env[key] = value
	}
	return env, nil
}

func installed(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil || errors.Is(err, exec.ErrDot)
}
