package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
	_ "github.com/OpenCuff/OpenCuff/plugins/builtin"
)

// Exit codes returned by Execute.
const (
	ExitOK              = 0
	ExitSettingsMissing = 1
	ExitSettingsInvalid = 2
)

// exitError carries a process exit code alongside the error message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ee):
		return ee.code
	default:
		return 1
	}
}

type globalOptions struct {
	settingsPath string
	debug        bool
}

// NewRootCmd builds the cuff command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "cuff",
		Short: "OpenCuff plugin host",
		Long: `cuff hosts tool plugins and exposes them to agents over MCP.

Plugins are declared in a settings file (settings.yml or settings.toml) and
run in-process, as subprocesses, behind HTTP or as external MCP servers.
Their tools are published as <plugin>.<tool>.

Commands:
  serve     Run the MCP server with live settings reload
  status    Show plugin states
  tools     List published tools
  history   Show recorded tool invocations
  init      Write a starter settings file
  doctor    Diagnose settings and plugin problems
  plugin    Serve a built-in plugin out of process`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.settingsPath, "config", "c", "", "Settings file (default: $"+config.SettingsEnvVar+", ./settings.yml, ~/.opencuff/settings.yml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging (also $"+config.DebugEnvVar+")")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newToolsCmd(opts),
		newHistoryCmd(opts),
		newInitCmd(),
		newDoctorCmd(opts),
		newPluginCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// loadSettings resolves, parses and validates the settings file.
func (o *globalOptions) loadSettings() (*config.Settings, string, error) {
	path := o.settingsPath
	if path == "" {
		path = config.FindSettings()
	}
	if path == "" {
		return nil, "", &exitError{
			code: ExitSettingsMissing,
			err:  fmt.Errorf("no settings file found (searched %s); run 'cuff init' to create one", strings.Join(config.SettingsSearchPaths(), ", ")),
		}
	}

	settings, err := config.LoadSettings(path)
	switch {
	case errors.Is(err, config.ErrNotFound), errors.Is(err, config.ErrEnvVarMissing):
		return nil, path, &exitError{code: ExitSettingsMissing, err: err}
	case err != nil:
		return nil, path, &exitError{code: ExitSettingsInvalid, err: err}
	}

	if err := settings.Validate(); err != nil {
		return nil, path, &exitError{code: ExitSettingsInvalid, err: err}
	}
	return settings, path, nil
}

func (o *globalOptions) isDebug() bool {
	return o.debug || config.CheckDebug()
}

// quietLogger is used by short-lived commands that print to the terminal:
// nothing is logged unless debugging.
func (o *globalOptions) quietLogger() *zap.Logger {
	if !o.isDebug() {
		return zap.NewNop()
	}
	logger, err := config.NewLogger(config.GetDefaultDataDir(), true)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
