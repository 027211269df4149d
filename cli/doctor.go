package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/OpenCuff/OpenCuff/config"
	"github.com/OpenCuff/OpenCuff/plugins"
)

type doctorCheck struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion,omitempty"`
}

type doctorOutput struct {
	Settings string        `json:"settings,omitempty"`
	Checks   []doctorCheck `json:"checks"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
}

func newDoctorCmd(global *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose settings and plugin problems",
		Long: `Check the settings file without starting any plugin.

The settings file must exist, parse and validate. For every enabled plugin
the referenced command and working directory must exist, and in_source
modules must be built into this binary. Any failed check exits non-zero.

Examples:
  cuff doctor
  cuff doctor --config ./settings.toml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := runDoctorChecks(global.settingsPath)
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				printDoctor(cmd.OutOrStdout(), out)
			}
			if out.Failed > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d of %d checks failed", out.Failed, len(out.Checks))}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func runDoctorChecks(path string) doctorOutput {
	var out doctorOutput
	add := func(c doctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Passed {
			out.Passed++
		} else {
			out.Failed++
		}
	}

	if path == "" {
		path = config.FindSettings()
	}
	switch {
	case path == "":
		add(doctorCheck{
			Name:       "settings file",
			Detail:     "not found in " + strings.Join(config.SettingsSearchPaths(), ", "),
			Suggestion: "run 'cuff init' to create one",
		})
		return out
	case !config.FileExists(path):
		add(doctorCheck{
			Name:       "settings file",
			Detail:     "not found: " + path,
			Suggestion: "run 'cuff init " + path + "' or fix --config",
		})
		return out
	}
	out.Settings = path
	add(doctorCheck{Name: "settings file", Passed: true, Detail: path})

	settings, err := config.LoadSettings(path)
	if err != nil {
		add(doctorCheck{
			Name:       "settings syntax",
			Detail:     err.Error(),
			Suggestion: "fix the syntax or export the referenced environment variables",
		})
		return out
	}
	add(doctorCheck{Name: "settings syntax", Passed: true, Detail: "parsed " + strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), "."))})

	if err := settings.ValidateHost(); err != nil {
		add(doctorCheck{Name: "plugin_settings", Detail: err.Error()})
	} else {
		add(doctorCheck{Name: "plugin_settings", Passed: true, Detail: "valid"})
	}

	modules := plugins.RegisteredModules()
	for _, name := range settings.EnabledPlugins() {
		for _, c := range checkPlugin(name, settings.Plugins[name], modules) {
			add(c)
		}
	}
	return out
}

// checkPlugin validates one entry and the things it points at.
func checkPlugin(name string, pc config.PluginConfig, modules []string) []doctorCheck {
	label := "plugin " + name
	if err := pc.Validate(name); err != nil {
		return []doctorCheck{{Name: label, Detail: err.Error()}}
	}
	checks := []doctorCheck{{Name: label, Passed: true, Detail: string(pc.Type) + " " + pc.Target()}}

	if dir := pc.ProcessSettings.Dir; dir != "" {
		info, err := os.Stat(config.ExpandPath(dir))
		switch {
		case err != nil:
			checks = append(checks, doctorCheck{Name: label + " dir", Detail: "not found: " + dir, Suggestion: "create it or fix process_settings.dir"})
		case !info.IsDir():
			checks = append(checks, doctorCheck{Name: label + " dir", Detail: "not a directory: " + dir})
		default:
			checks = append(checks, doctorCheck{Name: label + " dir", Passed: true, Detail: dir})
		}
	}

	switch {
	case pc.Type == config.PluginTypeInSource:
		if slices.Contains(modules, pc.Module) {
			checks = append(checks, doctorCheck{Name: label + " module", Passed: true, Detail: pc.Module})
		} else {
			checks = append(checks, doctorCheck{
				Name:       label + " module",
				Detail:     "not built in: " + pc.Module,
				Suggestion: "run 'cuff plugin list' for the available modules",
			})
		}
	case pc.Command != "":
		resolved, err := resolveCommand(pc.Command, pc.ProcessSettings.Dir)
		if err != nil {
			checks = append(checks, doctorCheck{Name: label + " command", Detail: err.Error(), Suggestion: "install it or fix 'command'"})
		} else {
			checks = append(checks, doctorCheck{Name: label + " command", Passed: true, Detail: resolved})
		}
	}
	return checks
}

// resolveCommand finds command the way the plugin host will start it: bare
// names through PATH, relative paths against dir when one is set.
func resolveCommand(command, dir string) (string, error) {
	if !strings.ContainsRune(command, filepath.Separator) && !strings.ContainsRune(command, '/') {
		p, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("%s not found in PATH", command)
		}
		return p, nil
	}

	p := config.ExpandPath(command)
	if !filepath.IsAbs(p) && dir != "" {
		p = filepath.Join(config.ExpandPath(dir), p)
	}
	info, err := os.Stat(p)
	switch {
	case err != nil:
		return "", fmt.Errorf("not found: %s", command)
	case info.IsDir():
		return "", fmt.Errorf("is a directory: %s", command)
	case info.Mode().Perm()&0111 == 0:
		return "", fmt.Errorf("not executable: %s", command)
	}
	return p, nil
}

func printDoctor(w io.Writer, out doctorOutput) {
	cols := []column{
		{title: "CHECK"},
		{title: "STATUS", style: doctorStyle},
		{title: "DETAIL"},
		{title: "SUGGESTION", style: dim},
	}
	rows := make([][]string, 0, len(out.Checks))
	for _, c := range out.Checks {
		status := "pass"
		if !c.Passed {
			status = "fail"
		}
		rows = append(rows, []string{c.Name, status, c.Detail, c.Suggestion})
	}
	fmt.Fprint(w, renderTable(cols, rows))
	fmt.Fprintf(w, "\n%d passed, %d failed\n", out.Passed, out.Failed)
}

func doctorStyle(value string) lipgloss.Style {
	if value == "pass" {
		return okStyle
	}
	return errStyle
}
