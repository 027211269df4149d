package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/OpenCuff/OpenCuff/plugins"
)

// startHost loads the settings and every enabled plugin for a one-shot
// command. The returned func unloads them again.
func startHost(ctx context.Context, global *globalOptions) (*plugins.Manager, func(), error) {
	settings, _, err := global.loadSettings()
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// One-shot commands have no use for periodic probes.
	settings.PluginSettings.HealthCheckInterval = 0

	m := plugins.NewManager(plugins.WithLogger(global.quietLogger()))
	if err := m.Start(ctx, settings); err != nil {
		return nil, nil, &exitError{code: ExitSettingsInvalid, err: err}
	}
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		m.Stop(stopCtx)
	}
	return m, stop, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type statusOptions struct {
	json    bool
	verbose bool
}

func newStatusCmd(global *globalOptions) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plugin states",
		Long: `Load the configured plugins and report the state of each one.

Examples:
  cuff status
  cuff status -v
  cuff status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, stop, err := startHost(cmd.Context(), global)
			if err != nil {
				return err
			}
			defer stop()
			return printStatus(cmd.OutOrStdout(), m.Plugins(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "List each plugin's tools")
	return cmd
}

func printStatus(w io.Writer, statuses []plugins.PluginStatus, opts *statusOptions) error {
	if opts.json {
		if statuses == nil {
			statuses = []plugins.PluginStatus{}
		}
		return writeJSON(w, statuses)
	}

	if len(statuses) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No plugins configured."))
		return nil
	}

	cols := []column{
		{title: "PLUGIN"},
		{title: "TYPE", style: dim},
		{title: "STATE", style: stateStyle},
		{title: "TOOLS"},
		{title: "RESTARTS"},
		{title: "ERROR", style: errText},
	}
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{
			st.Name,
			st.Type,
			st.State.String(),
			strconv.Itoa(len(st.Tools)),
			strconv.Itoa(st.RestartCount),
			st.LastError,
		})
	}
	fmt.Fprint(w, renderTable(cols, rows))

	if opts.verbose {
		for _, st := range statuses {
			if len(st.Tools) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s\n", headerStyle.Render(st.Name))
			for _, tool := range st.Tools {
				fmt.Fprintf(w, "  %s\n", tool)
			}
		}
	}
	return nil
}

type toolsOptions struct {
	json bool
}

type toolInfo struct {
	Name        string         `json:"name"`
	Plugin      string         `json:"plugin"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func newToolsCmd(global *globalOptions) *cobra.Command {
	opts := &toolsOptions{}
	cmd := &cobra.Command{
		Use:   "tools [filter]",
		Short: "List published tools",
		Long: `List every tool the loaded plugins publish, by fully-qualified name.
An optional filter fuzzy-matches tool names, best match first.

Examples:
  cuff tools
  cuff tools echo
  cuff tools --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, stop, err := startHost(cmd.Context(), global)
			if err != nil {
				return err
			}
			defer stop()

			var filter string
			if len(args) == 1 {
				filter = args[0]
			}
			return printTools(cmd.OutOrStdout(), filterTools(m.ListTools(), filter), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output JSON")
	return cmd
}

// filterTools keeps entries whose name fuzzy-matches filter, best first.
func filterTools(entries []plugins.CatalogEntry, filter string) []plugins.CatalogEntry {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return entries
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.FQN
	}
	matches := fuzzy.Find(filter, names)
	out := make([]plugins.CatalogEntry, 0, len(matches))
	for _, match := range matches {
		out = append(out, entries[match.Index])
	}
	return out
}

func printTools(w io.Writer, entries []plugins.CatalogEntry, opts *toolsOptions) error {
	if opts.json {
		tools := make([]toolInfo, 0, len(entries))
		for _, e := range entries {
			tools = append(tools, toolInfo{
				Name:        e.FQN,
				Plugin:      e.Instance,
				Description: e.Tool.Description,
				Parameters:  e.Tool.Parameters,
			})
		}
		return writeJSON(w, tools)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No tools found."))
		return nil
	}

	cols := []column{
		{title: "TOOL"},
		{title: "DESCRIPTION", style: dim},
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.FQN, e.Tool.Description})
	}
	fmt.Fprint(w, renderTable(cols, rows))
	return nil
}
