package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenCuff/OpenCuff/config"
	"github.com/OpenCuff/OpenCuff/storage"
)

type historyOptions struct {
	limit  int
	events bool
	plugin string
	json   bool
}

func newHistoryCmd(global *globalOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded tool invocations",
		Long: `Read the audit database written by 'cuff serve'.

By default the most recent tool invocations are listed. With --events the
plugin lifecycle transitions are shown instead.

Examples:
  cuff history
  cuff history --limit 50
  cuff history --events --plugin build`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := global.loadSettings()
			if err != nil {
				return err
			}
			if settings.Audit.Disabled {
				return fmt.Errorf("audit log is disabled in settings")
			}

			path := settings.AuditDBPath(config.GetDefaultDataDir())
			if !config.FileExists(path) {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No history recorded yet."))
				return nil
			}
			store, err := storage.NewAuditStore(path)
			if err != nil {
				return err
			}
			defer store.Close()

			if opts.events {
				events, err := store.ListEvents(cmd.Context(), opts.plugin, opts.limit)
				if err != nil {
					return err
				}
				return printEvents(cmd.OutOrStdout(), events, opts.json)
			}
			records, err := store.ListInvocations(cmd.Context(), opts.limit)
			if err != nil {
				return err
			}
			return printInvocations(cmd.OutOrStdout(), records, opts.json)
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Number of entries to show (0 for all)")
	cmd.Flags().BoolVar(&opts.events, "events", false, "Show lifecycle events instead of invocations")
	cmd.Flags().StringVar(&opts.plugin, "plugin", "", "Only show events for this plugin")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output JSON")
	return cmd
}

func printInvocations(w io.Writer, records []storage.InvocationRecord, asJSON bool) error {
	if asJSON {
		if records == nil {
			records = []storage.InvocationRecord{}
		}
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No invocations recorded."))
		return nil
	}

	cols := []column{
		{title: "TIME", style: dim},
		{title: "TOOL"},
		{title: "RESULT", style: resultStyle},
		{title: "DURATION"},
		{title: "ERROR"},
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		result := "ok"
		if !rec.Success {
			result = rec.ErrorCode
			if result == "" {
				result = "failed"
			}
		}
		rows = append(rows, []string{
			rec.StartedAt.Local().Format(time.DateTime),
			rec.FQN,
			result,
			rec.Duration.String(),
			rec.Error,
		})
	}
	fmt.Fprint(w, renderTable(cols, rows))
	return nil
}

func printEvents(w io.Writer, events []storage.EventRecord, asJSON bool) error {
	if asJSON {
		if events == nil {
			events = []storage.EventRecord{}
		}
		return writeJSON(w, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No lifecycle events recorded."))
		return nil
	}

	cols := []column{
		{title: "TIME", style: dim},
		{title: "PLUGIN"},
		{title: "FROM", style: stateStyle},
		{title: "TO", style: stateStyle},
		{title: "ERROR"},
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.At.Local().Format(time.DateTime),
			ev.Plugin,
			ev.FromState,
			ev.ToState,
			ev.Error,
		})
	}
	fmt.Fprint(w, renderTable(cols, rows))
	return nil
}
