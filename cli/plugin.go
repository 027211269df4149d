package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenCuff/OpenCuff/plugins"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Plugin utilities",
	}
	cmd.AddCommand(newPluginServeCmd(), newPluginListCmd())
	return cmd
}

type pluginServeOptions struct {
	module string
	http   string
}

func newPluginServeCmd() *cobra.Command {
	opts := &pluginServeOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a built-in plugin out of process",
		Long: `Run one built-in plugin behind the subprocess protocol (stdin/stdout)
or, with --http, behind the HTTP plugin protocol. This lets another host
load it as a "process" or "http" plugin.

Examples:
  cuff plugin serve --module opencuff.plugins.builtin.dummy
  cuff plugin serve --module opencuff.plugins.builtin.dummy --http :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plugin, err := plugins.NewInProcessPlugin("standalone", opts.module)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.http == "" {
				return plugins.ServeProcess(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), plugin)
			}
			return serveHTTPPlugin(ctx, opts.http, plugin)
		},
	}
	cmd.Flags().StringVarP(&opts.module, "module", "m", "", "Module reference, e.g. opencuff.plugins.builtin.dummy")
	cmd.Flags().StringVar(&opts.http, "http", "", "Serve the HTTP protocol on this address instead of stdio")
	cmd.MarkFlagRequired("module")
	return cmd
}

func serveHTTPPlugin(ctx context.Context, addr string, plugin plugins.Plugin) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           plugins.NewHTTPHandler(plugin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve plugin: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return plugin.Shutdown(shutdownCtx)
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in plugin modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, module := range plugins.RegisteredModules() {
				fmt.Fprintln(cmd.OutOrStdout(), module)
			}
			return nil
		},
	}
}
