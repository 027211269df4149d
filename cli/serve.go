package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
	"github.com/OpenCuff/OpenCuff/mcp"
	"github.com/OpenCuff/OpenCuff/plugins"
	"github.com/OpenCuff/OpenCuff/storage"
)

const stopTimeout = 10 * time.Second

type serveOptions struct {
	transport string
	listen    string
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Load every enabled plugin and serve their tools over MCP.

The settings file is watched: edits are applied without a restart when
plugin_settings.live_reload is true. Tool calls and plugin state changes are
recorded in the audit database unless audit.disabled is set.

Examples:
  cuff serve
  cuff serve --transport http --listen :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.transport {
			case "stdio", "http":
			default:
				return fmt.Errorf("unknown transport %q (want stdio or http)", opts.transport)
			}
			return runServe(cmd.Context(), global, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.transport, "transport", "t", "stdio", "MCP transport: stdio or http")
	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:8080", "Listen address for the http transport")
	return cmd
}

func runServe(ctx context.Context, global *globalOptions, opts *serveOptions) error {
	settings, path, err := global.loadSettings()
	if err != nil {
		return err
	}

	dataDir := config.GetDefaultDataDir()
	logger, err := config.NewLogger(dataDir, global.isDebug())
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	managerOpts := []plugins.ManagerOption{plugins.WithLogger(logger)}
	if !settings.Audit.Disabled {
		audit, err := storage.NewAuditStore(settings.AuditDBPath(dataDir))
		if err != nil {
			logger.Warn("audit log disabled", zap.Error(err))
		} else {
			defer audit.Close()
			managerOpts = append(managerOpts, plugins.WithRecorder(audit))
		}
	}

	manager := plugins.NewManager(managerOpts...)
	server := mcp.NewServer(manager, logger)

	if err := manager.Start(ctx, settings); err != nil {
		return &exitError{code: ExitSettingsInvalid, err: err}
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := manager.Stop(stopCtx); err != nil {
			logger.Warn("plugin shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("plugin host started",
		zap.String("settings", path),
		zap.Int("plugins", len(manager.Plugins())),
		zap.Int("tools", manager.Catalog().Len()),
	)

	if settings.PluginSettings.LiveReload {
		watcher := config.NewWatcher(path, settings.PluginSettings.PollInterval(), func(next *config.Settings) {
			if err := manager.OnConfigChange(ctx, next); err != nil {
				logger.Error("settings change rejected", zap.Error(err))
			}
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("settings watcher stopped", zap.Error(err))
			}
		}()
	}

	switch opts.transport {
	case "http":
		return server.ServeHTTP(ctx, opts.listen)
	default:
		return server.ServeStdio(ctx, os.Stdin, os.Stdout)
	}
}
