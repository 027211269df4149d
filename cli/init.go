package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenCuff/OpenCuff/config"
)

type initOptions struct {
	format string
	force  bool
}

func newInitCmd() *cobra.Command {
	opts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter settings file",
		Long: `Write a commented settings file with the default plugin settings and a
disabled example plugin.

Without a path, settings.yml (or settings.toml with --format toml) is
written to the current directory.

Examples:
  cuff init
  cuff init --format toml
  cuff init ~/.opencuff/settings.yml --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := initPath(args, opts.format, cmd.Flags().Changed("format"))
			if err != nil {
				return err
			}
			if err := config.WriteSettingsTemplate(config.ExpandPath(path), opts.force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("Wrote"), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "yaml", "Settings format: yaml or toml")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite an existing file")
	return cmd
}

// initPath picks the target file. An explicit path keeps its extension
// unless --format was given and disagrees with it.
func initPath(args []string, format string, formatSet bool) (string, error) {
	var ext string
	switch strings.ToLower(format) {
	case "yaml", "yml":
		ext = ".yml"
	case "toml":
		ext = ".toml"
	default:
		return "", fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}

	if len(args) == 0 {
		return "settings" + ext, nil
	}

	path := args[0]
	switch strings.ToLower(filepath.Ext(path)) {
	case "":
		return path + ext, nil
	case ".yml", ".yaml":
		if formatSet && ext != ".yml" {
			return "", fmt.Errorf("%s is not a TOML file", path)
		}
	case ".toml":
		if formatSet && ext != ".toml" {
			return "", fmt.Errorf("%s is not a YAML file", path)
		}
	}
	return path, nil
}
