package cli

import (
	"fmt"

	"github.com/javanhut/hgstore/internal/colors"
	"github.com/javanhut/hgstore/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	var global, list bool
	cmd := &cobra.Command{
		Use:   "config [key] [value]",
		Short: "Get and set configuration options",
		Long: `Get and set hgstore configuration options.

Configuration can be set at two levels:
- Global (~/.hgstore.yaml) - applies to all repositories
- Repository (.hg/hgstore.yaml) - applies to the -R repository only

Examples:
  hgstore config revlog.compression zstd
  hgstore config --global log.level debug
  hgstore config --list
  hgstore config bundle.compression`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case list:
				return listConfig(cmd, opts)
			case len(args) == 1:
				return getConfigValue(cmd, opts, args[0])
			case len(args) == 2:
				return setConfigValue(cmd, opts, args[0], args[1], global)
			}
			return fmt.Errorf("invalid usage. See: hgstore config --help")
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "Use global config file")
	cmd.Flags().BoolVar(&list, "list", false, "List all configuration")
	return cmd
}

func listConfig(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, key := range config.Keys() {
		value, err := cfg.GetValue(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s = %s\n", colors.Header(key), value)
	}
	return nil
}

func getConfigValue(cmd *cobra.Command, opts *rootOptions, key string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	value, err := cfg.GetValue(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func setConfigValue(cmd *cobra.Command, opts *rootOptions, key, value string, global bool) error {
	path := config.RepoPath(opts.repository)
	scope := "repository"
	if global {
		var err error
		if path, err = config.GlobalPath(); err != nil {
			return err
		}
		scope = "global"
	}
	if err := config.SetInFile(path, key, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s config: %s = %s\n",
		colors.Success("Set"), scope, colors.Header(key), value)
	return nil
}
