package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/javanhut/hgstore/internal/colors"
	"github.com/javanhut/hgstore/internal/config"
	"github.com/javanhut/hgstore/internal/repo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	repository string
	logLevel   string
	noColor    bool
}

// NewRootCommand builds the hgstore command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "hgstore",
		Short: "hgstore inspects and exchanges Mercurial revlog stores",
		Long: `hgstore reads and writes the revision stores of a Mercurial repository:
revlog indices, delta chains, the changeset DAG and HG10 bundles.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				colors.SetEnabled(false)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.repository, "repository", "R", ".", "repository root directory")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level from the configuration")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	// Repository commands
	rootCmd.AddCommand(newInitCmd(opts))
	rootCmd.AddCommand(newVerifyCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))

	// Revlog inspection
	rootCmd.AddCommand(newDebugIndexCmd(opts))
	rootCmd.AddCommand(newCatCmd(opts))

	// DAG queries
	rootCmd.AddCommand(newHeadsCmd(opts))
	rootCmd.AddCommand(newParentsCmd(opts))
	rootCmd.AddCommand(newChildrenCmd(opts))
	rootCmd.AddCommand(newAncestorCmd(opts))

	// Bundles
	rootCmd.AddCommand(newBundleCmd(opts))
	rootCmd.AddCommand(newUnbundleCmd(opts))
	rootCmd.AddCommand(newDebugBundleCmd(opts))
	return rootCmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root := NewRootCommand()
	root.SetArgs(revisionArgs(root, os.Args[1:]))
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration for the repository and applies the
// command line overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.repository)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		if _, err := logrus.ParseLevel(o.logLevel); err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) openRepo() (*repo.Repo, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return repo.Open(o.repository, cfg)
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [DIR]",
		Short: "Create an empty repository",
		Long:  "Creates .hg/requires and an empty store in DIR (default: the -R directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := opts.repository
			if len(args) == 1 {
				root = args[0]
			}
			if err := os.MkdirAll(root, 0755); err != nil {
				return err
			}
			opts.repository = root
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			r, err := repo.Init(root, cfg)
			if err != nil {
				return err
			}
			defer r.Close()
			abs, _ := filepath.Abs(root)
			fmt.Fprintf(cmd.OutOrStdout(), "%s repository in %s\n", colors.Success("Initialized"), abs)
			return nil
		},
	}
}
