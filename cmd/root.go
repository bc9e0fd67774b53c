// SPDX-License-Identifier: MIT

// Package cmd implements the apm command line.
package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"apm/internal/config"
	"apm/internal/log"
	"apm/pkg/build"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	verbose    bool

	cfg *config.Config
}

// Execute runs the root command with the process arguments.
func Execute(ctx context.Context) error {
	root := NewRootCommand(os.Stdout)
	root.SetArgs(os.Args[1:])
	return root.ExecuteContext(ctx)
}

// NewRootCommand builds the command tree. Command output goes to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	buildInfo := build.GetBuildFlags()
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to the YAML configuration (default: ./config.yaml or ./apm.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"Show debug output")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newProcessCommand(opts),
		newListCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

// load reads the configuration and applies the log level.
func (o *options) load() error {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	level, _ := log.ParseLevel(cfg.LogLevel)
	if o.verbose || cfg.Debug {
		level = log.LevelDebug
	}
	log.SetLevel(level)
	return nil
}
