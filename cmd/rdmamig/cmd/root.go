// Package cmd wires the rdmamig command-line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/glelouet/rdmamig/internal/logging"
)

var Version = "dev"

var (
	logLevel   string
	configPath string
)

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rdmamig",
		Short:         "RDMA live-migration transport",
		Long:          "rdmamig — drive or receive an RDMA-based VM live migration.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetDefault(logging.NewLogger(&logging.Config{
				Level: logging.ParseLevel(logLevel),
			}))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"TOML tunables file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newDemoCmd())

	rootCmd.SetVersionTemplate("rdmamig {{.Version}}\n")
	return rootCmd
}
