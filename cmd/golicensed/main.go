// Command golicensed serves the license API and purchase webhooks.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set during build via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "golicensed",
		Short: "License and credit entitlement server",
		Long: `golicensed grants licenses from JVZoo and Stripe purchase notifications
and serves the authenticated license and credit API.`,
		SilenceUsage: true,
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version
	rootCmd.PersistentFlags().String("config", "", "config file (default: ./golicense.yaml or /etc/golicense/golicense.yaml)")

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunMigrateCommand())
	rootCmd.AddCommand(RunGrantCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of golicensed",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
