// Command LabLab runs the behavioral-economics experiment runtime.
//
//	LabLab serve                    start the HTTP API and participant runtime
//	LabLab import fixtures.yaml     load experiments, scenarios and wallets
//	LabLab version                  print the build version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Debug until the configured level is known, so .env loading is visible.
	initializeLogger("")
	cfg := loadEnvironmentConfig()
	initializeLogger(cfg.LogLevel)

	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "LabLab",
		Short: "Participant runtime for behavioral-economics experiments",
		Long: `LabLab walks participants through an ordered list of stages
(instructions, breaks, timed market scenarios and surveys), gating each
transition and persisting progress so an interrupted run resumes where it
stopped.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for LabLab data (overrides $LABLAB_STATE_DIR)")
	root.PersistentFlags().StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_URL; default <state-dir>/"+DefaultDBFileName+")")

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newImportCmd(cfg))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "LabLab", version)
		},
	})
	return root
}
