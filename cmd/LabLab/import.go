package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/LabLab/internal/fixtures"
)

func newImportCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import <fixtures.yaml>",
		Short: "Load experiments, scenarios and wallets from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fixtures.Load(args[0])
			if err != nil {
				return err
			}
			backend, closeStore, err := openStore(*cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			sum, err := fixtures.Import(cmd.Context(), backend, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d experiments, %d scenarios, %d wallets\n", sum.Experiments, sum.Scenarios, sum.Wallets)
			return nil
		},
	}
}
