package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/slurm-provider/internal/slurm"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the reconciliation loops of every configured plugin",
		RunE:  runProvider,
	}
	return cmd
}

func runProvider(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return slurm.StartUp(config)
}
