package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the orchestrator",
		RunE:  runOrchestrator,
	}
	return cmd
}

func runOrchestrator(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return orchestrator.Run(config)
}
