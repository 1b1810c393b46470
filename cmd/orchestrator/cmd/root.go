package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/imagery-orchestrator/internal/common"
	commonconfig "github.com/G-Research/imagery-orchestrator/internal/common/config"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/orchestrator"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "orchestrator",
		SilenceUsage: true,
		Short:        "Expands processing jobs into task graphs and drives them to completion",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return common.BindCommandlineArguments(cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		submitJobCmd(),
		notifyCmd(),
	)

	return cmd
}

func loadConfig() (configuration.OrchestratorConfiguration, error) {
	var config configuration.OrchestratorConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if err := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := config.ExpandPaths(); err != nil {
		return config, err
	}
	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
