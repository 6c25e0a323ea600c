package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/slurm-provider/internal/common"
	"github.com/G-Research/slurm-provider/internal/common/app"
	"github.com/G-Research/slurm-provider/internal/slurm"
	"github.com/G-Research/slurm-provider/internal/slurm/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "slurm-provider",
		SilenceUsage: true,
		Short:        "Keeps the control plane in step with a slurm cluster",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		accountsCmd(),
		jobsCmd(),
		sessionsCmd(),
	)

	return cmd
}

func loadConfig() (configuration.ProviderConfiguration, error) {
	var config configuration.ProviderConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/slurm-provider", userSpecifiedConfigs, configuration.CustomHooks()...)
	config.ApplyDefaults()
	return config, config.Validate()
}

// withComponents loads the configuration, builds the provider components and hands them to action.
func withComponents(action func(ctx context.Context, components *slurm.Components) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := app.CreateContextWithShutdown()
	components, cleanup, err := slurm.Build(ctx, config)
	if err != nil {
		return err
	}
	defer cleanup()
	return action(ctx, components)
}
