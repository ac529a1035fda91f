package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries state shared by subcommands.
type cli struct {
	configPath string
	config     *Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Campaign graph engine",
		Long: `campaign runs subjects through conversational campaign graphs: entry,
AI response, wait, branch, delay, handoff and terminal nodes connected by
labelled edges.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
				return err
			}
			cfg, err := loadConfig(v, c.configPath)
			if err != nil {
				return err
			}
			c.config = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to a config file (default: campaign.yaml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand(c))
	rootCmd.AddCommand(newStatusCommand(c))
	return rootCmd
}
