package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/scanpipe/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage scanpipe configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("dedupe mode:     %s\n", cfg.Mode)
		fmt.Printf("concurrency:     %d\n", cfg.Concurrency)
		fmt.Printf("line bucket:     %d\n", cfg.Dedupe.LineBucketWidth)
		fmt.Printf("max drop rate:   %.2f\n", cfg.MaxDropRate)
		provider := cfg.Enrichment.Provider
		if provider == "" {
			provider = "none"
		}
		fmt.Printf("enrichment:      %s\n", provider)
		for name, tier := range cfg.Dedupe.TrustTiers {
			fmt.Printf("trust %-12s %d\n", name+":", tier)
		}
		return nil
	},
}

var configSetProviderCmd = &cobra.Command{
	Use:   "set-provider <name> <api-key>",
	Short: "Select the enrichment provider and store its API key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.Enrichment.Provider = args[0]
		cfg.SetAPIKey(args[0], args[1])
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("enrichment provider set to %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetProviderCmd)
	rootCmd.AddCommand(configCmd)
}
