package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/tcpfollow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and TCPFOLLOW_* environment
overrides are applied. The output is a valid config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("invalid configuration", err)
		}
		out, err := config.Dump(cfg)
		if err != nil {
			exitWithError("failed to render configuration", err)
		}
		_, _ = cmd.OutOrStdout().Write(out)
	},
}
