package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/tcpfollow/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate the configuration file given by --config without capturing.

Examples:
  tcpfollow validate -c tcpfollow.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "INVALID: %v\n", err)
			exitWithError("validation failed", nil)
		}
		printSummary(cmd.OutOrStdout(), cfg)
	},
}

func printSummary(w io.Writer, cfg *config.Config) {
	capture := "none"
	switch cfg.Capture.Type {
	case "file":
		capture = "file " + cfg.Capture.Path
	case "afpacket":
		capture = "afpacket " + cfg.Capture.Interface
	}
	fmt.Fprintf(w, "VALID: capture=%s output=%s shards=%d mid-stream=%t\n",
		capture, cfg.Output.Type, cfg.Pipeline.Shards, cfg.Reassembly.TrackMidStream)
}
