// Package cli defines the zrelay command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	log "github.com/zrelay/zrelay/internal/logging"
)

var cfgFile string

// version is set at build time via -ldflags "-X ...internal/cli.version=v1.2.3".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "zrelay",
	Version: version,
	Short:   "OpenAI-compatible relay for the GLM chat API",
	Long: `zrelay exposes an OpenAI-compatible /v1/chat/completions endpoint and
relays requests to the GLM chat API: credential rotation, retry with
failover, thinking-phase reconciliation, and streaming tool calls.`,
	Run: func(c *cobra.Command, args []string) {
		// Bare invocation serves, matching how the binary is deployed.
		runServe(c, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default config.yaml)")
}

// Execute runs the command tree.
func Execute() {
	log.SetupBaseLogger()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
