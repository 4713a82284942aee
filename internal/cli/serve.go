package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zrelay/zrelay/internal/bootstrap"
	log "github.com/zrelay/zrelay/internal/logging"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay server.

Loads configuration, initializes the credential pool and usage backend,
and serves the OpenAI-compatible API until interrupted.`,
	Run: runServe,
}

func runServe(c *cobra.Command, args []string) {
	path := cfgFile
	if path == "" {
		path = "config.yaml"
	}

	app, err := bootstrap.New(path, servePort)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	if err := app.Run(context.Background()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)
}
