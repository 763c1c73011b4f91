package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakster/mongodb-queue/internal/cmd/client"
	serverrun "github.com/mistakster/mongodb-queue/internal/cmd/server"
	"github.com/mistakster/mongodb-queue/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mq",
		Short: "Durable work queue with visibility-timeout leases",
		Long: "mq is a message queue server with pluggable storage (pebble, mongo, redis, postgres)\n" +
			"and a client CLI for the common queue operations.",
	}

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(client.NewRoot())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}

	var (
		configPath string
		httpAddr   string
		backendEng string
		dataDir    string
		fsync      string
		logLevel   string
		visibility string
	)
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the queue server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("backend") {
				cfg.Backend = backendEng
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.Flags().Changed("fsync") {
				cfg.Fsync = fsync
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("visibility") {
				var d config.Duration
				if err := d.UnmarshalText([]byte(visibility)); err != nil {
					return fmt.Errorf("invalid --visibility: %w", err)
				}
				cfg.VisibilityTimeout = d
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serverrun.Run(cmd.Context(), serverrun.Options{Config: cfg})
		},
	}
	startCmd.Flags().StringVar(&configPath, "config", "", "path to a JSON config file")
	startCmd.Flags().StringVar(&httpAddr, "http", ":8380", "HTTP listen address")
	startCmd.Flags().StringVar(&backendEng, "backend", config.BackendPebble, "storage backend: pebble|mongo|redis|postgres")
	startCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the pebble backend")
	startCmd.Flags().StringVar(&fsync, "fsync", "interval", "pebble fsync mode: always|interval|never")
	startCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	startCmd.Flags().StringVar(&visibility, "visibility", "", "default visibility timeout, e.g. 30s")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}
