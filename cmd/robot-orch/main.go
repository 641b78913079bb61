package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/robot-orchestrator/internal/config"
)

var (
	configPath string
	serverURL  string
	apiSecret  string
	rootCmd    = &cobra.Command{
		Use:   "robot-orch",
		Short: "Robot Orchestrator - control plane for a fleet of automation robots",
		Long: `Robot Orchestrator accepts workflow jobs, dispatches them to connected
robots over WebSocket, tracks their lifecycle and keeps failed jobs in a
dead letter queue for inspection and retry.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "coordinator base URL")
	rootCmd.PersistentFlags().StringVar(&apiSecret, "secret", os.Getenv("ROBOT_ORCH_ADMIN_SECRET"), "admin API secret")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
