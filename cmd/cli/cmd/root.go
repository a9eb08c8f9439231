package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "losoctl",
	Short: "losocloud CLI - Manage workers and products from the command line",
	Long: `losocloud CLI (losoctl) is a command-line tool for operating a losocloud
control plane.

It provides commands to register and manage provisioning workers, maintain
the product catalog, and trigger session cleanup.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("LOSOCLOUD_API_URL", "http://localhost:8080"), "losocloud API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("LOSOCLOUD_ADMIN_API_KEY"), "losocloud admin API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set LOSOCLOUD_ADMIN_API_KEY environment variable or use --api-key flag")
	}
	return nil
}
