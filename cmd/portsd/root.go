package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/ports/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portsd",
	Short: "portsd runs nodes that exchange messages through ports.",
	Long: `portsd runs nodes that exchange messages through ports. ` +
		`Settings come from .env files and PORTS_* environment variables; ` +
		`flags override both.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringSlice("env", nil,
		".env files to load, ./.env when present by default")
	rootCmd.PersistentFlags().String("log-level", "",
		"log level: debug, info, warn or error")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	files, _ := cmd.Flags().GetStringSlice("env")

	c, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		c = c.WithLogLevel(level)
	}

	return c, nil
}
