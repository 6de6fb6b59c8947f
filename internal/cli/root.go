// Package cli implements the guardianctl command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	guardianID string
	password   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "guardianctl",
	Short: "guardianctl - onboard Fedimint guardians",
	Long: `guardianctl walks one or more Fedimint guardian servers through
federation setup: role choice, configuration, peer connection, distributed
key generation, hash verification and consensus start.

Guardians are read from $GUARDIANCTL_HOME/config.toml, or from FM_CONFIG_API
when no config file lists any.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&guardianID, "guardian", "g", "", "Guardian id (optional with a single guardian)")
	rootCmd.PersistentFlags().StringVar(&password, "password", os.Getenv("FM_GUARDIAN_PASSWORD"), "Guardian password (default $FM_GUARDIAN_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $GUARDIANCTL_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
