package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rangebook/config"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rangebook",
	Short: "Rangebook is a shooting log attestation service",
	Long: `Shooters log range sessions, supervisors sign them with certificates
issued by the club PKI, and anyone can verify a certificate by serial.

Configuration is read from --config and RANGEBOOK_* environment variables.`,
	SilenceUsage: true,
	Version:      Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
