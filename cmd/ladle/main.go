package main

import (
	"os"

	"github.com/spf13/cobra"
)

const fallbackConfigPath = "./ladle.yaml"

var (
	version = "dev"
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:     "ladle",
	Short:   "ICAP content adaptation server driven by scripts",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration file (env LADLE_CONFIG)")
}

// configPath resolves the flag, then LADLE_CONFIG, then the default file.
func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}

	if p := os.Getenv("LADLE_CONFIG"); p != "" {
		return p
	}

	return fallbackConfigPath
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
