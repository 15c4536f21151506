package main

import (
	"fmt"
	"os"

	"github.com/partimap/bg2/internal/config"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bg2",
	Short: "BG2: Partimap auth and session service",
	Long:  "BG2 owns sign-in, session bootstrap, profile caching, permission resolution and the activity log for Partimap.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFiles(".env")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults and BG2_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
