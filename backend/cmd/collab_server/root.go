package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "collab_server",
	Short: "Real-time collaborative document server",
	Long: `collab_server relays document edits between collaborators over websockets,
persists snapshots and keeps a per-document edit history.`,
	SilenceUsage: true,
}

// Execute 由 main 调用
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: collabConfig.yaml in ./backend/config, ./config or .)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}
