package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	redisAddr  string
	redisPass  string
	redisDB    int
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coderun",
		Short: "coderun - warm-pooled code execution dispatcher",
		Long:  "A session-oriented code execution dispatcher: warm sandbox pools, per-session state, and a dataplane HTTP API",
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		daemonCmd(),
		sessionsCmd(),
		execCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the coderun version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("coderun dev")
			return nil
		},
	}
}
