package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet - task distribution for coding agents",
	Long:  `Fleet coordinates a pool of coding agent workers: a daemon owns the task queue, workers claim and execute tasks against the codebases they host, and the ralph loop drives whole requirement documents story by story.`,
}

var apiAddr string

func init() {
	// local overrides, ignored when absent
	godotenv.Load()

	defaultAPI := os.Getenv("FLEET_API")
	if defaultAPI == "" {
		defaultAPI = "http://127.0.0.1:7466"
	}
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPI, "API server address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(codebaseCmd)
	rootCmd.AddCommand(ralphCmd)
	rootCmd.AddCommand(monitorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
