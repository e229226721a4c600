// Package main provides the veo_agent command line: batch video generation
// through the Flow page, and the HTTP API in front of the same engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "veo_agent",
	Short: "Veo batch automation for the Flow page",
	Long:  "veo_agent drives a signed-in Chrome session through the Flow video tool: it submits each prompt of a batch, waits for the videos and downloads them as numbered files.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
