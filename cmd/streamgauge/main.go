// Package main is the entry point for the streamgauge CLI.
//
// StreamGauge can be run either as a library (SDK) or as a standalone
// binary with YAML configuration. This CLI provides the standalone
// binary approach.
//
// Usage:
//
//	streamgauge run -c config.yaml      # Start the tracker
//	streamgauge validate -c config.yaml # Validate configuration
//	streamgauge version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "streamgauge",
	Short: "An adaptive USGS river gauge tracker",
	Long: `StreamGauge polls USGS river gauges on a learned schedule.

It figures out each gauge's update cadence and publication delay from
the observations themselves, polls just before new values are expected
to appear, and serves live status over a REST/SSE API.

Quick start:
  1. Create a config file (streamgauge.yaml)
  2. Run: streamgauge run -c streamgauge.yaml
  3. Query http://localhost:8080/api/status

Example config:
  port: 8080
  state_file: /var/lib/streamgauge/state.json
  sites:
    - id: middle-fork
      site_no: "14359000"
      thresholds:
        action: 12.0
        minor: 15.0`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this streamgauge binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("streamgauge %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
