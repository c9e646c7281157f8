package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/lola/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lola",
	Short: "LoLa - zero-copy shared-memory pub/sub transport",
	Long: `lola runs and inspects LoLa service instances: skeletons that offer
shared-memory event data, and proxies that discover and consume it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lola version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("mount", "/dev/shm", "Shared-memory mount point")
	rootCmd.PersistentFlags().String("state-dir", "/var/run/lola", "Partial-restart state directory")
	rootCmd.PersistentFlags().String("discovery-root", "/tmp/lola-discovery", "Flag-file discovery root")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(offerCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(inspectCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
