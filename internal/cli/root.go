package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/ClawScope/ClawScope/internal/cli.version=1.2.3"
	version = "1.4.0"
	logo    = "\n" +
		"   ____ _                 ____\n" +
		"  / ___| | __ ___      __/ ___|  ___ ___  _ __   ___\n" +
		" | |   | |/ _` \\ \\ /\\ / /\\___ \\ / __/ _ \\| '_ \\ / _ \\\n" +
		" | |___| | (_| |\\ V  V /  ___) | (_| (_) | |_) |  __/\n" +
		"  \\____|_|\\__,_| \\_/\\_/  |____/ \\___\\___/| .__/ \\___|\n" +
		"                                         |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "clawscope",
	Short: "ClawScope - AI coding agent observability",
	Long:  color.CyanString(logo) + "\nEvent ingestion, live fanout, and human-in-the-loop routing for AI coding agents.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
