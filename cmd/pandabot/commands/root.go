// Package commands implements the pandabot CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pandabot",
		Short: "pandabot - AI assistant bots for Telegram and Discord",
		Long: `pandabot runs AI assistant bots on Telegram and Discord. Each bot talks to
an AI backend (Anthropic API or the Claude Code CLI), can use tools
(filesystem, shell, web browsing, scheduling) and keeps per-chat history.

Examples:
  pandabot setup
  pandabot serve
  pandabot chat --bot helper
  pandabot schedule list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newScheduleCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
