// Sanduku — one managed sandbox container per user, driven from chat.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — per-user sandbox containers with chat and HTTP control.",
	Long: `Sanduku provisions one isolated Docker sandbox per user: a full Linux
environment with SSH credentials and a browser terminal reachable through an
ephemeral tunnel. Users drive their sandbox from Telegram; operators manage
the fleet over an authenticated HTTP API.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
