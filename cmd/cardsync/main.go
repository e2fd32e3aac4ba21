// Command cardsync keeps premium entitlements in sync with Stripe
// subscriptions. It serves the webhook and billing endpoints and carries
// the operator commands that replace one-off repair scripts.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "cardsync",
	Short:         "Stripe subscription and premium entitlement reconciliation",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cardsync %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, reconcileCmd, grantCmd, revokeCmd, deadLettersCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
