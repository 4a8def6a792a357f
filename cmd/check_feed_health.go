/*
Copyright © 2026 quantfeed
*/
package cmd

import (
	"github.com/quantfeed/md-bridge/internal/bootstrap"
	"github.com/spf13/cobra"
)

// checkFeedHealthCmd represents the check-feed-health command
var checkFeedHealthCmd = &cobra.Command{
	Use:   "check-feed-health",
	Short: "Evaluate feed coverage and staleness",
	Long: `check-feed-health compares the expected contract universe against the
active subscriptions, classifies stalled tick streams, and in enforce mode
re-subscribes the gaps. Exit code is 0 (healthy), 1 (warning) or 2 (error).`,
	Run: bootstrap.StartCheckFeedHealth,
}

func init() {
	rootCmd.AddCommand(checkFeedHealthCmd)
	checkFeedHealthCmd.Flags().String("mode", "dry-run", "dry-run|enforce|audit")
	checkFeedHealthCmd.Flags().String("catalogue", "", "expected contracts file (default: md.contracts.list RPC)")
	checkFeedHealthCmd.Flags().String("catalogue-format", "", "catalogue file format json|csv (default: by extension)")
	checkFeedHealthCmd.Flags().String("active-file", "", "active subscriptions file (default: md.subscriptions.active RPC)")
	checkFeedHealthCmd.Flags().String("out-dir", "", "artifact directory for audit mode")
	checkFeedHealthCmd.Flags().Duration("contracts-timeout", 0, "md.contracts.list timeout")
	checkFeedHealthCmd.Flags().Duration("active-timeout", 0, "md.subscriptions.active timeout")
	checkFeedHealthCmd.Flags().Duration("subscribe-timeout", 0, "md.subscribe.bulk timeout")
}
