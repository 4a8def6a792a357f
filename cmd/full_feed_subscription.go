/*
Copyright © 2026 quantfeed
*/
package cmd

import (
	"github.com/quantfeed/md-bridge/internal/bootstrap"
	"github.com/spf13/cobra"
)

// fullFeedSubscriptionCmd represents the full-feed-subscription command
var fullFeedSubscriptionCmd = &cobra.Command{
	Use:   "full-feed-subscription",
	Short: "Subscribe the filtered contract universe in batches",
	Long: `full-feed-subscription fetches the contract catalogue over the control
plane, filters it, and subscribes it in rate-limited batches. Every run
leaves JSON artifacts (batches, rejections, summary) in a timestamped
directory consumed by check-feed-health.`,
	Run: bootstrap.StartFullFeedSubscription,
}

func init() {
	rootCmd.AddCommand(fullFeedSubscriptionCmd)
	fullFeedSubscriptionCmd.Flags().StringSlice("include", nil, "glob patterns a symbol must match")
	fullFeedSubscriptionCmd.Flags().StringSlice("exclude", nil, "glob patterns that drop a symbol")
	fullFeedSubscriptionCmd.Flags().Int("limit", 0, "max symbols to process (0 = all)")
	fullFeedSubscriptionCmd.Flags().Int("batch-size", 50, "symbols per bulk subscribe request")
	fullFeedSubscriptionCmd.Flags().Int("max-retries", 3, "per-symbol retries after rate-limited rejections")
	fullFeedSubscriptionCmd.Flags().Duration("retry-delay", 0, "delay before requeueing rate-limited symbols")
	fullFeedSubscriptionCmd.Flags().String("output-dir", ".", "base directory for run artifacts")
	fullFeedSubscriptionCmd.Flags().Bool("dry-run", false, "filter and report without subscribing")
	fullFeedSubscriptionCmd.Flags().Bool("allow-ampersand", false, "process combination symbols containing &")
	fullFeedSubscriptionCmd.Flags().Duration("contracts-timeout", 0, "md.contracts.list timeout")
	fullFeedSubscriptionCmd.Flags().Duration("subscribe-timeout", 0, "md.subscribe.bulk timeout")
}
