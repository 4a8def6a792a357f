/*
Copyright © 2026 quantfeed
*/
package cmd

import (
	"github.com/quantfeed/md-bridge/internal/bootstrap"
	"github.com/spf13/cobra"
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the market data bridge",
	Long: `Ingest supervises the vendor gateway session, publishes every tick on
its market.tick.{exchange}.{symbol} subject, and serves the md.* control
plane over NATS request/reply.`,
	Run: bootstrap.StartIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
