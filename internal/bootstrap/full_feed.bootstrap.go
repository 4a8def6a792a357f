package bootstrap

import (
	"os"
	"time"

	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/infrastructure"
	"github.com/quantfeed/md-bridge/internal/operations"
	"github.com/quantfeed/md-bridge/internal/ratelimit"
	"github.com/quantfeed/md-bridge/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// StartFullFeedSubscription subscribes the filtered contract universe in
// rate-limited batches and leaves artifacts for the health check.
func StartFullFeedSubscription(cmd *cobra.Command, args []string) {
	include, _ := cmd.Flags().GetStringSlice("include")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	limit, _ := cmd.Flags().GetInt("limit")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	retryDelay, _ := cmd.Flags().GetDuration("retry-delay")
	outputDir, _ := cmd.Flags().GetString("output-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	allowAmpersand, _ := cmd.Flags().GetBool("allow-ampersand")
	contractsTimeout, _ := cmd.Flags().GetDuration("contracts-timeout")
	subscribeTimeout, _ := cmd.Flags().GetDuration("subscribe-timeout")

	nc, err := infrastructure.NewNatsConnection(config.Env.Nats)
	util.ContinueOrFatal(err)

	limiter := ratelimit.NewLimiter(config.Env.RateLimit.MaxPerWindow, config.Env.RateLimit.Window)
	workflow := operations.NewWorkflow(func(subject string, payload any, timeout time.Duration, out any) error {
		return util.RequestJSON(nc, subject, payload, timeout, out)
	}, limiter)

	summary, err := workflow.Run(cmd.Context(), operations.Options{
		Include:             include,
		Exclude:             exclude,
		Limit:               limit,
		AllowAmpersand:      allowAmpersand,
		BatchSize:           batchSize,
		MaxRetries:          maxRetries,
		RateLimitRetryDelay: retryDelay,
		DryRun:              dryRun,
		OutputBase:          outputDir,
		ContractsTimeout:    contractsTimeout,
		SubscribeTimeout:    subscribeTimeout,
	})
	exitCode := 0
	if err != nil {
		logrus.Errorf("full feed subscription failed: %v", err)
		exitCode = 1
	} else if len(summary.RejectedItems) > 0 {
		exitCode = 1
	}

	if err := infrastructure.CloseNats(nc); err != nil {
		logrus.Warnf("nats close failed: %v", err)
	}
	os.Exit(exitCode)
}
