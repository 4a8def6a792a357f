package bootstrap

import (
	"os"
	"time"

	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/health"
	"github.com/quantfeed/md-bridge/internal/infrastructure"
	"github.com/quantfeed/md-bridge/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// StartCheckFeedHealth evaluates feed coverage and staleness, remediates in
// enforce mode, and exits with the evaluation's exit code.
func StartCheckFeedHealth(cmd *cobra.Command, args []string) {
	mode, _ := cmd.Flags().GetString("mode")
	cataloguePath, _ := cmd.Flags().GetString("catalogue")
	catalogueFormat, _ := cmd.Flags().GetString("catalogue-format")
	activeFile, _ := cmd.Flags().GetString("active-file")
	outDir, _ := cmd.Flags().GetString("out-dir")
	contractsTimeout, _ := cmd.Flags().GetDuration("contracts-timeout")
	activeTimeout, _ := cmd.Flags().GetDuration("active-timeout")
	subscribeTimeout, _ := cmd.Flags().GetDuration("subscribe-timeout")

	nc, err := infrastructure.NewNatsConnection(config.Env.Nats)
	util.ContinueOrFatal(err)

	engine := health.NewEngine(config.Env.Health, func(subject string, payload any, timeout time.Duration, out any) error {
		return util.RequestJSON(nc, subject, payload, timeout, out)
	})

	report, err := engine.Run(cmd.Context(), health.RunOptions{
		Mode:             mode,
		CataloguePath:    cataloguePath,
		CatalogueFormat:  catalogueFormat,
		ActiveFile:       activeFile,
		OutDir:           outDir,
		ContractsTimeout: contractsTimeout,
		ActiveTimeout:    activeTimeout,
		SubscribeTimeout: subscribeTimeout,
	})
	exitCode := health.ExitError
	if err != nil {
		logrus.Errorf("feed health check failed: %v", err)
	} else {
		exitCode = report.ExitCode
	}

	if err := infrastructure.CloseNats(nc); err != nil {
		logrus.Warnf("nats close failed: %v", err)
	}
	os.Exit(exitCode)
}
