package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/controlplane"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultContractsTimeout = 5 * time.Second
	defaultActiveTimeout    = 5 * time.Second
	defaultSubscribeTimeout = 8 * time.Second
)

// Requester performs a request/reply round trip on the bus, decoding the
// response into out. Wraps util.RequestJSON in production, faked in tests.
type Requester func(subject string, payload any, timeout time.Duration, out any) error

type RunOptions struct {
	Mode             string
	CataloguePath    string
	CatalogueFormat  string
	ActiveFile       string
	OutDir           string
	ContractsTimeout time.Duration
	ActiveTimeout    time.Duration
	SubscribeTimeout time.Duration
}

// Engine drives one health-check run: load, evaluate, remediate, escalate.
type Engine struct {
	cfg     config.HealthConfig
	request Requester
	now     func() time.Time
}

func NewEngine(cfg config.HealthConfig, request Requester) *Engine {
	return &Engine{
		cfg:     cfg,
		request: request,
		now:     func() time.Time { return time.Now().In(entity.ExchangeTZ) },
	}
}

// WithClock overrides the evaluation clock, for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Run(ctx context.Context, opts RunOptions) (Report, error) {
	expected, expectedMeta, err := e.loadExpected(opts)
	if err != nil {
		return Report{}, err
	}
	records, activeMeta, err := e.loadActive(opts)
	if err != nil {
		return Report{}, err
	}

	evalCfg := EvaluationConfig{
		CoverageThreshold: e.cfg.CoverageThreshold,
		WarningLag:        e.cfg.WarningLag,
		CriticalLag:       e.cfg.CriticalLag,
		Mode:              opts.Mode,
	}
	ignored := LoadIgnoredSymbols(e.cfg.SummaryRoot)

	report := evaluateAt(expected, records, evalCfg, ignored, e.now())
	report.Metadata["expected_source"] = expectedMeta
	report.Metadata["active_source"] = activeMeta
	report.Metadata["ignored_count"] = len(ignored)

	if opts.Mode == ModeEnforce && report.ExitCode == ExitError {
		report = e.remediateLoop(ctx, report, expected, evalCfg, ignored, opts)
	}

	if opts.Mode == ModeAudit && opts.OutDir != "" {
		if err := WriteArtifacts(report, opts.OutDir); err != nil {
			logrus.Warnf("health artifacts not written: %v", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"exit_code": report.ExitCode,
		"coverage":  report.CoverageRatio,
		"missing":   len(report.MissingContracts),
		"stalled":   len(report.StalledContracts),
	}).Info("health report emitted")
	return report, nil
}

func (e *Engine) remediateLoop(ctx context.Context, report Report, expected []string, evalCfg EvaluationConfig, ignored []string, opts RunOptions) Report {
	maxAttempts := e.cfg.MaxRemediationAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var remediation *RemediationResult
	attempts := 0
	for report.ExitCode == ExitError && attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			break
		}
		attempts++

		result := e.remediateOnce(report, attempts, maxAttempts, opts)
		remediation = &result

		records, activeMeta, err := e.loadActive(opts)
		if err != nil {
			logrus.Warnf("active snapshot reload failed: %v", err)
			break
		}
		report = evaluateAt(expected, records, evalCfg, ignored, e.now())
		report.Metadata["active_source"] = activeMeta
		report.Metadata["remediation_attempts"] = attempts
		report.Remediation = remediation
	}

	if attempts > 0 && report.ExitCode != ExitError {
		report.Metadata["remediated"] = true
	}
	if report.ExitCode == ExitError {
		e.escalate(&report, attempts, remediation)
	}
	return report
}

// remediateOnce issues one bulk re-subscribe for everything missing or
// critically stalled.
func (e *Engine) remediateOnce(report Report, attempt, maxAttempts int, opts RunOptions) RemediationResult {
	result := RemediationResult{
		Attempted:    true,
		Resubscribed: []string{},
		Failed:       []controlplane.RejectedSymbol{},
		Retries:      attempt,
	}

	targets := make(map[string]struct{}, len(report.MissingContracts))
	for _, symbol := range report.MissingContracts {
		targets[symbol] = struct{}{}
	}
	for _, entry := range report.StalledContracts {
		if entry.Severity == SeverityCritical {
			targets[entry.Symbol] = struct{}{}
		}
	}
	if len(targets) == 0 {
		logrus.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		}).Info("remediation skipped: nothing to resubscribe")
		return result
	}

	batch := make([]string, 0, len(targets))
	for symbol := range targets {
		batch = append(batch, symbol)
	}
	sort.Strings(batch)

	logrus.WithFields(logrus.Fields{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"total":        len(batch),
	}).Info("remediation attempt")

	timeout := opts.SubscribeTimeout
	if timeout <= 0 {
		timeout = defaultSubscribeTimeout
	}

	var resp controlplane.SubscribeBulkResponse
	if err := e.request(constant.SubscribeBulkSubject, controlplane.SubscribeBulkRequest{Symbols: batch}, timeout, &resp); err != nil {
		logrus.Errorf("remediation bulk subscribe failed: %v", err)
		for _, symbol := range batch {
			result.Failed = append(result.Failed, controlplane.RejectedSymbol{Symbol: symbol, Reason: err.Error()})
		}
		return result
	}

	result.Resubscribed = append(result.Resubscribed, resp.Accepted...)
	result.Failed = append(result.Failed, resp.Rejected...)
	for _, rejection := range resp.Rejected {
		if strings.Contains(strings.ToLower(rejection.Reason), "rate limit") {
			result.RateLimitEvents++
		}
	}

	logrus.WithFields(logrus.Fields{
		"attempt":           attempt,
		"accepted":          len(resp.Accepted),
		"rejected":          len(resp.Rejected),
		"rate_limit_events": result.RateLimitEvents,
	}).Info("remediation result")
	return result
}

func (e *Engine) escalate(report *Report, attempts int, remediation *RemediationResult) {
	marker := e.cfg.EscalationMarker
	if marker == "" {
		marker = "subscription_health_escalation"
	}

	logrus.WithFields(logrus.Fields{
		"marker":    marker,
		"attempts":  attempts,
		"exit_code": report.ExitCode,
		"missing":   len(report.MissingContracts),
		"stalled":   len(report.StalledContracts),
	}).Error("health check escalation")

	report.Metadata["escalated"] = true
	report.Metadata["escalation_marker"] = marker
	if remediation != nil {
		remediation.Escalated = true
	}

	if e.cfg.EscalationCommand == "" {
		return
	}

	formatted := strings.NewReplacer(
		"{marker}", marker,
		"{exit_code}", strconv.Itoa(report.ExitCode),
	).Replace(e.cfg.EscalationCommand)

	parts := strings.Fields(formatted)
	if len(parts) == 0 {
		return
	}

	output, err := exec.Command(parts[0], parts[1:]...).CombinedOutput()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"marker":  marker,
			"command": formatted,
		}).Errorf("escalation command error: %v", err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"marker":  marker,
		"command": formatted,
		"output":  strings.TrimSpace(string(output)),
	}).Info("escalation command executed")
}

func (e *Engine) loadExpected(opts RunOptions) ([]string, string, error) {
	if opts.CataloguePath != "" {
		symbols, err := LoadCatalogueFile(opts.CataloguePath, opts.CatalogueFormat)
		if err != nil {
			return nil, "", err
		}
		logrus.WithFields(logrus.Fields{
			"source": "file",
			"path":   opts.CataloguePath,
			"total":  len(symbols),
		}).Info("catalogue loaded")
		return symbols, "file:" + opts.CataloguePath, nil
	}

	if e.request == nil {
		return nil, "", fmt.Errorf("no catalogue file and no bus requester configured")
	}

	timeout := opts.ContractsTimeout
	if timeout <= 0 {
		timeout = defaultContractsTimeout
	}
	var resp controlplane.ContractsListResponse
	if err := e.request(constant.ContractsListSubject, controlplane.ContractsListRequest{TimeoutS: timeout.Seconds()}, timeout+5*time.Second, &resp); err != nil {
		return nil, "", fmt.Errorf("load expected contracts: %w", err)
	}
	symbols := dedupeSymbols(resp.Symbols)
	logrus.WithFields(logrus.Fields{
		"source": resp.Source,
		"total":  len(symbols),
	}).Info("catalogue loaded")
	return symbols, resp.Source, nil
}

func (e *Engine) loadActive(opts RunOptions) ([]entity.SubscriptionRecord, string, error) {
	if opts.ActiveFile != "" {
		raw, err := os.ReadFile(opts.ActiveFile)
		if err != nil {
			return nil, "", fmt.Errorf("read active snapshot %s: %w", opts.ActiveFile, err)
		}
		var snapshot controlplane.SubscriptionsActiveResponse
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return nil, "", fmt.Errorf("parse active snapshot %s: %w", opts.ActiveFile, err)
		}
		return snapshot.Subscriptions, "file:" + opts.ActiveFile, nil
	}

	if e.request == nil {
		return nil, "", fmt.Errorf("no active snapshot file and no bus requester configured")
	}

	timeout := opts.ActiveTimeout
	if timeout <= 0 {
		timeout = defaultActiveTimeout
	}
	var resp controlplane.SubscriptionsActiveResponse
	if err := e.request(constant.SubscriptionsActiveSubject, controlplane.SubscriptionsActiveRequest{}, timeout, &resp); err != nil {
		return nil, "", fmt.Errorf("load active subscriptions: %w", err)
	}
	return resp.Subscriptions, resp.Source, nil
}
