// Package health compares the expected contract set against what is
// actually flowing, classifies staleness, and optionally self-heals by
// re-subscribing through the control plane.
package health

import (
	"time"

	"github.com/guregu/null/v6"
	"github.com/quantfeed/md-bridge/internal/controlplane"
	"github.com/quantfeed/md-bridge/internal/entity"
)

const (
	ExitSuccess = 0
	ExitWarning = 1
	ExitError   = 2
)

const (
	ModeDryRun  = "dry-run"
	ModeEnforce = "enforce"
	ModeAudit   = "audit"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type EvaluationConfig struct {
	CoverageThreshold float64
	WarningLag        time.Duration
	CriticalLag       time.Duration
	Mode              string
}

// StalledContract is an active stream that stopped ticking. LagSeconds is
// null when the stream was never observed at all.
type StalledContract struct {
	Symbol         string     `json:"symbol"`
	SubscriptionID string     `json:"subscription_id"`
	LastTickAt     null.Time  `json:"last_tick_at"`
	LagSeconds     null.Float `json:"lag_seconds"`
	Severity       Severity   `json:"severity"`
}

type RemediationResult struct {
	Attempted       bool                          `json:"attempted"`
	Resubscribed    []string                      `json:"resubscribed"`
	Failed          []controlplane.RejectedSymbol `json:"failed"`
	RateLimitEvents int                           `json:"rate_limit_events"`
	Retries         int                           `json:"retries"`
	Escalated       bool                          `json:"escalated"`
}

func (r RemediationResult) Succeeded() bool {
	return r.Attempted && len(r.Failed) == 0
}

type Report struct {
	GeneratedAt         time.Time          `json:"generated_at"`
	CoverageRatio       float64            `json:"coverage_ratio"`
	ExpectedTotal       int                `json:"expected_total"`
	ActiveTotal         int                `json:"active_total"`
	MatchedTotal        int                `json:"matched_total"`
	IgnoredSymbols      []string           `json:"ignored_symbols"`
	MissingContracts    []string           `json:"missing_contracts"`
	UnexpectedContracts []string           `json:"unexpected_contracts"`
	StalledContracts    []StalledContract  `json:"stalled_contracts"`
	Warnings            []string           `json:"warnings"`
	Errors              []string           `json:"errors"`
	ExitCode            int                `json:"exit_code"`
	Mode                string             `json:"mode"`
	Metadata            map[string]any     `json:"metadata"`
	Remediation         *RemediationResult `json:"remediation,omitempty"`
}

func classifyStalled(record entity.SubscriptionRecord, now time.Time, cfg EvaluationConfig) (StalledContract, bool) {
	if !record.Active {
		return StalledContract{}, false
	}

	if !record.LastTickAt.Valid {
		return StalledContract{
			Symbol:         record.VTSymbol(),
			SubscriptionID: record.SubscriptionID,
			Severity:       SeverityCritical,
		}, true
	}

	lag := now.Sub(record.LastTickAt.Time)
	if lag < 0 {
		lag = 0
	}

	var severity Severity
	switch {
	case lag >= cfg.CriticalLag:
		severity = SeverityCritical
	case lag >= cfg.WarningLag:
		severity = SeverityWarning
	default:
		return StalledContract{}, false
	}

	return StalledContract{
		Symbol:         record.VTSymbol(),
		SubscriptionID: record.SubscriptionID,
		LastTickAt:     record.LastTickAt,
		LagSeconds:     null.FloatFrom(lag.Seconds()),
		Severity:       severity,
	}, true
}
