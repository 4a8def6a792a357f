package health

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantfeed/md-bridge/internal/entity"
)

// Evaluate builds a health report from the expected catalogue and the
// actually-active records. Ignored symbols (previously rejected by the
// vendor) are removed from the expected set before coverage is computed.
func Evaluate(expected []string, records []entity.SubscriptionRecord, cfg EvaluationConfig, ignored []string) Report {
	return evaluateAt(expected, records, cfg, ignored, time.Now().In(entity.ExchangeTZ))
}

func evaluateAt(expected []string, records []entity.SubscriptionRecord, cfg EvaluationConfig, ignored []string, now time.Time) Report {
	ignoredSet := make(map[string]struct{}, len(ignored))
	for _, symbol := range ignored {
		symbol = strings.TrimSpace(symbol)
		if symbol != "" {
			ignoredSet[symbol] = struct{}{}
		}
	}

	expectedSet := make(map[string]struct{}, len(expected))
	ignoredHits := []string{}
	for _, symbol := range expected {
		if _, skip := ignoredSet[symbol]; skip {
			ignoredHits = append(ignoredHits, symbol)
			continue
		}
		expectedSet[symbol] = struct{}{}
	}
	sort.Strings(ignoredHits)

	activeSet := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record.Active {
			activeSet[record.VTSymbol()] = struct{}{}
		}
	}

	matched := 0
	missing := []string{}
	for symbol := range expectedSet {
		if _, ok := activeSet[symbol]; ok {
			matched++
		} else {
			missing = append(missing, symbol)
		}
	}
	unexpected := []string{}
	for symbol := range activeSet {
		if _, ok := expectedSet[symbol]; !ok {
			unexpected = append(unexpected, symbol)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	coverage := 1.0
	if len(expectedSet) > 0 {
		coverage = float64(matched) / float64(len(expectedSet))
	}

	stalled := []StalledContract{}
	criticalCount := 0
	warningCount := 0
	for _, record := range records {
		entry, ok := classifyStalled(record, now, cfg)
		if !ok {
			continue
		}
		stalled = append(stalled, entry)
		if entry.Severity == SeverityCritical {
			criticalCount++
		} else {
			warningCount++
		}
	}

	errors := []string{}
	warnings := []string{}
	if coverage < cfg.CoverageThreshold {
		errors = append(errors, fmt.Sprintf("coverage ratio %.6f below threshold %.3f", coverage, cfg.CoverageThreshold))
	}
	if len(missing) > 0 {
		errors = append(errors, fmt.Sprintf("missing %d contracts", len(missing)))
	}
	if criticalCount > 0 {
		errors = append(errors, fmt.Sprintf("detected %d critical stalled streams", criticalCount))
	}
	if warningCount > 0 {
		warnings = append(warnings, fmt.Sprintf("detected %d stalled streams (warning)", warningCount))
	}
	if len(unexpected) > 0 {
		warnings = append(warnings, fmt.Sprintf("unexpected active contracts: %d", len(unexpected)))
	}

	exitCode := ExitSuccess
	if len(errors) > 0 {
		exitCode = ExitError
	} else if len(warnings) > 0 {
		exitCode = ExitWarning
	}

	return Report{
		GeneratedAt:         now,
		CoverageRatio:       coverage,
		ExpectedTotal:       len(expectedSet),
		ActiveTotal:         len(activeSet),
		MatchedTotal:        matched,
		IgnoredSymbols:      ignoredHits,
		MissingContracts:    missing,
		UnexpectedContracts: unexpected,
		StalledContracts:    stalled,
		Warnings:            warnings,
		Errors:              errors,
		ExitCode:            exitCode,
		Mode:                cfg.Mode,
		Metadata:            map[string]any{},
	}
}
