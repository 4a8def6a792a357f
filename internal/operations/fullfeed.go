// Package operations hosts the bulk subscription workflow driven over the
// control plane: fetch the catalogue, filter it, and subscribe in
// rate-limited batches with artifacts for later audits.
package operations

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/controlplane"
	"github.com/quantfeed/md-bridge/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

const (
	defaultBatchSize        = 50
	defaultContractsTimeout = 5 * time.Second
	defaultSubscribeTimeout = 8 * time.Second
)

// Requester performs a request/reply round trip on the bus.
type Requester func(subject string, payload any, timeout time.Duration, out any) error

type Options struct {
	Include             []string
	Exclude             []string
	Limit               int
	AllowAmpersand      bool
	BatchSize           int
	MaxRetries          int
	RateLimitRetryDelay time.Duration
	DryRun              bool
	OutputBase          string
	ContractsTimeout    time.Duration
	SubscribeTimeout    time.Duration
}

type Rejection struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Note   string `json:"note,omitempty"`
}

type BatchResult struct {
	Index     int                           `json:"index"`
	Requested []string                      `json:"requested"`
	Accepted  []string                      `json:"accepted"`
	Rejected  []controlplane.RejectedSymbol `json:"rejected"`
	Duration  float64                       `json:"duration_seconds"`
	Ts        string                        `json:"ts"`
}

// Summary is the workflow artifact consumed by the feed health check: its
// rejected_items become the next run's ignored symbols.
type Summary struct {
	ContractsSource  string        `json:"contracts_source"`
	OutputDir        string        `json:"output_dir"`
	TotalSymbols     int           `json:"total_symbols"`
	ProcessedSymbols []string      `json:"processed_symbols"`
	SkippedSymbols   []string      `json:"skipped_symbols"`
	AcceptedSymbols  []string      `json:"accepted_symbols"`
	RejectedItems    []Rejection   `json:"rejected_items"`
	Batches          []BatchResult `json:"batches"`
	RateLimitHits    int           `json:"rate_limit_hits"`
}

// Workflow orchestrates one full-feed subscription run.
type Workflow struct {
	request Requester
	limiter *ratelimit.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewWorkflow(request Requester, limiter *ratelimit.Limiter) *Workflow {
	return &Workflow{
		request: request,
		limiter: limiter,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// WithSleep overrides the rate-limit retry delay sleep, for tests.
func (w *Workflow) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Workflow {
	w.sleep = sleep
	return w
}

func (w *Workflow) Run(ctx context.Context, opts Options) (*Summary, error) {
	outDir, err := ensureOutputDir(opts.OutputBase)
	if err != nil {
		return nil, err
	}
	logrus.WithField("output_dir", outDir).Info("full-feed run started")

	contractsTimeout := opts.ContractsTimeout
	if contractsTimeout <= 0 {
		contractsTimeout = defaultContractsTimeout
	}
	var contracts controlplane.ContractsListResponse
	if err := w.request(constant.ContractsListSubject, controlplane.ContractsListRequest{TimeoutS: contractsTimeout.Seconds()}, contractsTimeout+5*time.Second, &contracts); err != nil {
		return nil, fmt.Errorf("fetch contracts: %w", err)
	}

	filtered, skipped := FilterSymbols(contracts.Symbols, opts)
	logrus.WithFields(logrus.Fields{
		"retrieved": len(contracts.Symbols),
		"filtered":  len(filtered),
		"skipped":   len(skipped),
	}).Info("contracts filtered")

	if err := writeJSON(filepath.Join(outDir, "contracts.json"), contracts); err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		if err := writeJSON(filepath.Join(outDir, "skipped_ampersand.json"), skipped); err != nil {
			return nil, err
		}
	}

	summary := &Summary{
		ContractsSource:  contracts.Source,
		OutputDir:        outDir,
		TotalSymbols:     len(filtered),
		ProcessedSymbols: filtered,
		SkippedSymbols:   skipped,
		AcceptedSymbols:  []string{},
		RejectedItems:    []Rejection{},
		Batches:          []BatchResult{},
	}

	if opts.DryRun || len(filtered) == 0 {
		logrus.Info("dry run or nothing to process")
		return summary, writeJSON(filepath.Join(outDir, "summary.json"), summary)
	}

	if err := w.subscribeAll(ctx, summary, filtered, outDir, opts); err != nil {
		return nil, err
	}

	if len(summary.RejectedItems) > 0 {
		if err := writeJSON(filepath.Join(outDir, "rejections.json"), summary.RejectedItems); err != nil {
			return nil, err
		}
	}
	if err := writeJSON(filepath.Join(outDir, "summary.json"), summary); err != nil {
		return nil, err
	}

	coverage := 0.0
	if summary.TotalSymbols > 0 {
		coverage = float64(len(summary.AcceptedSymbols)) / float64(summary.TotalSymbols)
	}
	logrus.WithFields(logrus.Fields{
		"accepted":        len(summary.AcceptedSymbols),
		"rejected":        len(summary.RejectedItems),
		"coverage_ratio":  coverage,
		"rate_limit_hits": summary.RateLimitHits,
	}).Info("full-feed run finished")
	return summary, nil
}

func (w *Workflow) subscribeAll(ctx context.Context, summary *Summary, symbols []string, outDir string, opts Options) error {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	subscribeTimeout := opts.SubscribeTimeout
	if subscribeTimeout <= 0 {
		subscribeTimeout = defaultSubscribeTimeout
	}

	pending := append([]string(nil), symbols...)
	acceptedSet := make(map[string]struct{})
	retryCounts := make(map[string]int)
	batchIndex := 0

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		take := batchSize
		if take > len(pending) {
			take = len(pending)
		}
		batch := pending[:take]
		pending = pending[take:]

		if w.limiter != nil && w.limiter.Enabled() {
			if err := w.limiter.Acquire(ctx, len(batch)); err != nil {
				return err
			}
		}

		start := time.Now()
		var resp controlplane.SubscribeBulkResponse
		if err := w.request(constant.SubscribeBulkSubject, controlplane.SubscribeBulkRequest{Symbols: batch}, subscribeTimeout, &resp); err != nil {
			return fmt.Errorf("bulk subscribe: %w", err)
		}

		// Give back the slots the control plane refused.
		if w.limiter != nil && w.limiter.Enabled() {
			w.limiter.Release(len(batch) - len(resp.Accepted))
		}

		batchIndex++
		result := BatchResult{
			Index:     batchIndex,
			Requested: batch,
			Accepted:  resp.Accepted,
			Rejected:  resp.Rejected,
			Duration:  time.Since(start).Seconds(),
			Ts:        time.Now().Format("2006-01-02T15:04:05"),
		}
		summary.Batches = append(summary.Batches, result)
		if err := writeJSON(filepath.Join(outDir, fmt.Sprintf("batch-%03d.json", batchIndex)), result); err != nil {
			return err
		}

		for _, symbol := range resp.Accepted {
			if _, dup := acceptedSet[symbol]; !dup {
				acceptedSet[symbol] = struct{}{}
				summary.AcceptedSymbols = append(summary.AcceptedSymbols, symbol)
			}
		}

		var rateLimited []string
		for _, rejection := range resp.Rejected {
			if rejection.Symbol != "" && strings.Contains(strings.ToLower(rejection.Reason), "rate limit") {
				retryCounts[rejection.Symbol]++
				if opts.MaxRetries <= 0 || retryCounts[rejection.Symbol] <= opts.MaxRetries {
					rateLimited = append(rateLimited, rejection.Symbol)
					continue
				}
				summary.RejectedItems = append(summary.RejectedItems, Rejection{
					Symbol: rejection.Symbol,
					Reason: rejection.Reason,
					Note:   "max_rate_limit_retries_exceeded",
				})
				continue
			}
			summary.RejectedItems = append(summary.RejectedItems, Rejection{
				Symbol: rejection.Symbol,
				Reason: rejection.Reason,
			})
		}

		if len(rateLimited) > 0 {
			summary.RateLimitHits += len(rateLimited)
			if opts.RateLimitRetryDelay > 0 {
				logrus.WithFields(logrus.Fields{
					"symbols":  len(rateLimited),
					"retry_in": opts.RateLimitRetryDelay.String(),
				}).Info("rate limited, requeueing")
				if err := w.sleep(ctx, opts.RateLimitRetryDelay); err != nil {
					return err
				}
			}
			pending = append(rateLimited, pending...)
		}
	}
	return nil
}

// FilterSymbols applies the ampersand skip, include/exclude globs, the
// de-dupe and the result limit, preserving catalogue order.
func FilterSymbols(symbols []string, opts Options) (filtered, skippedAmpersand []string) {
	filtered = []string{}
	skippedAmpersand = []string{}
	seen := make(map[string]struct{}, len(symbols))

	for _, raw := range symbols {
		symbol := strings.TrimSpace(raw)
		if symbol == "" {
			continue
		}
		if !opts.AllowAmpersand && strings.Contains(symbol, "&") {
			skippedAmpersand = append(skippedAmpersand, symbol)
			continue
		}
		if len(opts.Include) > 0 && !matchAny(opts.Include, symbol) {
			continue
		}
		if matchAny(opts.Exclude, symbol) {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		filtered = append(filtered, symbol)
		if opts.Limit > 0 && len(filtered) >= opts.Limit {
			break
		}
	}
	return filtered, skippedAmpersand
}

func matchAny(patterns []string, symbol string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, symbol); err == nil && ok {
			return true
		}
	}
	return false
}

func ensureOutputDir(base string) (string, error) {
	if base == "" {
		base = "."
	}
	outDir := filepath.Join(base, "full-feed-"+time.Now().Format("20060102-150405"))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return outDir, nil
}

func writeJSON(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}
