package operations

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/controlplane"
	"github.com/quantfeed/md-bridge/internal/ratelimit"
)

type fakeBus struct {
	symbols        []string
	bulkCalls      [][]string
	rateLimitOnce  map[string]bool
	rejectReasons  map[string]string
	contractsCalls int
}

func (f *fakeBus) request(subject string, payload any, _ time.Duration, out any) error {
	switch subject {
	case constant.ContractsListSubject:
		f.contractsCalls++
		*out.(*controlplane.ContractsListResponse) = controlplane.ContractsListResponse{
			Symbols: f.symbols,
			Source:  "vendor",
		}
	case constant.SubscribeBulkSubject:
		req := payload.(controlplane.SubscribeBulkRequest)
		batch := append([]string(nil), req.Symbols...)
		f.bulkCalls = append(f.bulkCalls, batch)
		resp := controlplane.SubscribeBulkResponse{}
		for _, symbol := range batch {
			if f.rateLimitOnce[symbol] {
				f.rateLimitOnce[symbol] = false
				resp.Rejected = append(resp.Rejected, controlplane.RejectedSymbol{
					Symbol: symbol,
					Reason: "rate limit exceeded",
				})
				continue
			}
			if reason, ok := f.rejectReasons[symbol]; ok {
				resp.Rejected = append(resp.Rejected, controlplane.RejectedSymbol{
					Symbol: symbol,
					Reason: reason,
				})
				continue
			}
			resp.Accepted = append(resp.Accepted, symbol)
		}
		*out.(*controlplane.SubscribeBulkResponse) = resp
	}
	return nil
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func baseOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		OutputBase:          t.TempDir(),
		BatchSize:           2,
		MaxRetries:          2,
		RateLimitRetryDelay: time.Millisecond,
	}
}

func TestFilterSymbols(t *testing.T) {
	symbols := []string{"IF2312.CFFEX", "rb2401.SHFE", "a2401&a2405.DCE", " IF2312.CFFEX ", "", "au2406.SHFE"}

	filtered, skipped := FilterSymbols(symbols, Options{})
	if len(filtered) != 3 {
		t.Fatalf("expected 3 filtered symbols, got %v", filtered)
	}
	if len(skipped) != 1 || skipped[0] != "a2401&a2405.DCE" {
		t.Errorf("expected ampersand skip, got %v", skipped)
	}

	filtered, _ = FilterSymbols(symbols, Options{Include: []string{"*.SHFE"}})
	if len(filtered) != 2 || filtered[0] != "rb2401.SHFE" {
		t.Errorf("include glob mismatch: %v", filtered)
	}

	filtered, _ = FilterSymbols(symbols, Options{Exclude: []string{"IF*"}})
	if len(filtered) != 2 {
		t.Errorf("exclude glob mismatch: %v", filtered)
	}

	filtered, _ = FilterSymbols(symbols, Options{Limit: 1})
	if len(filtered) != 1 || filtered[0] != "IF2312.CFFEX" {
		t.Errorf("limit mismatch: %v", filtered)
	}

	filtered, skipped = FilterSymbols(symbols, Options{AllowAmpersand: true})
	if len(filtered) != 4 || len(skipped) != 0 {
		t.Errorf("allow ampersand mismatch: filtered=%v skipped=%v", filtered, skipped)
	}
}

func TestWorkflowSubscribesInBatchesAndWritesArtifacts(t *testing.T) {
	bus := &fakeBus{symbols: []string{"a.SHFE", "b.SHFE", "c.SHFE"}}
	wf := NewWorkflow(bus.request, nil).WithSleep(noSleep)

	summary, err := wf.Run(context.Background(), baseOptions(t))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(bus.bulkCalls) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(bus.bulkCalls))
	}
	if len(bus.bulkCalls[0]) != 2 || len(bus.bulkCalls[1]) != 1 {
		t.Errorf("unexpected batch sizes: %v", bus.bulkCalls)
	}
	if len(summary.AcceptedSymbols) != 3 || len(summary.RejectedItems) != 0 {
		t.Errorf("unexpected summary: accepted=%v rejected=%v", summary.AcceptedSymbols, summary.RejectedItems)
	}

	for _, name := range []string{"contracts.json", "batch-001.json", "batch-002.json", "summary.json"} {
		if _, err := os.Stat(filepath.Join(summary.OutputDir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(summary.OutputDir, "rejections.json")); !os.IsNotExist(err) {
		t.Errorf("rejections.json should not exist without rejections")
	}

	raw, err := os.ReadFile(filepath.Join(summary.OutputDir, "summary.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var decoded Summary
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if decoded.TotalSymbols != 3 || len(decoded.Batches) != 2 {
		t.Errorf("summary artifact mismatch: %+v", decoded)
	}
}

func TestWorkflowRequeuesRateLimitedSymbols(t *testing.T) {
	bus := &fakeBus{
		symbols:       []string{"a.SHFE", "b.SHFE"},
		rateLimitOnce: map[string]bool{"b.SHFE": true},
	}
	wf := NewWorkflow(bus.request, nil).WithSleep(noSleep)

	summary, err := wf.Run(context.Background(), baseOptions(t))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(summary.AcceptedSymbols) != 2 {
		t.Errorf("expected both symbols accepted after retry, got %v", summary.AcceptedSymbols)
	}
	if summary.RateLimitHits != 1 {
		t.Errorf("expected 1 rate limit hit, got %d", summary.RateLimitHits)
	}
	if len(bus.bulkCalls) != 2 {
		t.Fatalf("expected retry batch, got %v", bus.bulkCalls)
	}
	if bus.bulkCalls[1][0] != "b.SHFE" {
		t.Errorf("rate-limited symbol should be requeued first, got %v", bus.bulkCalls[1])
	}
}

func TestWorkflowGivesUpAfterMaxRetries(t *testing.T) {
	bus := &fakeBus{
		symbols:       []string{"a.SHFE"},
		rejectReasons: map[string]string{"a.SHFE": "rate limit exceeded"},
	}
	wf := NewWorkflow(bus.request, nil).WithSleep(noSleep)
	opts := baseOptions(t)
	opts.MaxRetries = 2

	summary, err := wf.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(bus.bulkCalls) != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d", len(bus.bulkCalls))
	}
	if len(summary.RejectedItems) != 1 {
		t.Fatalf("expected 1 rejection, got %v", summary.RejectedItems)
	}
	rejection := summary.RejectedItems[0]
	if rejection.Note != "max_rate_limit_retries_exceeded" {
		t.Errorf("expected retry exhaustion note, got %q", rejection.Note)
	}
	if _, err := os.Stat(filepath.Join(summary.OutputDir, "rejections.json")); err != nil {
		t.Errorf("rejections.json should exist: %v", err)
	}
}

func TestWorkflowRecordsNonRateLimitRejections(t *testing.T) {
	bus := &fakeBus{
		symbols:       []string{"a.SHFE", "bad.SHFE"},
		rejectReasons: map[string]string{"bad.SHFE": "unknown contract"},
	}
	wf := NewWorkflow(bus.request, nil).WithSleep(noSleep)

	summary, err := wf.Run(context.Background(), baseOptions(t))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(bus.bulkCalls) != 1 {
		t.Errorf("non rate-limit rejections must not be retried, calls=%d", len(bus.bulkCalls))
	}
	if len(summary.RejectedItems) != 1 || summary.RejectedItems[0].Reason != "unknown contract" {
		t.Errorf("unexpected rejections: %v", summary.RejectedItems)
	}
	if summary.RejectedItems[0].Note != "" {
		t.Errorf("note should be empty for terminal rejections, got %q", summary.RejectedItems[0].Note)
	}
}

func TestWorkflowDryRunSkipsSubscription(t *testing.T) {
	bus := &fakeBus{symbols: []string{"a.SHFE"}}
	wf := NewWorkflow(bus.request, nil).WithSleep(noSleep)
	opts := baseOptions(t)
	opts.DryRun = true

	summary, err := wf.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(bus.bulkCalls) != 0 {
		t.Errorf("dry run must not subscribe, calls=%v", bus.bulkCalls)
	}
	if summary.TotalSymbols != 1 || len(summary.AcceptedSymbols) != 0 {
		t.Errorf("unexpected dry-run summary: %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(summary.OutputDir, "summary.json")); err != nil {
		t.Errorf("dry run should still write summary: %v", err)
	}
}

func TestWorkflowReservesAndReleasesLimiterSlots(t *testing.T) {
	bus := &fakeBus{
		symbols:       []string{"a.SHFE", "bad.SHFE"},
		rejectReasons: map[string]string{"bad.SHFE": "unknown contract"},
	}
	limiter := ratelimit.NewLimiter(10, time.Minute).WithClock(time.Now, noSleep)
	wf := NewWorkflow(bus.request, limiter).WithSleep(noSleep)

	if _, err := wf.Run(context.Background(), baseOptions(t)); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// Two reserved, one rejected downstream so one slot returned.
	if load := limiter.CurrentLoad(); load != 1 {
		t.Errorf("expected 1 slot consumed, got %d", load)
	}
}
