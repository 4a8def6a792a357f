package gateway

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/quantfeed/md-bridge/internal/resilience"
)

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("supervisor never reached state %s, got %s", want, s.State())
}

func TestSupervisorRetriesWithBackoffThenFails(t *testing.T) {
	var attempts atomic.Int64
	connect := func(_ map[string]string, _ func() bool) error {
		attempts.Add(1)
		return errors.New("session down")
	}

	var mu sync.Mutex
	var slept []time.Duration

	policy := resilience.RetryPolicy{
		BaseBackoff: 500 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  2 * time.Second,
		MaxRetries:  3,
	}
	s := NewSupervisor(config.GatewayConfig{}, policy, connect).
		WithSleep(func(d time.Duration) {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
		})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, s, StateFailed)

	if got := attempts.Load(); got != 4 {
		t.Errorf("session attempts = %d, want 4", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("backoff sleeps = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestSupervisorRecoversFromSessionPanic(t *testing.T) {
	var attempts atomic.Int64
	connect := func(_ map[string]string, _ func() bool) error {
		if attempts.Add(1) == 1 {
			panic("vendor library blew up")
		}
		return nil
	}

	s := NewSupervisor(config.GatewayConfig{}, resilience.DefaultRetryPolicy(), connect).
		WithSleep(func(time.Duration) {})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, s, StateDisconnected)

	if got := attempts.Load(); got != 2 {
		t.Errorf("session attempts = %d, want 2", got)
	}
}

func TestSupervisorStopsRetryingOnShutdown(t *testing.T) {
	started := make(chan struct{}, 16)
	connect := func(_ map[string]string, shouldShutdown func() bool) error {
		started <- struct{}{}
		for !shouldShutdown() {
			time.Sleep(time.Millisecond)
		}
		return nil
	}

	s := NewSupervisor(config.GatewayConfig{JoinDeadline: time.Second}, resilience.DefaultRetryPolicy(), connect).
		WithSleep(func(time.Duration) {})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	<-started

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("state after disconnect = %s, want %s", got, StateDisconnected)
	}
	if got := len(started); got != 0 {
		t.Errorf("sessions restarted after shutdown: %d", got)
	}
}

func TestDisconnectClosesTickStream(t *testing.T) {
	connect := func(_ map[string]string, shouldShutdown func() bool) error {
		for !shouldShutdown() {
			time.Sleep(time.Millisecond)
		}
		return nil
	}

	s := NewSupervisor(config.GatewayConfig{JoinDeadline: time.Second}, resilience.DefaultRetryPolicy(), connect).
		WithSleep(func(time.Duration) {})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	select {
	case _, ok := <-s.ReceiveTicks():
		if ok {
			t.Error("expected closed tick stream, got a tick")
		}
	case <-time.After(time.Second):
		t.Fatal("tick stream still open after disconnect")
	}

	// A second disconnect must not panic on the already-closed channel.
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("repeat Disconnect() error = %v", err)
	}

	if err := s.Connect(context.Background()); err == nil {
		t.Error("Connect() after disconnect should fail")
	}
}

func TestOnTickRejectsUnknownContracts(t *testing.T) {
	s := NewSupervisor(config.GatewayConfig{}, resilience.DefaultRetryPolicy(), nil)

	s.OnTick(entity.VendorTick{Symbol: "IF2312", Exchange: "CFFEX", LastPrice: 4000})

	stats := s.Stats()
	if stats.RejectedTicks != 1 {
		t.Errorf("rejected ticks = %d, want 1", stats.RejectedTicks)
	}
	if stats.QueueDepth != 0 {
		t.Errorf("queue depth = %d, want 0", stats.QueueDepth)
	}
}

func TestOnTickDropsWhenQueueFull(t *testing.T) {
	s := NewSupervisor(config.GatewayConfig{QueueSize: 2}, resilience.DefaultRetryPolicy(), nil)
	if _, err := s.Subscribe(context.Background(), "IF2312.CFFEX"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		s.OnTick(entity.VendorTick{Symbol: "IF2312", Exchange: "CFFEX", LastPrice: 4000})
	}

	stats := s.Stats()
	if stats.BridgedTicks != 2 {
		t.Errorf("bridged ticks = %d, want 2", stats.BridgedTicks)
	}
	if stats.DroppedTicks != 1 {
		t.Errorf("dropped ticks = %d, want 1", stats.DroppedTicks)
	}
}

func TestOnTickTranslatesSentinelsAndTimezone(t *testing.T) {
	s := NewSupervisor(config.GatewayConfig{Mode: "live"}, resilience.DefaultRetryPolicy(), nil)
	if _, err := s.Subscribe(context.Background(), "IF2312.CFFEX"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	naive := time.Date(2023, 12, 1, 10, 30, 0, 0, time.UTC)
	s.OnTick(entity.VendorTick{
		Symbol:    "IF2312",
		Exchange:  "CFFEX",
		LastPrice: 4025.5,
		BidPrice1: math.MaxFloat64,
		AskPrice1: math.Inf(1),
		Datetime:  naive,
	})

	var tick entity.Tick
	select {
	case tick = <-s.ReceiveTicks():
	case <-time.After(time.Second):
		t.Fatal("no tick bridged")
	}

	if got := tick.VTSymbol(); got != "IF2312.CFFEX" {
		t.Errorf("vt_symbol = %q, want %q", got, "IF2312.CFFEX")
	}
	if !tick.BidPrice1.IsZero() || !tick.AskPrice1.IsZero() {
		t.Errorf("sentinel prices not collapsed: bid=%s ask=%s", tick.BidPrice1, tick.AskPrice1)
	}

	payload := tick.ToPayload()
	if payload.LastPrice != "4025.5" {
		t.Errorf("last_price = %q, want %q", payload.LastPrice, "4025.5")
	}
	if !strings.HasSuffix(payload.Datetime, "+08:00") {
		t.Errorf("datetime %q not in exchange timezone", payload.Datetime)
	}
	if payload.BidPrice1 != nil || payload.AskPrice1 != nil {
		t.Error("zero prices should be omitted from payload")
	}

	subject := constant.GetTickStreamSubject(tick.Exchange, tick.Symbol)
	if subject != "market.tick.CFFEX.IF2312" {
		t.Errorf("subject = %q, want %q", subject, "market.tick.CFFEX.IF2312")
	}
}

func TestSubscribeForwardsAndUnsubscribeRemoves(t *testing.T) {
	s := NewSupervisor(config.GatewayConfig{}, resilience.DefaultRetryPolicy(), nil)

	sub, err := s.Subscribe(context.Background(), "rb2401.SHFE")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub.Symbol != "rb2401" || sub.Exchange != "SHFE" {
		t.Errorf("subscription split = %s/%s, want rb2401/SHFE", sub.Symbol, sub.Exchange)
	}

	select {
	case fwd := <-s.SubscribeRequests():
		if fwd != "rb2401.SHFE" {
			t.Errorf("forwarded request = %q, want %q", fwd, "rb2401.SHFE")
		}
	default:
		t.Fatal("subscribe request not forwarded")
	}

	if got := len(s.ActiveSubscriptions()); got != 1 {
		t.Fatalf("active subscriptions = %d, want 1", got)
	}

	if err := s.Unsubscribe(context.Background(), sub.ID); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if got := len(s.ActiveSubscriptions()); got != 0 {
		t.Errorf("active subscriptions after unsubscribe = %d, want 0", got)
	}

	s.OnTick(entity.VendorTick{Symbol: "rb2401", Exchange: "SHFE", LastPrice: 3900})
	if stats := s.Stats(); stats.RejectedTicks != 1 {
		t.Errorf("rejected ticks = %d, want 1", stats.RejectedTicks)
	}

	if err := s.Unsubscribe(context.Background(), "missing-id"); err == nil {
		t.Error("Unsubscribe() of unknown id should fail")
	}
}

func TestSubscribeRejectsInvalidSymbol(t *testing.T) {
	s := NewSupervisor(config.GatewayConfig{}, resilience.DefaultRetryPolicy(), nil)
	if _, err := s.Subscribe(context.Background(), "bad symbol!"); err == nil {
		t.Error("Subscribe() should reject malformed symbols")
	}
}
