package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/resilience"
)

type fakeConn struct {
	mu            sync.Mutex
	published     map[string][][]byte
	subscriptions []string
	publishFails  int
	flushErr      error
	connected     bool
	drainCalls    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		published: make(map[string][][]byte),
		connected: true,
	}
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishFails > 0 {
		f.publishFails--
		return errors.New("broken pipe")
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeConn) Subscribe(subject string, _ nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, subject)
	return nil, nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error {
	return f.flushErr
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drainCalls++
	f.connected = false
	return nil
}

func fastConfig() config.NatsConfig {
	return config.NatsConfig{
		PublishMaxAttempts:  3,
		PublishInitialDelay: time.Millisecond,
		PublishMaxDelay:     2 * time.Millisecond,
		FailureThreshold:    5,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxAttempts: 1,
	}
}

func TestPublishBeforeConnectFailsFast(t *testing.T) {
	p := New(fastConfig(), func() (BusConn, error) {
		t.Fatal("connect should not be called")
		return nil, nil
	})

	err := p.Publish(context.Background(), "market.tick.CFFEX.IF2312", map[string]string{"k": "v"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}
	if stats := p.Stats(); stats.PublishErrors != 1 {
		t.Errorf("publish errors = %d, want 1", stats.PublishErrors)
	}
}

func TestConnectRegistersHealthResponder(t *testing.T) {
	conn := newFakeConn()
	p := New(fastConfig(), func() (BusConn, error) { return conn, nil })

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.subscriptions) != 1 || conn.subscriptions[0] != constant.HealthCheckSubject {
		t.Errorf("subscriptions = %v, want [%s]", conn.subscriptions, constant.HealthCheckSubject)
	}
}

func TestHealthReplyCarriesStatsAndBreakerState(t *testing.T) {
	conn := newFakeConn()
	p := New(fastConfig(), func() (BusConn, error) { return conn, nil })
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := p.Publish(context.Background(), "market.tick.CFFEX.IF2312", "x"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	encoded, err := json.Marshal(p.healthReply())
	if err != nil {
		t.Fatalf("marshal health reply: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("decode health reply: %v", err)
	}
	for _, key := range []string{"service", "status", "timestamp", "stats", "circuit_breaker_state"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("health reply missing %q: %v", key, decoded)
		}
	}
	if decoded["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", decoded["status"])
	}
	if decoded["circuit_breaker_state"] != string(resilience.CircuitClosed) {
		t.Errorf("circuit_breaker_state = %v, want %s", decoded["circuit_breaker_state"], resilience.CircuitClosed)
	}
	stats, ok := decoded["stats"].(map[string]any)
	if !ok {
		t.Fatalf("stats is not an object: %v", decoded["stats"])
	}
	if stats["published"] != float64(1) {
		t.Errorf("stats.published = %v, want 1", stats["published"])
	}
	if stats["connect_attempts"] != float64(1) {
		t.Errorf("stats.connect_attempts = %v, want 1", stats["connect_attempts"])
	}

	conn.flushErr = errors.New("flush timeout")
	if got := p.healthReply().Status; got != "unhealthy" {
		t.Errorf("status with failing flush = %q, want unhealthy", got)
	}
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	conn := newFakeConn()
	calls := 0
	p := New(fastConfig(), func() (BusConn, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	})

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("connect calls = %d, want 3", calls)
	}

	// second Connect is a no-op
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("repeat Connect() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("connect calls after repeat = %d, want 3", calls)
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	conn := newFakeConn()
	conn.publishFails = 2
	p := New(fastConfig(), func() (BusConn, error) { return conn, nil })
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	payload := map[string]string{"vt_symbol": "IF2312.CFFEX"}
	if err := p.Publish(context.Background(), "market.tick.CFFEX.IF2312", payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	conn.mu.Lock()
	frames := conn.published["market.tick.CFFEX.IF2312"]
	conn.mu.Unlock()
	if len(frames) != 1 {
		t.Fatalf("published frames = %d, want 1", len(frames))
	}

	var decoded map[string]string
	if err := json.Unmarshal(frames[0], &decoded); err != nil {
		t.Fatalf("decode published frame: %v", err)
	}
	if decoded["vt_symbol"] != "IF2312.CFFEX" {
		t.Errorf("published vt_symbol = %q, want %q", decoded["vt_symbol"], "IF2312.CFFEX")
	}
	if stats := p.Stats(); stats.Published != 1 {
		t.Errorf("published counter = %d, want 1", stats.Published)
	}
}

func TestBreakerOpensAfterRepeatedPublishFailures(t *testing.T) {
	conn := newFakeConn()
	conn.publishFails = 100
	cfg := fastConfig()
	cfg.FailureThreshold = 3
	p := New(cfg, func() (BusConn, error) { return conn, nil })
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := p.Publish(context.Background(), "market.tick.SHFE.rb2401", "x"); err == nil {
		t.Fatal("Publish() should fail when every attempt errors")
	}
	if got := p.Stats().BreakerState; got != resilience.CircuitOpen {
		t.Errorf("breaker state = %s, want %s", got, resilience.CircuitOpen)
	}

	err := p.Publish(context.Background(), "market.tick.SHFE.rb2401", "x")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Publish() with open breaker error = %v, want ErrCircuitOpen", err)
	}
}

func TestHealthCheckReflectsConnection(t *testing.T) {
	conn := newFakeConn()
	p := New(fastConfig(), func() (BusConn, error) { return conn, nil })

	if p.HealthCheck(context.Background()) {
		t.Error("HealthCheck() before Connect should be false")
	}

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !p.HealthCheck(context.Background()) {
		t.Error("HealthCheck() on live connection should be true")
	}

	conn.flushErr = errors.New("flush timeout")
	if p.HealthCheck(context.Background()) {
		t.Error("HealthCheck() with failing flush should be false")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	p := New(fastConfig(), func() (BusConn, error) { return conn, nil })
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("repeat Disconnect() error = %v", err)
	}

	conn.mu.Lock()
	drains := conn.drainCalls
	conn.mu.Unlock()
	if drains != 1 {
		t.Errorf("drain calls = %d, want 1", drains)
	}

	if err := p.Publish(context.Background(), "market.tick.SHFE.rb2401", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after disconnect error = %v, want ErrNotConnected", err)
	}
}
