// Package gateway supervises the blocking, thread-bound vendor session and
// bridges its push-style tick callback into a bounded channel consumable
// from the rest of the service.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/quantfeed/md-bridge/internal/resilience"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize    = 1000
	defaultJoinDeadline = 5 * time.Second
	subscribeQueueSize  = 4096
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateRunning      State = "running"
	StateFailed       State = "failed"
)

// ConnectFunc runs one vendor session. It blocks until shutdown is
// requested or the session fails, invoking the registered tick callback
// from its own goroutine zero or more times before returning.
type ConnectFunc func(settings map[string]string, shouldShutdown func() bool) error

// Supervisor keeps a vendor session alive across failures. Each session
// attempt runs in a freshly spawned goroutine; vendor APIs commonly require
// a fresh thread after a failed session.
type Supervisor struct {
	cfg     config.GatewayConfig
	policy  resilience.RetryPolicy
	connect ConnectFunc
	sleep   func(d time.Duration)

	shutdown atomic.Bool

	mu      sync.Mutex
	running bool
	state   State
	done    chan struct{}

	ticks      chan entity.Tick
	closeTicks sync.Once
	closed     atomic.Bool

	sessionCount  atomic.Uint64
	bridgedTicks  atomic.Uint64
	droppedTicks  atomic.Uint64
	rejectedTicks atomic.Uint64

	contractsMu sync.RWMutex
	contracts   map[string]struct{}

	subsMu        sync.Mutex
	subscriptions map[string]*entity.Subscription

	subscribeReqs chan string
}

// SupervisorStats is the observability snapshot for the session bridge.
type SupervisorStats struct {
	State          State  `json:"state"`
	Sessions       uint64 `json:"sessions"`
	BridgedTicks   uint64 `json:"bridged_ticks"`
	DroppedTicks   uint64 `json:"dropped_ticks"`
	RejectedTicks  uint64 `json:"rejected_ticks"`
	Contracts      int    `json:"contracts"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	ActiveSubCount int    `json:"active_subscriptions"`
}

func NewSupervisor(cfg config.GatewayConfig, policy resilience.RetryPolicy, connect ConnectFunc) *Supervisor {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Supervisor{
		cfg:           cfg,
		policy:        policy,
		connect:       connect,
		sleep:         func(d time.Duration) { time.Sleep(d) },
		state:         StateDisconnected,
		ticks:         make(chan entity.Tick, queueSize),
		contracts:     make(map[string]struct{}),
		subscriptions: make(map[string]*entity.Subscription),
		subscribeReqs: make(chan string, subscribeQueueSize),
	}
}

// WithSleep overrides the backoff sleep, for deterministic tests.
func (s *Supervisor) WithSleep(sleep func(d time.Duration)) *Supervisor {
	s.sleep = sleep
	return s
}

// SetConnect installs the session runner. Connectors need the supervisor's
// tick callback and request channel, so the two are wired in two steps.
// Must be called before Connect.
func (s *Supervisor) SetConnect(connect ConnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.connect = connect
	}
}

// Connect starts the supervised worker if it is not already running.
func (s *Supervisor) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connect == nil {
		return fmt.Errorf("no session connector installed")
	}
	if s.closed.Load() {
		return fmt.Errorf("supervisor already disconnected")
	}

	s.shutdown.Store(false)
	if s.running {
		return nil
	}
	s.running = true
	s.state = StateRunning
	s.done = make(chan struct{})
	go s.run(s.done)
	return nil
}

// Disconnect signals shutdown, drains pending ticks, and waits for the
// worker bounded by the join deadline. It never blocks indefinitely.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.shutdown.Store(true)

	s.drainTicks()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		deadline := s.cfg.JoinDeadline
		if deadline <= 0 {
			deadline = defaultJoinDeadline
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			logrus.Warn("vendor session worker did not exit before join deadline")
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.running = false
	if s.state == StateRunning {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	// Consumers ranging over ReceiveTicks observe end-of-stream. OnTick's
	// shutdown check and recover guard cover a vendor callback racing the
	// close.
	s.closed.Store(true)
	s.closeTicks.Do(func() { close(s.ticks) })
	return nil
}

// OnTick bridges a tick from the vendor goroutine into the bounded queue.
// It never blocks and never lets a failure propagate back into vendor code.
func (s *Supervisor) OnTick(v entity.VendorTick) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.WithField("panic", recovered).Error("tick bridge panic suppressed")
		}
	}()

	if s.shutdown.Load() {
		return
	}

	// Ticks for unknown symbols mean the contract feed is not ready yet.
	s.contractsMu.RLock()
	_, known := s.contracts[v.Symbol]
	s.contractsMu.RUnlock()
	if !known {
		s.rejectedTicks.Add(1)
		return
	}

	tick, err := translateVendorTick(v, s.cfg.Mode)
	if err != nil {
		logrus.WithField("symbol", v.Symbol).Warnf("tick translation failed: %v", err)
		return
	}

	select {
	case s.ticks <- tick:
		s.bridgedTicks.Add(1)
	default:
		dropped := s.droppedTicks.Add(1)
		logrus.WithFields(logrus.Fields{
			"symbol":        tick.VTSymbol(),
			"dropped_total": dropped,
		}).Warn("tick dropped: queue full")
	}
}

// ReceiveTicks returns the bounded tick stream, closed once Disconnect
// completes. The channel is shared: a single consumer preserves arrival
// order.
func (s *Supervisor) ReceiveTicks() <-chan entity.Tick {
	return s.ticks
}

// Subscribe registers a contract so its ticks pass the boundary filter and
// forwards the request to the live session.
func (s *Supervisor) Subscribe(_ context.Context, vtSymbol string) (*entity.Subscription, error) {
	if err := entity.ValidateSymbol(vtSymbol); err != nil {
		return nil, err
	}
	base, exchange := entity.SplitVTSymbol(vtSymbol)

	s.contractsMu.Lock()
	s.contracts[base] = struct{}{}
	s.contractsMu.Unlock()

	sub := &entity.Subscription{
		ID:        uuid.NewString(),
		Symbol:    base,
		Exchange:  exchange,
		CreatedAt: time.Now().In(entity.ExchangeTZ),
		Active:    true,
	}

	s.subsMu.Lock()
	s.subscriptions[sub.ID] = sub
	s.subsMu.Unlock()

	select {
	case s.subscribeReqs <- vtSymbol:
	default:
		logrus.WithField("vt_symbol", vtSymbol).Warn("subscribe forward queue full")
	}

	return sub, nil
}

// Unsubscribe soft-deletes a subscription and stops admitting its ticks.
func (s *Supervisor) Unsubscribe(_ context.Context, subscriptionID string) error {
	s.subsMu.Lock()
	sub, ok := s.subscriptions[subscriptionID]
	if ok {
		sub.Active = false
	}
	s.subsMu.Unlock()
	if !ok {
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}

	s.contractsMu.Lock()
	delete(s.contracts, sub.Symbol)
	s.contractsMu.Unlock()
	return nil
}

// ActiveSubscriptions lists subscriptions that have not been soft-deleted.
func (s *Supervisor) ActiveSubscriptions() []entity.Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	out := make([]entity.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.Active {
			out = append(out, *sub)
		}
	}
	return out
}

// SubscribeRequests exposes pending forward requests to the session
// connector, which applies them on its own loop.
func (s *Supervisor) SubscribeRequests() <-chan string {
	return s.subscribeReqs
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Stats() SupervisorStats {
	s.contractsMu.RLock()
	contracts := len(s.contracts)
	s.contractsMu.RUnlock()
	return SupervisorStats{
		State:          s.State(),
		Sessions:       s.sessionCount.Load(),
		BridgedTicks:   s.bridgedTicks.Load(),
		DroppedTicks:   s.droppedTicks.Load(),
		RejectedTicks:  s.rejectedTicks.Load(),
		Contracts:      contracts,
		QueueDepth:     len(s.ticks),
		QueueCapacity:  cap(s.ticks),
		ActiveSubCount: len(s.ActiveSubscriptions()),
	}
}

func (s *Supervisor) run(done chan struct{}) {
	defer close(done)

	attempts := 0
	for !s.shutdown.Load() {
		settings := s.buildSettings()
		err := s.runSession(settings)
		if s.shutdown.Load() {
			return
		}
		if err == nil {
			logrus.Info("vendor session ended cleanly")
			s.setState(StateDisconnected)
			return
		}

		attempts++
		if s.policy.Exhausted(attempts) {
			logrus.WithFields(logrus.Fields{
				"attempt": attempts,
				"reason":  err.Error(),
			}).Error("vendor session failed: max retries exceeded")
			s.setState(StateFailed)
			return
		}

		backoff := s.policy.Backoff(attempts)
		logrus.WithFields(logrus.Fields{
			"attempt":      attempts,
			"reason":       err.Error(),
			"next_backoff": backoff.String(),
		}).Warn("vendor session retry")
		s.sleep(backoff)
	}
}

// runSession executes one attempt in a fresh goroutine and waits for it.
func (s *Supervisor) runSession(settings map[string]string) error {
	s.sessionCount.Add(1)

	result := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				result <- fmt.Errorf("vendor session panic: %v", recovered)
			}
		}()
		result <- s.connect(settings, s.shutdown.Load)
	}()
	return <-result
}

func (s *Supervisor) buildSettings() map[string]string {
	return map[string]string{
		"user_id":    s.cfg.UserID,
		"password":   s.cfg.Password,
		"broker_id":  s.cfg.BrokerID,
		"td_address": normalizeAddress(s.cfg.TDAddress),
		"md_address": normalizeAddress(s.cfg.MDAddress),
		"app_id":     s.cfg.AppID,
		"auth_code":  s.cfg.AuthCode,
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) drainTicks() {
	for {
		select {
		case _, ok := <-s.ticks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func normalizeAddress(addr string) string {
	if addr == "" {
		return ""
	}
	if len(addr) >= 6 && (addr[:6] == "tcp://" || addr[:6] == "ssl://") {
		return addr
	}
	return "tcp://" + addr
}
