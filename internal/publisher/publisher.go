// Package publisher pushes ticks onto the message bus with retry and
// circuit-breaker protection, and answers bus-level health probes.
package publisher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/resilience"
	"github.com/quantfeed/md-bridge/internal/util"
	"github.com/sirupsen/logrus"
)

const defaultFlushTimeout = 2 * time.Second

// ErrNotConnected is returned when Publish is called before Connect. The
// caller decides whether a dropped tick matters; the publisher never retries
// its way out of a missing connection.
var ErrNotConnected = errors.New("publisher is not connected")

// BusConn is the slice of *nats.Conn the publisher depends on.
type BusConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	FlushTimeout(timeout time.Duration) error
	IsConnected() bool
	Drain() error
}

type healthStatus struct {
	Service             string                  `json:"service"`
	Status              string                  `json:"status"`
	Timestamp           int64                   `json:"timestamp"`
	Stats               PublisherStats          `json:"stats"`
	CircuitBreakerState resilience.CircuitState `json:"circuit_breaker_state"`
}

// Publisher wraps a bus connection with exponential-backoff retry and a
// shared circuit breaker covering connect and publish.
type Publisher struct {
	cfg     config.NatsConfig
	connect func() (BusConn, error)
	retrier *resilience.Retrier

	mu        sync.Mutex
	conn      BusConn
	healthSub *nats.Subscription

	published       atomic.Uint64
	publishErrs     atomic.Uint64
	connectAttempts atomic.Uint64
}

type PublisherStats struct {
	Connected       bool                    `json:"connected"`
	Published       uint64                  `json:"published"`
	PublishErrors   uint64                  `json:"publish_errors"`
	ConnectAttempts uint64                  `json:"connect_attempts"`
	BreakerState    resilience.CircuitState `json:"breaker_state"`
}

func New(cfg config.NatsConfig, connect func() (BusConn, error)) *Publisher {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold:    cfg.FailureThreshold,
		RecoveryTimeout:     cfg.RecoveryTimeout,
		HalfOpenMaxAttempts: cfg.HalfOpenMaxAttempts,
	})
	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts:     cfg.PublishMaxAttempts,
		InitialDelay:    cfg.PublishInitialDelay,
		MaxDelay:        cfg.PublishMaxDelay,
		ExponentialBase: 2.0,
		Jitter:          true,
	}, breaker)
	return &Publisher{
		cfg:     cfg,
		connect: connect,
		retrier: retrier,
	}
}

// Connect establishes the bus connection and registers the health.check
// responder. Calling it on a live publisher is a no-op.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	var conn BusConn
	err := p.retrier.Do(ctx, "bus_connect", func(ctx context.Context) error {
		p.connectAttempts.Add(1)
		c, err := p.connect()
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(constant.HealthCheckSubject, func(msg *nats.Msg) {
		if err := util.RespondJSON(msg, p.healthReply()); err != nil {
			logrus.Errorf("health probe reply failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.healthSub = sub
	p.mu.Unlock()

	logrus.WithField("subject", constant.HealthCheckSubject).Info("bus publisher connected")
	return nil
}

// healthReply builds the health.check response: probe-derived status plus
// connection stats and the breaker state.
func (p *Publisher) healthReply() healthStatus {
	status := "unhealthy"
	if p.HealthCheck(context.Background()) {
		status = "healthy"
	}
	return healthStatus{
		Service:             config.ServiceName,
		Status:              status,
		Timestamp:           time.Now().Unix(),
		Stats:               p.Stats(),
		CircuitBreakerState: p.retrier.Breaker().State(),
	}
}

// Publish serializes data and publishes it, retrying transient failures.
// A never-connected publisher fails fast with ErrNotConnected.
func (p *Publisher) Publish(ctx context.Context, subject string, data any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		p.publishErrs.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(data)
	if err != nil {
		p.publishErrs.Add(1)
		return err
	}

	err = p.retrier.Do(ctx, "bus_publish", func(ctx context.Context) error {
		return conn.Publish(subject, payload)
	})
	if err != nil {
		p.publishErrs.Add(1)
		return err
	}
	p.published.Add(1)
	return nil
}

// HealthCheck reports whether the bus connection is alive. It never panics
// and never blocks longer than the flush timeout.
func (p *Publisher) HealthCheck(_ context.Context) (healthy bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.WithField("panic", recovered).Error("bus health check panic suppressed")
			healthy = false
		}
	}()

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return false
	}

	timeout := p.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	if err := conn.FlushTimeout(timeout); err != nil {
		return false
	}
	return conn.IsConnected()
}

// Disconnect drains the connection. Safe to call more than once.
func (p *Publisher) Disconnect(_ context.Context) error {
	p.mu.Lock()
	conn := p.conn
	sub := p.healthSub
	p.conn = nil
	p.healthSub = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return conn.Drain()
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	connected := p.conn != nil
	p.mu.Unlock()
	return PublisherStats{
		Connected:       connected,
		Published:       p.published.Load(),
		PublishErrors:   p.publishErrs.Load(),
		ConnectAttempts: p.connectAttempts.Load(),
		BreakerState:    p.retrier.Breaker().State(),
	}
}
