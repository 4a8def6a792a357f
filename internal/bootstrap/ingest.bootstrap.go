package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfeed/md-bridge/internal/cache"
	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/controlplane"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/quantfeed/md-bridge/internal/gateway"
	"github.com/quantfeed/md-bridge/internal/infrastructure"
	"github.com/quantfeed/md-bridge/internal/ingest"
	"github.com/quantfeed/md-bridge/internal/publisher"
	"github.com/quantfeed/md-bridge/internal/ratelimit"
	"github.com/quantfeed/md-bridge/internal/repository"
	"github.com/quantfeed/md-bridge/internal/resilience"
	"github.com/quantfeed/md-bridge/internal/service"
	"github.com/quantfeed/md-bridge/internal/util"
	"github.com/spf13/cobra"
)

const defaultCatalogTTL = 5 * time.Minute

// StartIngest wires the whole bridge: vendor session supervisor, resilient
// publisher, control-plane RPC server, ops HTTP server.
func StartIngest(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	db, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database["market_data"])
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, db, config.Env.Database["market_data"].PingInterval)

	nc, err := infrastructure.NewNatsConnection(config.Env.Nats)
	util.ContinueOrFatal(err)

	catalog, err := cache.NewContractCatalog(config.Env.Redis["cache"].CacheDSN, defaultCatalogTTL)
	util.ContinueOrFatal(err)
	tracker, err := cache.NewTickTracker(config.Env.Redis["cache"].CacheDSN)
	util.ContinueOrFatal(err)

	supervisor := gateway.NewSupervisor(config.Env.Gateway, gatewayRetryPolicy(), nil)
	connect, err := buildGatewayConnect(config.Env.Gateway, supervisor)
	util.ContinueOrFatal(err)
	supervisor.SetConnect(connect)
	util.ContinueOrFatal(supervisor.Connect(ctx))

	pub := publisher.New(config.Env.Nats, func() (publisher.BusConn, error) {
		return nc, nil
	})
	util.ContinueOrFatal(pub.Connect(ctx))

	subscriptionRepo := repository.NewSubscriptionRepository(db)
	subscriptionSvc := service.NewSubscriptionService(supervisor, subscriptionRepo)
	if _, err := subscriptionSvc.RestoreActive(ctx); err != nil {
		util.ContinueOrFatal(fmt.Errorf("restore subscriptions: %w", err))
	}

	limiter := ratelimit.NewLimiter(config.Env.RateLimit.MaxPerWindow, config.Env.RateLimit.Window)
	rpcServer := controlplane.NewServer(
		catalog,
		seedContractsQuery(config.Env.Gateway),
		subscriptionSvc,
		subscriptionRepo,
		tracker,
		limiter,
	)
	util.ContinueOrFatal(rpcServer.Start(nc))

	orchestrator := ingest.NewOrchestrator(supervisor, pub, tracker, config.Env.Ingest.SnapshotInterval)
	orchestrator.Start(ctx)

	httpServer := infrastructure.NewHTTPServerWithConfig(
		infrastructure.DefaultHTTPServerConfig(),
		infrastructure.NewOpsMux(pub.HealthCheck, func() any {
			return map[string]any{
				"gateway":   supervisor.Stats(),
				"publisher": pub.Stats(),
				"ingest":    orchestrator.Stats(),
			}
		}),
	)
	go func() {
		util.ContinueOrFatal(httpServer.Start())
	}()

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"ingest orchestrator": func(ctx context.Context) error {
			orchestrator.Stop()
			return nil
		},
		"vendor session": func(ctx context.Context) error {
			return supervisor.Disconnect(ctx)
		},
		"control plane": func(ctx context.Context) error {
			rpcServer.Stop()
			return nil
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseNats(nc)
		},
		"http server": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"database": func(ctx context.Context) error {
			return db.Close()
		},
		"redis": func(ctx context.Context) error {
			if err := catalog.Close(); err != nil {
				return err
			}
			return tracker.Close()
		},
	})

	<-wait
}

func gatewayRetryPolicy() resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	cfg := config.Env.Gateway
	if cfg.BaseBackoff > 0 {
		policy.BaseBackoff = cfg.BaseBackoff
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.MaxRetries > 0 {
		policy.MaxRetries = cfg.MaxRetries
	}
	return policy
}

// buildGatewayConnect picks the vendor session implementation for the
// configured mode. Only the websocket simulator ships in this binary; a live
// vendor session is linked in by the deployment build.
func buildGatewayConnect(cfg config.GatewayConfig, supervisor *gateway.Supervisor) (gateway.ConnectFunc, error) {
	switch cfg.Mode {
	case "ws-sim":
		connector := gateway.NewWSConnector(cfg, supervisor.OnTick, supervisor.SubscribeRequests())
		return connector.Run, nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}

// seedContractsQuery answers md.contracts.list cache misses with the
// configured feed universe.
func seedContractsQuery(cfg config.GatewayConfig) controlplane.VendorQuery {
	return func(ctx context.Context) ([]string, error) {
		symbols := make([]string, 0, len(cfg.SeedSymbols))
		for _, symbol := range cfg.SeedSymbols {
			if err := entity.ValidateSymbol(symbol); err != nil {
				continue
			}
			symbols = append(symbols, symbol)
		}
		return symbols, nil
	}
}
