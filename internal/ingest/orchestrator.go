// Package ingest pumps ticks from the vendor session into the message bus.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

const defaultSnapshotInterval = 30 * time.Second

// Orchestrator consumes the supervisor's tick stream and publishes each tick
// on its market.tick subject. Publish failures are logged and skipped; one
// bad tick never stalls the stream.
type Orchestrator struct {
	source    entity.MarketDataSource
	publisher entity.TickPublisher
	tracker   entity.TickTracker

	snapshotInterval time.Duration

	published   atomic.Uint64
	publishErrs atomic.Uint64
	trackerErrs atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type OrchestratorStats struct {
	Published     uint64
	PublishErrors uint64
	TrackerErrors uint64
}

func NewOrchestrator(source entity.MarketDataSource, publisher entity.TickPublisher, tracker entity.TickTracker, snapshotInterval time.Duration) *Orchestrator {
	if snapshotInterval <= 0 {
		snapshotInterval = defaultSnapshotInterval
	}
	return &Orchestrator{
		source:           source,
		publisher:        publisher,
		tracker:          tracker,
		snapshotInterval: snapshotInterval,
	}
}

// Start launches the pump loop. It returns immediately; Stop joins it.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.run(ctx)
}

func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) Stats() OrchestratorStats {
	return OrchestratorStats{
		Published:     o.published.Load(),
		PublishErrors: o.publishErrs.Load(),
		TrackerErrors: o.trackerErrs.Load(),
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	snapshot := time.NewTicker(o.snapshotInterval)
	defer snapshot.Stop()

	ticks := o.source.ReceiveTicks()
	for {
		select {
		case <-ctx.Done():
			o.logSnapshot()
			return
		case <-snapshot.C:
			o.logSnapshot()
		case tick, ok := <-ticks:
			if !ok {
				logrus.Warn("tick stream closed")
				o.logSnapshot()
				return
			}
			o.bridge(ctx, tick)
		}
	}
}

func (o *Orchestrator) bridge(ctx context.Context, tick entity.Tick) {
	subject := constant.GetTickStreamSubject(tick.Exchange, tick.Symbol)
	if err := o.publisher.Publish(ctx, subject, tick.ToPayload()); err != nil {
		o.publishErrs.Add(1)
		logrus.WithFields(logrus.Fields{
			"subject": subject,
			"error":   err.Error(),
		}).Error("tick publish failed")
		return
	}
	o.published.Add(1)

	if o.tracker != nil {
		if err := o.tracker.Touch(ctx, tick.VTSymbol(), tick); err != nil {
			o.trackerErrs.Add(1)
			logrus.WithFields(logrus.Fields{
				"vt_symbol": tick.VTSymbol(),
				"error":     err.Error(),
			}).Warn("tick tracker touch failed")
		}
	}
}

func (o *Orchestrator) logSnapshot() {
	stats := o.Stats()
	logrus.WithFields(logrus.Fields{
		"published":      stats.Published,
		"publish_errors": stats.PublishErrors,
		"tracker_errors": stats.TrackerErrors,
	}).Info("ingest snapshot")
}
