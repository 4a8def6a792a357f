// Package controlplane answers request/reply messages on the bus. It talks
// to injected collaborators only, never to the vendor session directly.
package controlplane

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/nats-io/nats.go"
	"github.com/quantfeed/md-bridge/internal/constant"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/quantfeed/md-bridge/internal/ratelimit"
	"github.com/quantfeed/md-bridge/internal/util"
	"github.com/sirupsen/logrus"
)

const (
	defaultListTimeout = 3 * time.Second
	minListTimeout     = 500 * time.Millisecond
	maxListTimeout     = 15 * time.Second
)

// ContractCatalog is the cached contract set consulted before any live
// vendor query.
type ContractCatalog interface {
	Load(ctx context.Context) ([]string, bool, error)
	Save(ctx context.Context, symbols []string) error
}

// Subscriber performs a single symbol subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, vtSymbol string) (*entity.Subscription, error)
}

// ActiveLister returns the persisted active subscriptions.
type ActiveLister interface {
	GetActive(ctx context.Context) ([]entity.Subscription, error)
}

// VendorQuery fetches the live contract list bounded by ctx.
type VendorQuery func(ctx context.Context) ([]string, error)

type ContractsListRequest struct {
	TimeoutS float64 `json:"timeout_s,omitempty"`
}

type ContractsListResponse struct {
	Symbols []string `json:"symbols"`
	Source  string   `json:"source"`
	Ts      string   `json:"ts"`
}

type SubscribeBulkRequest struct {
	Symbols []string `json:"symbols"`
}

type RejectedSymbol struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

type SubscribeBulkResponse struct {
	Accepted []string         `json:"accepted"`
	Rejected []RejectedSymbol `json:"rejected"`
	Ts       string           `json:"ts"`
}

type SubscriptionsActiveRequest struct {
	Limit int `json:"limit,omitempty"`
}

type SubscriptionsActiveResponse struct {
	Subscriptions []entity.SubscriptionRecord `json:"subscriptions"`
	Total         int                         `json:"total"`
	Ts            string                      `json:"ts"`
	Source        string                      `json:"source"`
	Truncated     bool                        `json:"truncated,omitempty"`
	Error         string                      `json:"error,omitempty"`
}

// Server serves md.contracts.list, md.subscribe.bulk and
// md.subscriptions.active. Every request gets a well-formed JSON reply,
// collaborator failures included.
type Server struct {
	catalog    ContractCatalog
	vendor     VendorQuery
	subscriber Subscriber
	store      ActiveLister
	tracker    entity.TickTracker
	limiter    *ratelimit.Limiter

	subscriptions []*nats.Subscription
}

func NewServer(
	catalog ContractCatalog,
	vendor VendorQuery,
	subscriber Subscriber,
	store ActiveLister,
	tracker entity.TickTracker,
	limiter *ratelimit.Limiter,
) *Server {
	return &Server{
		catalog:    catalog,
		vendor:     vendor,
		subscriber: subscriber,
		store:      store,
		tracker:    tracker,
		limiter:    limiter,
	}
}

// Start registers the RPC handlers on an established bus connection.
func (s *Server) Start(conn *nats.Conn) error {
	handlers := map[string]func(msg *nats.Msg){
		constant.ContractsListSubject:       s.onContractsList,
		constant.SubscribeBulkSubject:       s.onSubscribeBulk,
		constant.SubscriptionsActiveSubject: s.onSubscriptionsActive,
	}

	subjects := make([]string, 0, len(handlers))
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subscriptions = append(s.subscriptions, sub)
		subjects = append(subjects, subject)
	}

	logrus.WithField("subjects", subjects).Info("rpc listeners ready")
	return nil
}

// Stop unregisters the RPC handlers. The connection stays open; it is owned
// by the caller.
func (s *Server) Stop() {
	for _, sub := range s.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			logrus.Debugf("rpc unsubscribe failed: %v", err)
		}
	}
	s.subscriptions = nil
}

func (s *Server) onContractsList(msg *nats.Msg) {
	defer recoverToReply(msg)

	var req ContractsListRequest
	_ = json.Unmarshal(msg.Data, &req)

	resp := s.HandleContractsList(context.Background(), req)
	if err := util.RespondJSON(msg, resp); err != nil {
		logrus.Errorf("contracts list reply failed: %v", err)
	}
}

func (s *Server) onSubscribeBulk(msg *nats.Msg) {
	defer recoverToReply(msg)

	var req SubscribeBulkRequest
	_ = json.Unmarshal(msg.Data, &req)

	resp := s.HandleSubscribeBulk(context.Background(), req)
	if err := util.RespondJSON(msg, resp); err != nil {
		logrus.Errorf("subscribe bulk reply failed: %v", err)
	}
}

func (s *Server) onSubscriptionsActive(msg *nats.Msg) {
	defer recoverToReply(msg)

	var req SubscriptionsActiveRequest
	_ = json.Unmarshal(msg.Data, &req)

	resp := s.HandleSubscriptionsActive(context.Background(), req)
	if err := util.RespondJSON(msg, resp); err != nil {
		logrus.Errorf("subscriptions active reply failed: %v", err)
	}
}

// HandleContractsList prefers the cached catalogue, falls back to a
// bounded-timeout live vendor query, and degrades to an empty tagged list.
func (s *Server) HandleContractsList(ctx context.Context, req ContractsListRequest) ContractsListResponse {
	resp := ContractsListResponse{
		Symbols: []string{},
		Source:  "empty",
		Ts:      nowTs(),
	}

	if s.catalog != nil {
		symbols, ok, err := s.catalog.Load(ctx)
		if err != nil {
			logrus.Warnf("contract catalogue load failed: %v", err)
		} else if ok && len(symbols) > 0 {
			sort.Strings(symbols)
			resp.Symbols = symbols
			resp.Source = "cache"
			return resp
		}
	}

	if s.vendor == nil {
		return resp
	}

	queryCtx, cancel := context.WithTimeout(ctx, clampListTimeout(req.TimeoutS))
	defer cancel()

	symbols, err := s.vendor(queryCtx)
	if err != nil {
		logrus.Warnf("vendor contract query failed: %v", err)
		return resp
	}
	if len(symbols) == 0 {
		return resp
	}

	if s.catalog != nil {
		if err := s.catalog.Save(ctx, symbols); err != nil {
			logrus.Warnf("contract catalogue save failed: %v", err)
		}
	}

	sort.Strings(symbols)
	resp.Symbols = symbols
	resp.Source = "vendor"
	return resp
}

// HandleSubscribeBulk de-duplicates first-wins and subscribes each symbol,
// collecting failures instead of aborting the batch.
func (s *Server) HandleSubscribeBulk(ctx context.Context, req SubscribeBulkRequest) SubscribeBulkResponse {
	resp := SubscribeBulkResponse{
		Accepted: []string{},
		Rejected: []RejectedSymbol{},
		Ts:       nowTs(),
	}

	seen := make(map[string]struct{}, len(req.Symbols))
	for _, vtSymbol := range req.Symbols {
		if _, dup := seen[vtSymbol]; dup {
			continue
		}
		seen[vtSymbol] = struct{}{}

		if err := s.subscribeOne(ctx, vtSymbol); err != nil {
			resp.Rejected = append(resp.Rejected, RejectedSymbol{Symbol: vtSymbol, Reason: err.Error()})
			continue
		}
		resp.Accepted = append(resp.Accepted, vtSymbol)
	}
	return resp
}

func (s *Server) subscribeOne(ctx context.Context, vtSymbol string) error {
	if s.subscriber == nil {
		return fmt.Errorf("no subscriber configured")
	}
	if s.limiter != nil && s.limiter.Enabled() {
		if err := s.limiter.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%w: %v", ratelimit.ErrRateLimited, err)
		}
	}
	_, err := s.subscriber.Subscribe(ctx, vtSymbol)
	return err
}

// HandleSubscriptionsActive reports persisted subscriptions enriched with
// last-tick times. A failing backend degrades to an empty tagged list.
func (s *Server) HandleSubscriptionsActive(ctx context.Context, req SubscriptionsActiveRequest) SubscriptionsActiveResponse {
	resp := SubscriptionsActiveResponse{
		Subscriptions: []entity.SubscriptionRecord{},
		Ts:            nowTs(),
		Source:        "store",
	}

	if s.store == nil {
		resp.Source = "error"
		resp.Error = "no subscription store configured"
		return resp
	}

	active, err := s.store.GetActive(ctx)
	if err != nil {
		logrus.Warnf("active subscription query failed: %v", err)
		resp.Source = "error"
		resp.Error = err.Error()
		return resp
	}

	lastTicks := s.lastTickTimes(ctx, active)

	records := make([]entity.SubscriptionRecord, 0, len(active))
	for _, sub := range active {
		record := entity.SubscriptionRecord{
			Symbol:         sub.VTSymbol(),
			SubscriptionID: sub.ID,
			Exchange:       sub.Exchange,
			CreatedAt:      sub.CreatedAt,
			Active:         sub.Active,
		}
		if at, seen := lastTicks[sub.VTSymbol()]; seen {
			record.LastTickAt = null.TimeFrom(time.Unix(at, 0).In(entity.ExchangeTZ))
		}
		records = append(records, record)
	}

	resp.Total = len(records)
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
		resp.Truncated = true
	}
	resp.Subscriptions = records
	return resp
}

// bulkTickTracker is implemented by trackers that can dump every last-tick
// timestamp in one round trip.
type bulkTickTracker interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// lastTickTimes resolves last-tick timestamps for the given subscriptions,
// preferring a single bulk snapshot over per-symbol lookups.
func (s *Server) lastTickTimes(ctx context.Context, active []entity.Subscription) map[string]int64 {
	if s.tracker == nil {
		return nil
	}
	if bulk, ok := s.tracker.(bulkTickTracker); ok {
		snap, err := bulk.Snapshot(ctx)
		if err == nil {
			return snap
		}
		logrus.Warnf("tick tracker snapshot failed, falling back to per-symbol lookups: %v", err)
	}
	lastTicks := make(map[string]int64, len(active))
	for _, sub := range active {
		if at, seen, err := s.tracker.LastTickAt(ctx, sub.VTSymbol()); err == nil && seen {
			lastTicks[sub.VTSymbol()] = at
		}
	}
	return lastTicks
}

func clampListTimeout(timeoutS float64) time.Duration {
	if timeoutS <= 0 {
		return defaultListTimeout
	}
	timeout := time.Duration(timeoutS * float64(time.Second))
	if timeout < minListTimeout {
		return minListTimeout
	}
	if timeout > maxListTimeout {
		return maxListTimeout
	}
	return timeout
}

func nowTs() string {
	return time.Now().In(entity.ExchangeTZ).Format(time.RFC3339)
}

func recoverToReply(msg *nats.Msg) {
	recovered := recover()
	if recovered == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"subject": msg.Subject,
		"panic":   recovered,
	}).Error("rpc handler panic")
	_ = util.RespondJSON(msg, map[string]string{
		"error": fmt.Sprintf("internal error: %v", recovered),
	})
}
