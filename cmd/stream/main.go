// Command stream runs Stream: live per-address fill ingestion with
// reconnect-with-backoff, position-chain validation, minute-bar/ATR
// computation, and the WebSocket fan-out hub (spec.md §4.2).
package main

import (
	"context"
	_ "embed"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/config"
	"github.com/sigmapilot/sigmapilot/internal/hlinfo"
	"github.com/sigmapilot/sigmapilot/internal/httpserver"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/store"
	"github.com/sigmapilot/sigmapilot/internal/stream"
	"github.com/sigmapilot/sigmapilot/internal/venue"
)

//go:embed openapi.yaml
var openapiDoc []byte

const serviceName = "stream"

// reconcileInterval is how often the tracked-address set is re-derived
// from pinned accounts and the alpha pool.
const reconcileInterval = time.Minute

func main() {
	config.Load()
	logger.Init(serviceName, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra := config.LoadInfra()
	streamCfg := config.LoadStream()

	st, err := store.Open(ctx, infra.DatabaseURL)
	if err != nil {
		logger.Errorf("stream: open store: %v", err)
		return
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Errorf("stream: migrate: %v", err)
		return
	}

	b, err := bus.Connect(infra.NATSURL)
	if err != nil {
		logger.Errorf("stream: connect bus: %v", err)
		return
	}
	defer b.Close()

	venueCfg := config.LoadVenueConfig()
	info, err := hlinfo.Dial(hlinfo.Config{Wallet: venueCfg.HyperliquidWallet, Testnet: venueCfg.HyperliquidTestnet}, st)
	if err != nil {
		logger.Errorf("stream: dial venue info client: %v", err)
		return
	}
	markSource, err := venue.New(venue.Hyperliquid, venueCfg)
	if err != nil {
		logger.Errorf("stream: construct mark-price venue: %v", err)
		return
	}
	if err := markSource.Connect(ctx); err != nil {
		logger.Errorf("stream: connect mark-price venue: %v", err)
		return
	}

	hub := stream.NewHub(streamCfg.RingBufferSize, streamCfg.FanoutBatchSize, streamCfg.HeartbeatInterval)
	manager := stream.NewManager(streamCfg.WSSlotCeiling)

	onFill := func(f model.Fill) {
		isNew, err := st.InsertFill(ctx, f)
		if err != nil {
			logger.Errorf("stream: persist fill %s: %v", f.FillID, err)
			return
		}
		if !isNew {
			return // idempotent redelivery, already processed
		}
		if err := b.Publish(ctx, bus.Fills, f); err != nil {
			logger.Errorf("stream: publish fill %s: %v", f.FillID, err)
		}
		hub.Publish("fill", f)
	}

	backoff := stream.BackoffPolicy{Base: streamCfg.BackoffBase, Cap: streamCfg.BackoffCap}
	trackers := newTrackerSet(info, backoff, onFill)
	go trackers.reconcileLoop(ctx, st, manager)

	validator := stream.NewValidator(st, info, streamCfg.ValidatorInterval)
	go validator.Run(ctx, trackers.trackedPairs)

	onPrice := func(asset model.Asset, price float64) { hub.SetPrice(string(asset), price) }
	priceFeed := stream.NewPriceFeed(markSource, st, []model.Asset{model.AssetBTC, model.AssetETH}, streamCfg.PriceFeedInterval, onPrice)
	go priceFeed.Run(ctx)

	engine := httpserver.NewEngine(serviceName, openapiDoc)
	engine.GET("/ws", hub.ServeWS)

	if err := httpserver.Serve(ctx, serviceName, ":8083", engine); err != nil {
		logger.Errorf("stream: serve: %v", err)
	}
}

// trackerSet owns the live set of running per-address Trackers, started
// and stopped as reconcileLoop re-derives the watchlist from pinned
// accounts and the alpha pool.
type trackerSet struct {
	feed    *hlinfo.Client
	backoff stream.BackoffPolicy
	onFill  func(model.Fill)

	mu      sync.Mutex
	running map[model.Address]context.CancelFunc
}

func newTrackerSet(feed *hlinfo.Client, backoff stream.BackoffPolicy, onFill func(model.Fill)) *trackerSet {
	return &trackerSet{
		feed:    feed,
		backoff: backoff,
		onFill:  onFill,
		running: make(map[model.Address]context.CancelFunc),
	}
}

// trackedPairs satisfies the validator's tracked() callback: every
// currently-tracked address crossed with the two traded assets.
func (s *trackerSet) trackedPairs() []stream.AddressAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.AddressAsset, 0, len(s.running)*2)
	for addr := range s.running {
		out = append(out, stream.AddressAsset{Address: addr, Asset: model.AssetBTC}, stream.AddressAsset{Address: addr, Asset: model.AssetETH})
	}
	return out
}

// reconcileLoop re-derives the watchlist from the pinned registry and the
// alpha pool every reconcileInterval, registering/unregistering addresses
// with manager and starting/stopping Trackers to match. Transport
// (websocket vs polling) is tracked by manager for the slot-ceiling
// bookkeeping spec.md §4.2 describes; Stream currently has a single live
// subscription path for both, since the venue info client exposes no
// separate REST-poll fill feed.
func (s *trackerSet) reconcileLoop(ctx context.Context, st *store.Store, manager *stream.Manager) {
	s.reconcileOnce(ctx, st, manager)
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcileOnce(ctx, st, manager)
		}
	}
}

func (s *trackerSet) reconcileOnce(ctx context.Context, st *store.Store, manager *stream.Manager) {
	pinned, err := st.PinnedAccounts(ctx)
	if err != nil {
		logger.Errorf("stream: reconcile: load pinned: %v", err)
		return
	}
	pool, err := st.ActivePoolMembers(ctx)
	if err != nil {
		logger.Errorf("stream: reconcile: load pool: %v", err)
		return
	}

	want := make(map[model.Address]struct{}, len(pinned)+len(pool))
	for _, p := range pinned {
		manager.Register(p.Address, stream.SourcePinned)
		want[p.Address] = struct{}{}
	}
	for _, m := range pool {
		manager.Register(m.Address, stream.SourceAlphaPool)
		want[m.Address] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for addr := range want {
		if _, ok := s.running[addr]; ok {
			continue
		}
		trackerCtx, cancel := context.WithCancel(ctx)
		s.running[addr] = cancel
		t := stream.NewTracker(addr, s.feed, s.backoff, s.onFill, nil)
		go t.Run(trackerCtx)
	}
	for addr, cancel := range s.running {
		if _, ok := want[addr]; !ok {
			cancel()
			delete(s.running, addr)
			manager.Unregister(addr, stream.SourceAlphaPool)
			manager.Unregister(addr, stream.SourcePinned)
		}
	}
}

func (s *trackerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, cancel := range s.running {
		cancel()
		delete(s.running, addr)
	}
}
