// Command sage runs Sage: Alpha Pool selection via Thompson sampling,
// posterior maintenance, pairwise correlation, and the daily shadow-ledger
// snapshot (spec.md §4.3).
package main

import (
	"context"
	"encoding/json"
	_ "embed"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/config"
	"github.com/sigmapilot/sigmapilot/internal/hlinfo"
	"github.com/sigmapilot/sigmapilot/internal/httpserver"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/sage"
	"github.com/sigmapilot/sigmapilot/internal/scout"
	"github.com/sigmapilot/sigmapilot/internal/store"
)

//go:embed openapi.yaml
var openapiDoc []byte

const serviceName = "sage"

const correlationBucketLookback = 7 * 24 * time.Hour

func main() {
	config.Load()
	logger.Init(serviceName, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra := config.LoadInfra()
	poolCfg := config.LoadAlphaPool()

	st, err := store.Open(ctx, infra.DatabaseURL)
	if err != nil {
		logger.Errorf("sage: open store: %v", err)
		return
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Errorf("sage: migrate: %v", err)
		return
	}

	b, err := bus.Connect(infra.NATSURL)
	if err != nil {
		logger.Errorf("sage: connect bus: %v", err)
		return
	}
	defer b.Close()

	venueCfg := config.LoadVenueConfig()
	info, err := hlinfo.Dial(hlinfo.Config{Wallet: venueCfg.HyperliquidWallet, Testnet: venueCfg.HyperliquidTestnet}, st)
	if err != nil {
		logger.Errorf("sage: dial venue info client: %v", err)
		return
	}

	tracker := sage.NewCandidateTracker()
	selector := sage.NewSelector(st, b, poolCfg.MinEpisodes, poolCfg.SelectK)
	refresher := sage.NewPoolRefresher(selector, st, info)
	posteriorMaintainer := sage.NewPosteriorMaintainer(st)
	correlationJob := sage.NewCorrelationJob(st, st)
	snapshotJob := sage.NewSnapshotJob(st)
	features := sage.NewFeatureBuilder(st, info)

	go func() {
		err := b.Subscribe(ctx, bus.Candidates, "sage-candidates", func(ctx context.Context, data json.RawMessage) error {
			var evt scout.CandidateEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				return err
			}
			tracker.Observe(evt.Address)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Errorf("sage: candidates subscription ended: %v", err)
		}
	}()

	go func() {
		err := b.Subscribe(ctx, bus.Outcomes, "sage-outcomes", func(ctx context.Context, data json.RawMessage) error {
			var out model.Outcome
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			return posteriorMaintainer.ApplyOutcome(ctx, out.Address, out.ResultR)
		})
		if err != nil && ctx.Err() == nil {
			logger.Errorf("sage: outcomes subscription ended: %v", err)
		}
	}()

	go refresher.RunPeriodic(ctx, tracker, time.Now)
	go runCorrelationLoop(ctx, st, correlationJob)
	go runSnapshotLoop(ctx, st, features, snapshotJob)

	engine := httpserver.NewEngine(serviceName, openapiDoc)
	owner := engine.Group("/", httpserver.OwnerAuth(infra.OwnerToken))
	owner.POST("/alpha-pool/refresh", func(c *gin.Context) {
		if limitStr := c.Query("limit"); limitStr != "" {
			if n, err := strconv.Atoi(limitStr); err == nil {
				selector = sage.NewSelector(st, b, poolCfg.MinEpisodes, n)
				refresher = sage.NewPoolRefresher(selector, st, info)
			}
		}
		members, err := refresher.Refresh(c.Request.Context(), time.Now(), tracker)
		if err != nil {
			httpserver.RespondError(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "refreshed", "pool_size": len(members)})
	})
	owner.POST("/snapshots/create", func(c *gin.Context) {
		if err := runSnapshot(c.Request.Context(), st, features, snapshotJob); err != nil {
			httpserver.RespondError(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "created"})
	})

	if err := httpserver.Serve(ctx, serviceName, ":8082", engine); err != nil {
		logger.Errorf("sage: serve: %v", err)
	}
}

func runCorrelationLoop(ctx context.Context, st *store.Store, job *sage.CorrelationJob) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool, err := st.ActivePoolMembers(ctx)
			if err != nil {
				logger.Errorf("sage: load pool for correlation: %v", err)
				continue
			}
			addrs := make([]model.Address, len(pool))
			for i, m := range pool {
				addrs[i] = m.Address
			}
			if err := job.Run(ctx, addrs, time.Now()); err != nil {
				logger.Errorf("sage: correlation run: %v", err)
			}
		}
	}
}

func runSnapshotLoop(ctx context.Context, st *store.Store, features *sage.FeatureBuilder, job *sage.SnapshotJob) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runSnapshot(ctx, st, features, job); err != nil {
				logger.Errorf("sage: daily snapshot: %v", err)
			}
		}
	}
}

// runSnapshot loads the active pool as of this call, treated as
// the "previous" membership set when building the next snapshot's
// promoted/demoted classification (spec.md §4.3: compared against the
// just-computed selection run moments earlier by RunPeriodic/Refresh).
func runSnapshot(ctx context.Context, st *store.Store, features *sage.FeatureBuilder, job *sage.SnapshotJob) error {
	pool, err := st.ActivePoolMembers(ctx)
	if err != nil {
		return err
	}
	poolAddrs := make([]model.Address, len(pool))
	priorPool := make(map[model.Address]bool, len(pool))
	for i, m := range pool {
		poolAddrs[i] = m.Address
		priorPool[m.Address] = true
	}
	pinned, err := st.PinnedAccounts(ctx)
	if err != nil {
		return err
	}
	pinnedAddrs := make([]model.Address, len(pinned))
	for i, p := range pinned {
		pinnedAddrs[i] = p.Address
	}

	now := time.Now()
	feats, err := features.Build(ctx, now, poolAddrs, pinnedAddrs, priorPool, 1)
	if err != nil {
		return err
	}
	return job.Run(ctx, now, 1, feats, now)
}
