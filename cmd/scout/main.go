// Command scout runs Scout: leaderboard discovery, scoring, and the
// pinned-account registry (spec.md §4.1).
package main

import (
	"context"
	_ "embed"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/config"
	"github.com/sigmapilot/sigmapilot/internal/hlinfo"
	"github.com/sigmapilot/sigmapilot/internal/httpserver"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/scout"
	"github.com/sigmapilot/sigmapilot/internal/store"
)

//go:embed openapi.yaml
var openapiDoc []byte

const serviceName = "scout"

const leaderboardPeriodDays = 30

func main() {
	config.Load()
	logger.Init(serviceName, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra := config.LoadInfra()
	pool := config.LoadAlphaPool()

	st, err := store.Open(ctx, infra.DatabaseURL)
	if err != nil {
		logger.Errorf("scout: open store: %v", err)
		return
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Errorf("scout: migrate: %v", err)
		return
	}

	b, err := bus.Connect(infra.NATSURL)
	if err != nil {
		logger.Errorf("scout: connect bus: %v", err)
		return
	}
	defer b.Close()

	venueCfg := config.LoadVenueConfig()
	info, err := hlinfo.Dial(hlinfo.Config{Wallet: venueCfg.HyperliquidWallet, Testnet: venueCfg.HyperliquidTestnet}, st)
	if err != nil {
		logger.Errorf("scout: dial venue info client: %v", err)
		return
	}

	svc := scout.NewService(info, st, b, pool.EnrichTopK)
	registry := scout.NewPinnedRegistry(st)

	go runRefreshLoop(ctx, svc)

	engine := httpserver.NewEngine(serviceName, openapiDoc)
	owner := engine.Group("/", httpserver.OwnerAuth(infra.OwnerToken))
	owner.POST("/leaderboard/refresh", func(c *gin.Context) {
		if err := svc.Refresh(c.Request.Context(), leaderboardPeriodDays); err != nil {
			httpserver.RespondError(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
	})
	owner.POST("/pinned-accounts/leaderboard", func(c *gin.Context) {
		var req struct {
			Address string `json:"address" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			httpserver.RespondError(c, http.StatusBadRequest, err)
			return
		}
		if err := registry.AddLeaderboardPin(c.Request.Context(), model.Address(req.Address)); err != nil {
			httpserver.RespondError(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "pinned"})
	})
	owner.POST("/pinned-accounts/custom", func(c *gin.Context) {
		var req struct {
			Address string `json:"address" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			httpserver.RespondError(c, http.StatusBadRequest, err)
			return
		}
		if err := registry.AddCustomPin(c.Request.Context(), model.Address(req.Address)); err != nil {
			httpserver.RespondError(c, http.StatusConflict, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "pinned"})
	})

	if err := httpserver.Serve(ctx, serviceName, ":8081", engine); err != nil {
		logger.Errorf("scout: serve: %v", err)
	}
}

// runRefreshLoop runs Scout's refresh protocol immediately at boot (so a
// fresh deploy has a populated leaderboard without waiting for the first
// cadence tick) and then every 24h, mirroring Sage's pool-refresh cadence.
func runRefreshLoop(ctx context.Context, svc *scout.Service) {
	if err := svc.Refresh(ctx, leaderboardPeriodDays); err != nil {
		logger.Errorf("scout: initial refresh: %v", err)
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Refresh(ctx, leaderboardPeriodDays); err != nil {
				logger.Errorf("scout: scheduled refresh: %v", err)
			}
		}
	}
}
