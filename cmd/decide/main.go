// Command decide runs Decide: episode reconstruction, the five-gate
// consensus machine, the risk governor, the regime classifier, and the
// executor (spec.md §4.4).
package main

import (
	"context"
	"encoding/json"
	_ "embed"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sigmapilot/sigmapilot/internal/authtoken"
	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/config"
	"github.com/sigmapilot/sigmapilot/internal/decide"
	"github.com/sigmapilot/sigmapilot/internal/execution"
	"github.com/sigmapilot/sigmapilot/internal/httpserver"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/metrics"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/regime"
	"github.com/sigmapilot/sigmapilot/internal/risk"
	"github.com/sigmapilot/sigmapilot/internal/store"
	"github.com/sigmapilot/sigmapilot/internal/venue"
)

//go:embed openapi.yaml
var openapiDoc []byte

const serviceName = "decide"

// notionalInR is the representative order size G5's slippage estimate is
// computed against; spec.md §4.4.2 names the EV formula but not this
// input's value, so it is fixed at a size comparable to a full-Kelly
// position on a mid-sized account.
const notionalInR = 1000.0

var trackedAssets = []model.Asset{model.AssetBTC, model.AssetETH}

func main() {
	config.Load()
	logger.Init(serviceName, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra := config.LoadInfra()
	consensusCfg := config.LoadConsensus()
	kellyCfg := config.LoadKelly()
	execCfg := config.LoadExecution()
	atrCfg := config.LoadATR()
	venueCfg := config.LoadVenueConfig()

	st, err := store.Open(ctx, infra.DatabaseURL)
	if err != nil {
		logger.Errorf("decide: open store: %v", err)
		return
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Errorf("decide: migrate: %v", err)
		return
	}

	b, err := bus.Connect(infra.NATSURL)
	if err != nil {
		logger.Errorf("decide: connect bus: %v", err)
		return
	}
	defer b.Close()

	venues := make(map[venue.Name]venue.Venue)
	for _, name := range venue.All {
		v, err := venue.New(name, venueCfg)
		if err != nil {
			logger.Warnf("decide: venue %s unavailable: %v", name, err)
			continue
		}
		if err := v.Connect(ctx); err != nil {
			logger.Warnf("decide: venue %s connect failed: %v", name, err)
			continue
		}
		venues[name] = v
	}
	primary, ok := venues[venue.Name(execCfg.DefaultExchange)]
	if !ok {
		logger.Errorf("decide: default exchange %q is not connected", execCfg.DefaultExchange)
		return
	}

	equityTracker := &dailyEquityTracker{}
	fetch := func(ctx context.Context) (risk.AccountState, error) {
		acct, err := primary.Balance(ctx)
		if err != nil {
			return risk.AccountState{}, err
		}
		active, err := st.ActiveStops(ctx)
		if err != nil {
			return risk.AccountState{}, err
		}
		var existingNotional float64
		for _, a := range active {
			existingNotional += a.Size * a.StopPrice
		}
		accountValue := acct.Equity + acct.UnrealizedPnL
		return risk.AccountState{
			Equity:            acct.Equity,
			AccountValue:      accountValue,
			MaintenanceMargin: acct.MaintenanceMargin,
			ExistingNotional:  existingNotional,
			DailyStartEquity:  equityTracker.track(time.Now(), acct.Equity),
		}, nil
	}

	governor := risk.NewGovernor(func(guard string) {
		logger.Warnf("decide: safety guard tripped: %s", guard)
		metrics.RecordSafetyBlock(guard)
	})

	storedEnabled, err := st.ExecutionConfigEnabled(ctx)
	if err != nil {
		logger.Errorf("decide: load execution_config: %v", err)
		return
	}
	executor := execution.NewExecutor(venues, execution.Config{
		RealExecutionEnabled: execCfg.RealExecutionEnabled,
		StoredEnabled:        storedEnabled,
		MaxPositionHours:     execCfg.MaxPositionHours,
		StopPollInterval:     execCfg.StopPollInterval,
	})

	kelly := execution.KellySizing{
		KellyFraction:    kellyCfg.Fraction,
		KellyMinEpisodes: kellyCfg.MinEpisodes,
		KellyFallbackPct: kellyCfg.FallbackPct,
		RRatio:           execCfg.DefaultRRRatio,
	}

	market := decide.NewMarketCache(st, atrCfg)
	go market.RunRefresh(ctx, trackedAssets, time.Minute)

	correlation := decide.NewCorrelationCache()
	go correlation.RunRefresh(ctx, st, consensusCfg.CorrHalflife/30) // refresh cadence: ~30 refreshes per correlation half-life

	venueInputs := &decide.VenueInputs{
		Venues:         venues,
		ATR:            market,
		Correlation:    correlation,
		DefaultRho:     consensusCfg.DefaultRho,
		StopMultiplier: atrCfg.MultiplierBTC,
		RWin:           kelly.RRatio,
		RLoss:          1.0,
		NotionalInR:    notionalInR,
		PreferredVenue: execCfg.DefaultExchange,
	}

	orchestrator := decide.New(ctx, decide.Deps{
		ATR:            market,
		Risk:           governor,
		Fetch:          fetch,
		Executor:       executor,
		Kelly:          kelly,
		MaxPositionPct: risk.MaxPositionPct,
		Scores:         decide.NewScoreCache(),
		RegimeSource:   market,
		ATRSource:      market,
		Inputs:         venueInputs,
		Freshness:      consensusCfg.FreshnessWindow,
		Cooldown:       consensusCfg.Cooldown,
		Publisher:      b,
		Episodes:       st,
		Signals:        st,
		Decisions:      st,
		Stops:          st,
		EpisodeCtr:     st,
	})
	if err := orchestrator.Seed(ctx); err != nil {
		logger.Errorf("decide: seed orchestrator: %v", err)
		return
	}

	go func() {
		err := b.Subscribe(ctx, bus.Fills, "decide-fills", func(ctx context.Context, data json.RawMessage) error {
			var f model.Fill
			if err := json.Unmarshal(data, &f); err != nil {
				return err
			}
			return orchestrator.ProcessFill(ctx, f)
		})
		if err != nil && ctx.Err() == nil {
			logger.Errorf("decide: fills subscription ended: %v", err)
		}
	}()

	go func() {
		err := b.Subscribe(ctx, bus.Scores, "decide-scores", func(ctx context.Context, data json.RawMessage) error {
			var evt struct {
				Address      model.Address `json:"address"`
				Weight       float64       `json:"weight"`
				SampledMu    float64       `json:"sampled_mu"`
				Kappa        float64       `json:"kappa"`
				SelectedBool bool          `json:"selected_bool"`
				TS           time.Time     `json:"ts"`
			}
			if err := json.Unmarshal(data, &evt); err != nil {
				return err
			}
			orchestrator.ObserveScore(evt.Address, decide.ScoreEntry{
				Weight:       evt.Weight,
				SampledMu:    evt.SampledMu,
				Kappa:        evt.Kappa,
				SelectedBool: evt.SelectedBool,
				TS:           evt.TS,
			})
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Errorf("decide: scores subscription ended: %v", err)
		}
	}()

	go orchestrator.RunTimeoutSweep(ctx)
	go orchestrator.RunPriceTicks(ctx, 30*time.Second, trackedAssets)
	go runPriceUpdateLoop(ctx, orchestrator, market, trackedAssets)

	issuer := authtoken.NewIssuer(infra.OwnerToken)
	otpLookup := func() (string, bool) {
		if infra.OwnerTOTPSecret == "" {
			return "", false
		}
		return infra.OwnerTOTPSecret, true
	}
	replayer := decide.NewReplayer(st, kelly, risk.MaxPositionPct)

	engine := httpserver.NewEngine(serviceName, openapiDoc)
	engine.GET("/regime", func(c *gin.Context) {
		out := make(map[string]any, len(trackedAssets))
		for _, a := range trackedAssets {
			r := market.Regime(a)
			out[string(a)] = gin.H{"regime": r, "adjustments": regime.For(r), "atr": market.ATR(a)}
		}
		c.JSON(http.StatusOK, out)
	})

	owner := engine.Group("/", httpserver.OwnerAuth(infra.OwnerToken))
	_ = issuer // reserved for session-based admin auth alongside OwnerAuth

	owner.POST("/replay/run", func(c *gin.Context) {
		startStr := c.Query("start_date")
		endStr := c.Query("end_date")
		start, err1 := time.Parse("2006-01-02", startStr)
		end, err2 := time.Parse("2006-01-02", endStr)
		if err1 != nil || err2 != nil {
			httpserver.RespondError(c, http.StatusBadRequest, err1)
			return
		}
		result, err := replayer.Run(c.Request.Context(), start, end)
		if err != nil {
			httpserver.RespondError(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	owner.POST("/execution/config", func(c *gin.Context) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			httpserver.RespondError(c, http.StatusBadRequest, err)
			return
		}
		if req.Enabled && execCfg.RealExecutionEnabled {
			authtoken.StepUp(otpLookup)(c)
			if c.IsAborted() {
				return
			}
		}
		if err := st.SetExecutionConfigEnabled(c.Request.Context(), req.Enabled); err != nil {
			httpserver.RespondError(c, http.StatusBadGateway, err)
			return
		}
		executor.SetStoredEnabled(req.Enabled)
		c.JSON(http.StatusOK, gin.H{"status": "updated", "enabled": req.Enabled})
	})

	owner.POST("/risk/kill-switch/clear", authtoken.StepUp(otpLookup), func(c *gin.Context) {
		governor.ClearKillSwitch()
		if err := st.SetKillSwitch(c.Request.Context(), governor.KillSwitch()); err != nil {
			httpserver.RespondError(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	})

	if err := httpserver.Serve(ctx, serviceName, ":8084", engine); err != nil {
		logger.Errorf("decide: serve: %v", err)
	}
}

// runPriceUpdateLoop feeds the market cache's polled mid prices into the
// consensus machine's G4 price-band check, independent of RunPriceTicks'
// re-evaluation cadence (spec.md §4.4.2).
func runPriceUpdateLoop(ctx context.Context, o *decide.Orchestrator, market *decide.MarketCache, assets []model.Asset) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range assets {
				if p := market.Price(a); p > 0 {
					o.UpdatePrice(a, p)
				}
			}
		}
	}
}

// dailyEquityTracker remembers the first equity reading observed on each
// UTC calendar day, the risk governor's daily-drawdown baseline.
type dailyEquityTracker struct {
	mu    sync.Mutex
	day   time.Time
	start float64
}

func (t *dailyEquityTracker) track(now time.Time, equity float64) float64 {
	day := now.UTC().Truncate(24 * time.Hour)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.day.Equal(day) {
		t.day = day
		t.start = equity
	}
	return t.start
}
