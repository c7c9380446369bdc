package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voyager418/mountain-seeker-sub000/dataprovider"
	"github.com/voyager418/mountain-seeker-sub000/notification/discord"
	"github.com/voyager418/mountain-seeker-sub000/pkg/broker/binance"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
	"github.com/voyager418/mountain-seeker-sub000/web"
)

// application bundles the long-lived components and implements
// web.AppController for the HTTP API.
type application struct {
	cfg          *utilities.AppConfig
	logger       *utilities.Logger
	store        *dataprovider.SQLiteStore
	distributor  *dataprovider.Distributor
	orchestrator *Orchestrator
}

func (a *application) Logger() *utilities.Logger { return a.logger }

func (a *application) StatusReport() web.StatusReport {
	statuses := a.orchestrator.Statuses()
	accounts := make([]web.AccountStatus, 0, len(statuses))
	for _, s := range statuses {
		accounts = append(accounts, web.AccountStatus{
			Email:         s.Email,
			Simulation:    s.Simulation,
			State:         s.State,
			Busy:          s.Busy,
			SessionsEnded: s.SessionsEnded,
			LastProfit:    s.LastProfit,
		})
	}
	return web.StatusReport{
		AppName:     a.cfg.AppName,
		Version:     a.cfg.Version,
		Environment: a.cfg.Environment,
		Stopped:     a.orchestrator.Stopped(),
		Observers:   a.distributor.ObserverCount(),
		Accounts:    accounts,
	}
}

func (a *application) StopTrading() web.StopSummary {
	report := a.orchestrator.StopAll()
	return web.StopSummary{Total: report.Total, MidTrade: report.MidTrade, Idle: report.Idle}
}

func (a *application) RecentSessions(limit int) ([]web.SessionSummary, error) {
	records, err := a.store.GetRecentSessions(limit)
	if err != nil {
		return nil, err
	}
	out := make([]web.SessionSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, web.SessionSummary{
			ID:            rec.ID,
			AccountEmail:  rec.AccountEmail,
			Symbol:        rec.Symbol,
			Result:        rec.Result,
			Simulated:     rec.Simulated,
			ProfitPercent: rec.ProfitPercent,
			ProfitQuote:   rec.ProfitQuote,
			StartedAt:     rec.StartedAt.UnixMilli(),
			EndedAt:       rec.EndedAt.UnixMilli(),
		})
	}
	return out, nil
}

// Run wires the application together and blocks until the context is
// canceled or the market distributor stops.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	if len(cfg.Accounts) == 0 {
		return errors.New("pre-flight check failed: no accounts configured in config.json")
	}
	hasActive := false
	for _, account := range cfg.Accounts {
		if account.Active {
			hasActive = true
			break
		}
	}
	if !hasActive {
		return errors.New("pre-flight check failed: every configured account is inactive")
	}

	discordClient := discord.NewClient(cfg.Notification, logger)
	discordClient.SendMessage(fmt.Sprintf("✅ **%s v%s Starting Up**", cfg.AppName, cfg.Version))
	defer discordClient.SendMessage(fmt.Sprintf("🛑 **%s Shutting Down**", cfg.AppName))

	logger.LogInfo("AppRun: Starting pre-flight checks...")

	store, err := dataprovider.NewSQLiteStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("pre-flight check failed: sqlite store init failed: %w", err)
	}
	defer store.Close()
	go store.StartScheduledCleanup(24 * time.Hour)

	if states, err := store.LoadAccountStates(); err == nil && len(states) > 0 {
		for email, state := range states {
			logger.LogInfo("AppRun: previous state for %s: running=%v last_result=%q", email, state.Running, state.LastResult)
		}
	}

	requestTimeout := 15 * time.Second
	if cfg.Binance.RequestTimeoutSec > 0 {
		requestTimeout = time.Duration(cfg.Binance.RequestTimeoutSec) * time.Second
	}
	sharedHTTPClient := &http.Client{Timeout: requestTimeout}

	logger.LogInfo("Pre-Flight: Initializing and verifying exchange connector (Binance)...")
	connector := binance.NewConnector(&cfg.Binance, sharedHTTPClient, logger)
	if _, err := connector.GetMarketsBy24hVariation(ctx, cfg.Distributor.MinPercentChange24h); err != nil {
		return fmt.Errorf("pre-flight check failed: could not reach the exchange: %w", err)
	}
	if !cfg.Binance.Simulation {
		balances, err := connector.GetBalance(ctx, cfg.Distributor.AuthorizedQuoteAssets, 1)
		if err != nil {
			return fmt.Errorf("pre-flight check failed: could not read account balances. Check API keys and permissions: %w", err)
		}
		for asset, free := range balances {
			logger.LogInfo("Pre-Flight: free balance %.4f %s", free, asset)
		}
	} else {
		logger.LogWarn("AppRun: exchange connector runs in SIMULATION mode. No real orders will be placed.")
	}

	distributor := dataprovider.NewDistributor(connector, store, &cfg.Distributor, logger)
	orchestrator := NewOrchestrator(distributor, store, logger)
	if err := orchestrator.StartAccounts(cfg.Accounts, connector, discordClient); err != nil {
		return err
	}
	orchestrator.RunContext(ctx)

	a := &application{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		distributor:  distributor,
		orchestrator: orchestrator,
	}
	if cfg.Web.Enabled {
		web.StartWebServer(ctx, a, cfg.Web.ListenAddr)
	}

	logger.LogInfo("AppRun: pre-flight checks passed. Starting the market distributor...")
	return distributor.Run(ctx)
}
