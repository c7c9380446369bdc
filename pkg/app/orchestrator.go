// File: pkg/app/orchestrator.go
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/voyager418/mountain-seeker-sub000/dataprovider"
	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/strategy"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// StopReport summarizes a stop-all request: strategies that were mid-trade
// keep monitoring their open position until it resolves, the rest go quiet
// immediately.
type StopReport struct {
	Total    int `json:"total"`
	MidTrade int `json:"mid_trade"`
	Idle     int `json:"idle"`
}

// AccountStatus is one account's view for the status endpoint.
type AccountStatus struct {
	Email         string  `json:"email"`
	Simulation    bool    `json:"simulation"`
	State         string  `json:"state"`
	Busy          bool    `json:"busy"`
	SessionsEnded int     `json:"sessions_ended"`
	LastProfit    float64 `json:"last_profit_percent"`
}

// Orchestrator owns one strategy instance per active account, registers them
// with the market distributor and reacts to their typed session results.
type Orchestrator struct {
	distributor *dataprovider.Distributor
	store       *dataprovider.SQLiteStore
	logger      *utilities.Logger

	mu         sync.Mutex
	strategies map[string]*strategy.MountainSeeker
	ended      map[string]int
	lastProfit map[string]float64
	stopped    bool
}

func NewOrchestrator(distributor *dataprovider.Distributor, store *dataprovider.SQLiteStore, logger *utilities.Logger) *Orchestrator {
	return &Orchestrator{
		distributor: distributor,
		store:       store,
		logger:      logger,
		strategies:  make(map[string]*strategy.MountainSeeker),
		ended:       make(map[string]int),
		lastProfit:  make(map[string]float64),
	}
}

// StartAccounts builds and registers a strategy for every active account.
// Inactive accounts are skipped, a broken account config fails the startup.
func (o *Orchestrator) StartAccounts(accounts []utilities.AccountConfig, exchange broker.Exchange, notifier strategy.Notifier) error {
	started := 0
	for _, account := range accounts {
		if !account.Active {
			o.logger.LogInfo("Orchestrator: account %s is inactive, skipping.", account.Email)
			continue
		}
		squeeze := strategy.NewSqueezeEngine(account.Strategy.SqueezeScriptPath, o.logger)
		seeker, err := strategy.NewMountainSeeker(account, exchange, o.store, squeeze, notifier, o.logger)
		if err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		seeker.SetResultHandler(o.handleResult)
		if err := o.distributor.Subscribe(seeker); err != nil {
			return fmt.Errorf("orchestrator: registering %s: %w", account.Email, err)
		}
		o.mu.Lock()
		o.strategies[account.Email] = seeker
		o.mu.Unlock()
		o.persistAccountState(account.Email, true, "")
		started++
	}
	if started == 0 {
		return fmt.Errorf("orchestrator: no active account to trade with")
	}
	o.logger.LogInfo("Orchestrator: %d account(s) registered for trading.", started)
	return nil
}

// handleResult is invoked by a strategy once per finished session.
func (o *Orchestrator) handleResult(result strategy.SessionResult) {
	o.mu.Lock()
	o.ended[result.AccountEmail]++
	o.lastProfit[result.AccountEmail] = result.ProfitPercent
	seeker := o.strategies[result.AccountEmail]
	o.mu.Unlock()

	o.persistAccountState(result.AccountEmail, !result.StopTrading, result.Reason)

	if !result.StopTrading || seeker == nil {
		return
	}
	o.logger.LogWarn("Orchestrator: deregistering account %s: %s", result.AccountEmail, result.Reason)
	o.distributor.Unsubscribe(seeker)
	o.mu.Lock()
	delete(o.strategies, result.AccountEmail)
	o.mu.Unlock()
}

// StopAll prevents every strategy from opening new positions. Strategies
// holding a position finish monitoring it on their own; the report tells the
// caller how many of those are left.
func (o *Orchestrator) StopAll() StopReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	report := StopReport{}
	for _, seeker := range o.strategies {
		seeker.Stop()
		report.Total++
		if seeker.Busy() {
			report.MidTrade++
		} else {
			report.Idle++
		}
	}
	o.stopped = true
	o.logger.LogWarn("Orchestrator: stop-all requested. %d strategies stopped, %d still mid-trade.", report.Total, report.MidTrade)
	return report
}

// Stopped reports whether a stop-all was requested.
func (o *Orchestrator) Stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Statuses returns a snapshot of every registered account.
func (o *Orchestrator) Statuses() []AccountStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]AccountStatus, 0, len(o.strategies))
	for email, seeker := range o.strategies {
		out = append(out, AccountStatus{
			Email:         email,
			Simulation:    seeker.IsSimulation(),
			State:         string(seeker.State()),
			Busy:          seeker.Busy(),
			SessionsEnded: o.ended[email],
			LastProfit:    o.lastProfit[email],
		})
	}
	return out
}

func (o *Orchestrator) persistAccountState(email string, running bool, lastResult string) {
	if o.store == nil {
		return
	}
	rec := dataprovider.AccountStateRecord{
		Email:      email,
		Active:     true,
		Running:    running,
		LastResult: lastResult,
	}
	if err := o.store.SaveAccountState(rec); err != nil {
		o.logger.LogWarn("Orchestrator: could not persist state for %s: %v", email, err)
	}
}

// RunContext wires the orchestrator into an application context so a
// cancellation also stops new sessions.
func (o *Orchestrator) RunContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		o.StopAll()
	}()
}
