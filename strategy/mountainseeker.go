// File: strategy/mountainseeker.go
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyager418/mountain-seeker-sub000/dataprovider"
	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// State is the lifecycle phase of a strategy instance.
type State string

const (
	StateIdle       State = "IDLE"
	StateSelecting  State = "SELECTING"
	StateEntering   State = "ENTERING"
	StateMonitoring State = "MONITORING"
	StateExiting    State = "EXITING"
	StateAborted    State = "ABORTED"
)

// minHoldBeforeStopRefresh is the minimum time a position must be held before
// the protective order may be replaced.
const minHoldBeforeStopRefresh = 60 * time.Second

// abortQuantityReductions are the fractions successively shaved off the sell
// quantity on the abort path, to route around "insufficient balance" failures
// caused by rounding and fees.
var abortQuantityReductions = []float64{0.0005, 0.005, 0.01, 0.02}

// SessionResult is the typed outcome of one trading session, reported to the
// orchestrator instead of raised.
type SessionResult struct {
	SessionID    string
	AccountEmail string
	Symbol       string
	Interval     string
	Simulated    bool

	// OK means the session completed its normal exit path. Aborted means the
	// unrecoverable-error path ran. StopTrading asks the orchestrator to
	// deregister the account.
	OK          bool
	Aborted     bool
	StopTrading bool
	Reason      string

	Invested        float64
	Retrieved       float64
	ProfitPercent   float64
	ProfitQuote     float64
	RunUpPercent    float64
	DrawdownPercent float64

	StartedAt time.Time
	EndedAt   time.Time
}

// Notifier delivers fire-and-forget trade event messages. Implementations
// must never block the trading flow on delivery failures.
type Notifier interface {
	NotifyTradeStart(accountEmail, symbol string, invested float64, simulated bool)
	NotifyTradeEnd(result SessionResult)
}

// selection is the outcome of the market eligibility filter.
type selection struct {
	market            broker.Market
	interval          string
	atr               float64
	stopLossPercent   float64
	takeProfitPercent float64
}

// tradeSession carries the transient state of one trade attempt.
type tradeSession struct {
	id        string
	market    broker.Market
	interval  string
	atr       float64
	startedAt time.Time

	buyOrder   *broker.Order
	protective *broker.Order

	entryPrice      float64
	quantity        float64
	invested        float64
	retrieved       float64
	currentStop     float64
	takeProfitPct   float64
	runUpPercent    float64
	drawdownPercent float64
}

// MountainSeeker trades one account: it selects a market from each snapshot,
// enters with a market buy, trails a protective stop upward while the price
// runs, and liquidates on exit conditions.
//
// Concurrency invariant: a single session goroutine owns all trade state at
// any time. MarketsUpdated only flips the busy flag under stateMu and hands
// off to that goroutine, so session fields need no further locking.
type MountainSeeker struct {
	account  utilities.AccountConfig
	cfg      utilities.StrategyConfig
	exchange broker.Exchange
	store    *dataprovider.SQLiteStore
	squeeze  *SqueezeEngine
	notifier Notifier
	logger   *utilities.Logger

	stateMu           sync.Mutex
	state             State
	busy              bool
	stopped           bool
	cooldowns         map[string]time.Time
	lastProfitPercent float64
	onResult          func(SessionResult)

	// test seams
	monitorSleepFn func() time.Duration
	nowFn          func() time.Time
}

func NewMountainSeeker(account utilities.AccountConfig, exchange broker.Exchange, store *dataprovider.SQLiteStore, squeeze *SqueezeEngine, notifier Notifier, logger *utilities.Logger) (*MountainSeeker, error) {
	cfg := MergeDefaults(account.Strategy)
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("strategy config for account %s: %w", account.Email, err)
	}
	return &MountainSeeker{
		account:   account,
		cfg:       cfg,
		exchange:  exchange,
		store:     store,
		squeeze:   squeeze,
		notifier:  notifier,
		logger:    logger,
		state:     StateIdle,
		cooldowns: make(map[string]time.Time),
		nowFn:     time.Now,
	}, nil
}

func (m *MountainSeeker) AccountEmail() string { return m.account.Email }

func (m *MountainSeeker) IsSimulation() bool { return m.account.Simulation }

// State returns the current lifecycle phase.
func (m *MountainSeeker) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Busy reports whether a session goroutine is in flight.
func (m *MountainSeeker) Busy() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.busy
}

// Stop prevents future sessions from starting. An active monitoring loop is
// deliberately left alone; it exits through its own terminating conditions.
func (m *MountainSeeker) Stop() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.stopped = true
}

// SetResultHandler installs the orchestrator callback invoked once per
// finished session.
func (m *MountainSeeker) SetResultHandler(fn func(SessionResult)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.onResult = fn
}

// MarketsUpdated reacts to a fresh market snapshot. Only an idle, non-stopped
// instance starts a session; everything else ignores the update.
func (m *MountainSeeker) MarketsUpdated(ctx context.Context, update dataprovider.MarketUpdate) {
	m.stateMu.Lock()
	if m.busy || m.stopped {
		m.stateMu.Unlock()
		return
	}
	m.busy = true
	m.state = StateSelecting
	m.stateMu.Unlock()

	go m.runSession(ctx, update)
}

func (m *MountainSeeker) runSession(ctx context.Context, update dataprovider.MarketUpdate) {
	if !m.accountStillActive() {
		m.logger.LogWarn("Account %s was deactivated, skipping this cycle.", m.account.Email)
		m.setState(StateIdle)
		m.setBusy(false)
		return
	}

	sel := m.selectMarket(ctx, update)
	if sel == nil {
		m.setState(StateIdle)
		m.setBusy(false)
		return
	}

	session := &tradeSession{
		id:            uuid.NewString(),
		market:        sel.market,
		interval:      sel.interval,
		atr:           sel.atr,
		takeProfitPct: sel.takeProfitPercent,
		startedAt:     m.nowFn(),
	}
	m.logger.LogInfo("[%s] %s%s%s selected on %s for account %s (ATR=%.8f, stop=%.2f%%, tp=%.2f%%)",
		update.CorrelationID, utilities.ColorYellow, sel.market.Symbol, utilities.ColorReset,
		sel.interval, m.account.Email, sel.atr, sel.stopLossPercent, sel.takeProfitPercent)

	result := m.executeSession(ctx, session)
	if result.OK && session.buyOrder == nil {
		// Nothing was bought, so there is no trade to book or cool down.
		m.setState(StateIdle)
		m.setBusy(false)
		return
	}
	m.finishSession(session, result)
}

// finishSession runs the end-of-session bookkeeping: cooldown stamp, typed
// result propagation, persistence and notification.
func (m *MountainSeeker) finishSession(session *tradeSession, result SessionResult) {
	result.SessionID = session.id
	result.AccountEmail = m.account.Email
	result.Symbol = session.market.Symbol
	result.Interval = session.interval
	result.Simulated = m.account.Simulation
	result.StartedAt = session.startedAt
	result.EndedAt = m.nowFn()
	result.RunUpPercent = session.runUpPercent
	result.DrawdownPercent = session.drawdownPercent

	if result.OK && !result.StopTrading {
		if result.ProfitPercent <= m.cfg.AbortLossPercent {
			result.StopTrading = true
			result.Reason = fmt.Sprintf("loss of %.2f%% breached the %.2f%% threshold", result.ProfitPercent, m.cfg.AbortLossPercent)
		} else if combined := result.ProfitPercent + m.lastProfitPercentSnapshot(); combined <= m.cfg.CombinedAbortLossPercent {
			result.StopTrading = true
			result.Reason = fmt.Sprintf("combined loss of %.2f%% over two trades breached the %.2f%% threshold", combined, m.cfg.CombinedAbortLossPercent)
		}
	}

	m.stateMu.Lock()
	m.cooldowns[session.market.Symbol] = m.nowFn()
	m.lastProfitPercent = result.ProfitPercent
	if result.StopTrading || !m.cfg.AutoRestart {
		m.stopped = true
	}
	m.state = StateIdle
	m.busy = false
	handler := m.onResult
	m.stateMu.Unlock()

	m.persistResult(result)
	if m.notifier != nil {
		m.notifier.NotifyTradeEnd(result)
	}
	color := utilities.ColorWhite
	if result.ProfitQuote < 0 {
		color = utilities.ColorRed
	}
	m.logger.LogInfo("%sSession %s on %s finished: profit=%.2f%% (%.4f %s), ok=%v aborted=%v%s",
		color, result.SessionID, result.Symbol, result.ProfitPercent, result.ProfitQuote,
		session.market.QuoteAsset, result.OK, result.Aborted, utilities.ColorReset)

	if handler != nil {
		handler(result)
	}
}

// selectMarket applies the eligibility filter to the snapshot and returns the
// first qualifying market, preferred markets first. A nil return is the
// normal "nothing qualifies this cycle" outcome, not an error.
func (m *MountainSeeker) selectMarket(ctx context.Context, update dataprovider.MarketUpdate) *selection {
	for _, market := range m.orderedCandidates(update.Markets) {
		if m.isIgnored(market.Symbol) || m.inCooldown(market.Symbol) {
			continue
		}
		if market.MinNotional > 0 && market.MinNotional > m.cfg.MaxMoneyToTrade {
			continue
		}
		for _, interval := range m.cfg.Intervals {
			sel, ok := m.evaluateInterval(ctx, market, interval)
			if ok {
				return sel
			}
		}
	}
	return nil
}

func (m *MountainSeeker) evaluateInterval(ctx context.Context, market broker.Market, interval string) (*selection, bool) {
	// 28 closed candles satisfy the slow MACD EMA plus the forming candle;
	// the ATR period may demand more.
	candles := market.Candlesticks[interval]
	if len(candles) < 28 || len(candles) < m.cfg.ATRPeriod+2 {
		return nil, false
	}

	// The final candle is still forming; the entry rules read the most
	// recently closed one.
	closed := candles[:len(candles)-1]
	lastClosed := closed[len(closed)-1]
	lastVariation := utilities.GetPercentVariation(lastClosed.Open, lastClosed.Close)
	if lastVariation < m.cfg.MinLastCandlePercent || lastVariation > m.cfg.MaxLastCandlePercent {
		return nil, false
	}

	macd, signal, err := CalculateMACD(closed, 12, 26, 9)
	if err != nil {
		return nil, false
	}
	age := BarsSinceCrossover(macd, signal)
	if age == BarsNever || age > m.cfg.MaxMacdCrossoverAge {
		return nil, false
	}

	if m.squeeze.Enabled() {
		result, err := m.squeeze.Compute(ctx, closed)
		if err != nil {
			m.logger.LogWarn("Squeeze computation for %s %s failed: %v", market.Symbol, interval, err)
			return nil, false
		}
		if !result.HasBuySignal() {
			return nil, false
		}
	}

	atr, err := CalculateATR(closed, m.cfg.ATRPeriod)
	if err != nil {
		return nil, false
	}
	price := lastClosed.Close
	if market.LastPrice > 0 {
		price = market.LastPrice
	}
	tuning := TuningFor(m.cfg, market.Symbol)
	stopLossPercent := atr * tuning.StopLossATRMultiplier / price * 100.0
	if stopLossPercent > tuning.MaxStopLossPercent {
		return nil, false
	}
	takeProfitPercent := atr * tuning.TakeProfitATRMultiplier / price * 100.0
	if takeProfitPercent < tuning.MinTakeProfitPercent {
		return nil, false
	}

	return &selection{
		market:            market,
		interval:          interval,
		atr:               atr,
		stopLossPercent:   stopLossPercent,
		takeProfitPercent: takeProfitPercent,
	}, true
}

// executeSession drives ENTERING, MONITORING and EXITING. Connector errors
// route to the abort path, which never raises further.
func (m *MountainSeeker) executeSession(ctx context.Context, session *tradeSession) SessionResult {
	if err := m.enterPosition(ctx, session); err != nil {
		if errors.Is(err, errNothingToInvest) {
			m.logger.LogInfo("No investable balance for %s, staying idle", m.account.Email)
			return SessionResult{OK: true, Reason: "no investable balance"}
		}
		return m.abort(ctx, session, fmt.Errorf("entering: %w", err))
	}

	exitReason, err := m.monitorPosition(ctx, session)
	if err != nil {
		return m.abort(ctx, session, fmt.Errorf("monitoring: %w", err))
	}

	if err := m.exitPosition(ctx, session, exitReason); err != nil {
		return m.abort(ctx, session, fmt.Errorf("exiting: %w", err))
	}

	return SessionResult{
		OK:            true,
		Reason:        exitReason,
		Invested:      session.invested,
		Retrieved:     session.retrieved,
		ProfitQuote:   session.retrieved - session.invested,
		ProfitPercent: utilities.GetPercentVariation(session.invested, session.retrieved),
	}
}

var errNothingToInvest = errors.New("no investable balance")

func (m *MountainSeeker) enterPosition(ctx context.Context, session *tradeSession) error {
	m.setState(StateEntering)
	market := session.market

	investable := m.cfg.MaxMoneyToTrade
	if !m.account.Simulation {
		free, err := m.exchange.GetBalanceForAsset(ctx, market.QuoteAsset, 1)
		if err != nil {
			return err
		}
		investable = math.Min(free, m.cfg.MaxMoneyToTrade)
	}
	if market.MaxPosition > 0 && market.LastPrice > 0 {
		// The exchange caps the base position; express it in quote units.
		investable = math.Min(investable, market.MaxPosition*market.LastPrice)
	}
	if investable <= 0 || (market.MinNotional > 0 && investable < market.MinNotional) {
		return errNothingToInvest
	}

	buy, err := m.exchange.CreateMarketBuyOrder(ctx, market.BaseAsset, market.QuoteAsset, investable, true, m.account.Simulation, 3)
	if err != nil {
		return err
	}
	if !buy.IsFilled() {
		return fmt.Errorf("buy order %s on %s did not fill (status %s)", buy.ExternalID, market.Symbol, buy.Status)
	}

	session.buyOrder = buy
	session.entryPrice = buy.AvgPrice
	session.quantity = buy.Filled
	session.invested = buy.Cost + buy.CommissionQuote + m.foreignCommissionQuote(ctx, buy)

	if m.notifier != nil {
		m.notifier.NotifyTradeStart(m.account.Email, market.Symbol, session.invested, m.account.Simulation)
	}
	m.logger.LogInfo("%sEntered %s%s: qty=%.8f at %.8f, invested %.4f %s",
		utilities.ColorCyan, market.Symbol, utilities.ColorReset, session.quantity, session.entryPrice, session.invested, market.QuoteAsset)
	return nil
}

// monitorPosition runs the price-watch loop. It returns the exit reason, or
// an error that routes to the abort path.
func (m *MountainSeeker) monitorPosition(ctx context.Context, session *tradeSession) (string, error) {
	m.setState(StateMonitoring)
	market := session.market
	tuning := TuningFor(m.cfg, market.Symbol)

	initialStop := session.entryPrice - session.atr*tuning.StopLossATRMultiplier
	if initialStop <= 0 {
		return "", fmt.Errorf("initial stop for %s is not positive (entry %.8f, atr %.8f)", market.Symbol, session.entryPrice, session.atr)
	}
	protective, err := m.placeProtectiveOrder(ctx, session, initialStop)
	if err != nil {
		return "", err
	}
	session.protective = protective
	session.currentStop = initialStop

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.monitorSleep()):
		}

		// The protective order executing is the natural exit. The cheap
		// status check keeps the loop from re-fetching the full order on
		// every tick.
		closed, err := m.exchange.OrderIsClosed(ctx, session.protective.ExternalID, market.Symbol, m.account.Simulation)
		if err != nil {
			m.logger.LogWarn("Could not poll protective order %s: %v", session.protective.ExternalID, err)
		}
		if closed {
			final, err := m.exchange.GetOrder(ctx, session.protective.ExternalID, market.Symbol, m.account.Simulation, 1)
			if err != nil {
				m.logger.LogWarn("Could not fetch executed protective order %s: %v", session.protective.ExternalID, err)
			} else {
				session.protective = final
			}
			return "protective order executed", nil
		}

		price, err := m.exchange.GetUnitPrice(ctx, market.BaseAsset, market.QuoteAsset, 1)
		if err != nil {
			return "", err
		}
		change := utilities.GetPercentVariation(session.entryPrice, price)
		session.runUpPercent = math.Max(session.runUpPercent, change)
		session.drawdownPercent = math.Min(session.drawdownPercent, change)

		if change <= m.cfg.AbortLossPercent {
			return "", fmt.Errorf("loss of %.2f%% on %s breached the abort threshold %.2f%%", change, market.Symbol, m.cfg.AbortLossPercent)
		}
		if session.takeProfitPct > 0 && change >= session.takeProfitPct {
			return "take profit reached", nil
		}
		if price <= session.currentStop {
			return "price fell to the stop level", nil
		}

		candles, err := m.exchange.GetCandlesticks(ctx, market.Symbol, session.interval, m.cfg.ATRPeriod+2, 1)
		if err != nil {
			m.logger.LogWarn("Could not refresh candlesticks for %s: %v", market.Symbol, err)
			continue
		}
		atr, err := CalculateATR(candles, m.cfg.ATRPeriod)
		if err != nil {
			continue
		}
		candidate := price - atr*tuning.StopLossATRMultiplier
		newStop := nextTrailingStop(session.currentStop, candidate)
		if newStop <= session.currentStop {
			continue
		}
		if !withinRefreshWindow(session.interval, m.nowFn()) {
			continue
		}
		if m.nowFn().Sub(session.startedAt) < minHoldBeforeStopRefresh {
			continue
		}

		replaced, err := m.replaceProtectiveOrder(ctx, session, newStop)
		if err != nil {
			return "", err
		}
		if replaced == nil {
			// The old order filled while we were replacing it.
			return "protective order executed", nil
		}
		session.protective = replaced
		session.currentStop = newStop
		m.logger.LogInfo("Raised the stop on %s to %.8f (price %.8f)", market.Symbol, newStop, price)
	}
}

func (m *MountainSeeker) placeProtectiveOrder(ctx context.Context, session *tradeSession, stopPrice float64) (*broker.Order, error) {
	// The limit sits slightly under the stop so the sell still crosses after
	// the trigger in a falling market.
	limitPrice := stopPrice * 0.995
	return m.exchange.CreateStopLimitOrder(ctx, broker.SideSell, session.market.BaseAsset, session.market.QuoteAsset,
		session.quantity, stopPrice, limitPrice, m.account.Simulation, 3)
}

// replaceProtectiveOrder cancels the current protective order and places a
// new one at the higher stop. A nil order with nil error means the old order
// filled before it could be canceled.
func (m *MountainSeeker) replaceProtectiveOrder(ctx context.Context, session *tradeSession, stopPrice float64) (*broker.Order, error) {
	canceled, err := m.exchange.CancelOrder(ctx, session.protective.ExternalID, session.market.Symbol, m.account.Simulation)
	if err != nil {
		return nil, err
	}
	if canceled.IsFilled() {
		session.protective = canceled
		return nil, nil
	}
	return m.placeProtectiveOrder(ctx, session, stopPrice)
}

func (m *MountainSeeker) exitPosition(ctx context.Context, session *tradeSession, exitReason string) error {
	m.setState(StateExiting)
	market := session.market

	final := session.protective
	if !final.IsClosed() {
		// Give the resting order a brief chance to complete naturally.
		completed, err := m.exchange.WaitForOrderCompletion(ctx, final, 2)
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			m.logger.LogWarn("Waiting on protective order %s failed: %v", final.ExternalID, err)
		}
		if completed != nil {
			final = completed
		}
	}

	if final.IsFilled() {
		session.retrieved = m.netProceeds(ctx, final)
	} else {
		canceled, err := m.exchange.CancelOrder(ctx, final.ExternalID, market.Symbol, m.account.Simulation)
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			return err
		}
		if canceled != nil && canceled.IsFilled() {
			session.retrieved = m.netProceeds(ctx, canceled)
		} else {
			sell, err := m.exchange.CreateMarketOrder(ctx, broker.SideSell, market.BaseAsset, market.QuoteAsset,
				session.quantity, false, true, m.account.Simulation, 3)
			if err != nil {
				return err
			}
			session.retrieved = m.netProceeds(ctx, sell)
		}
	}

	m.redeemResidualLeveragedTokens(ctx, session)
	m.logger.LogInfo("Exited %s (%s): retrieved %.4f %s", market.Symbol, exitReason, session.retrieved, market.QuoteAsset)
	return nil
}

// netProceeds is a sell order's quote cost minus every commission expressed
// in quote units.
func (m *MountainSeeker) netProceeds(ctx context.Context, order *broker.Order) float64 {
	return order.Cost - order.CommissionQuote - m.foreignCommissionQuote(ctx, order)
}

// foreignCommissionQuote converts commission paid in an unrelated asset into
// quote units at the current price. Whether such commission counts against
// the trade at all is a configuration choice; off by default.
func (m *MountainSeeker) foreignCommissionQuote(ctx context.Context, order *broker.Order) float64 {
	if !m.cfg.DeductForeignCommission || order.CommissionForeign <= 0 || order.CommissionForeignAsset == "" {
		return 0
	}
	price, err := m.exchange.GetUnitPrice(ctx, order.CommissionForeignAsset, order.QuoteAsset, 1)
	if err != nil {
		m.logger.LogWarn("Could not price %s commission of order %s: %v", order.CommissionForeignAsset, order.ExternalID, err)
		return 0
	}
	return order.CommissionForeign * price
}

// redeemResidualLeveragedTokens folds any leftover leveraged-token balance
// back into the retrieved total. Failures are logged, never fatal: the trade
// is already finalized at this point.
func (m *MountainSeeker) redeemResidualLeveragedTokens(ctx context.Context, session *tradeSession) {
	base := session.market.BaseAsset
	if !isLeveragedToken(base) || m.account.Simulation {
		return
	}
	residual, err := m.exchange.GetBalanceForAsset(ctx, base, 1)
	if err != nil {
		m.logger.LogWarn("Could not read residual %s balance: %v", base, err)
		return
	}
	if residual <= 0 {
		return
	}
	redeemed, err := m.exchange.RedeemBlvt(ctx, base, residual, 2)
	if err != nil {
		m.logger.LogWarn("Redemption of residual %.8f %s failed: %v", residual, base, err)
		return
	}
	session.retrieved += redeemed
}

// abort is the best-effort liquidation path for unrecoverable mid-session
// errors. Every step may fail; failures are logged and swallowed because this
// path already runs from within an error handler.
func (m *MountainSeeker) abort(ctx context.Context, session *tradeSession, cause error) SessionResult {
	m.setState(StateAborted)
	m.logger.LogError("Aborting session %s on %s for account %s: %v", session.id, session.market.Symbol, m.account.Email, cause)

	if session.protective != nil && !session.protective.IsClosed() {
		if _, err := m.exchange.CancelOrder(ctx, session.protective.ExternalID, session.market.Symbol, m.account.Simulation); err != nil {
			m.logger.LogWarn("Abort: canceling protective order failed: %v", err)
		}
	}

	if session.quantity > 0 {
		sold := false
		for _, qty := range abortSellQuantities(session.quantity) {
			sell, err := m.exchange.CreateMarketOrder(ctx, broker.SideSell, session.market.BaseAsset, session.market.QuoteAsset,
				qty, false, true, m.account.Simulation, 1)
			if err != nil {
				m.logger.LogWarn("Abort: selling %.8f %s failed: %v", qty, session.market.BaseAsset, err)
				continue
			}
			session.retrieved = m.netProceeds(ctx, sell)
			sold = true
			break
		}
		if !sold {
			m.logger.LogError("Abort: could not liquidate %.8f %s, manual intervention required", session.quantity, session.market.BaseAsset)
		}
	}

	profitPercent := 0.0
	if session.invested > 0 {
		profitPercent = utilities.GetPercentVariation(session.invested, session.retrieved)
	}
	return SessionResult{
		Aborted:       true,
		StopTrading:   true,
		Reason:        cause.Error(),
		Invested:      session.invested,
		Retrieved:     session.retrieved,
		ProfitQuote:   session.retrieved - session.invested,
		ProfitPercent: profitPercent,
	}
}

func (m *MountainSeeker) persistResult(result SessionResult) {
	if m.store == nil {
		return
	}
	state := StateIdle
	if result.Aborted {
		state = StateAborted
	}
	rec := dataprovider.TradingSessionRecord{
		ID:            result.SessionID,
		AccountEmail:  result.AccountEmail,
		Symbol:        result.Symbol,
		Strategy:      "mountain-seeker",
		State:         string(state),
		Result:        result.Reason,
		Simulated:     result.Simulated,
		ProfitPercent: result.ProfitPercent,
		ProfitQuote:   result.ProfitQuote,
		StartedAt:     result.StartedAt,
		EndedAt:       result.EndedAt,
	}
	if err := m.store.SaveSession(rec); err != nil {
		m.logger.LogWarn("Could not persist session %s: %v", result.SessionID, err)
	}
}

func (m *MountainSeeker) orderedCandidates(markets []broker.Market) []broker.Market {
	if len(m.cfg.PreferredMarkets) == 0 {
		return markets
	}
	preferred := make([]broker.Market, 0, len(markets))
	rest := make([]broker.Market, 0, len(markets))
	for _, market := range markets {
		if m.isPreferred(market.Symbol) {
			preferred = append(preferred, market)
		} else {
			rest = append(rest, market)
		}
	}
	return append(preferred, rest...)
}

func (m *MountainSeeker) isPreferred(symbol string) bool {
	for _, s := range m.cfg.PreferredMarkets {
		if s == symbol {
			return true
		}
	}
	return false
}

func (m *MountainSeeker) isIgnored(symbol string) bool {
	for _, s := range m.cfg.IgnoredMarkets {
		if s == symbol {
			return true
		}
	}
	return false
}

// accountStillActive re-reads the persisted activation flag so an operator
// can deactivate an account without restarting the bot.
func (m *MountainSeeker) accountStillActive() bool {
	if m.store == nil {
		return true
	}
	states, err := m.store.LoadAccountStates()
	if err != nil {
		m.logger.LogWarn("Could not read account states: %v", err)
		return true
	}
	state, ok := states[m.account.Email]
	return !ok || state.Active
}

func (m *MountainSeeker) inCooldown(symbol string) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	last, ok := m.cooldowns[symbol]
	if !ok {
		return false
	}
	cooldown := time.Duration(m.cfg.TradeCooldownMinutes) * time.Minute
	return m.nowFn().Sub(last) < cooldown
}

func (m *MountainSeeker) lastProfitPercentSnapshot() float64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastProfitPercent
}

func (m *MountainSeeker) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *MountainSeeker) setBusy(b bool) {
	m.stateMu.Lock()
	m.busy = b
	m.stateMu.Unlock()
}

func (m *MountainSeeker) monitorSleep() time.Duration {
	if m.monitorSleepFn != nil {
		return m.monitorSleepFn()
	}
	return time.Duration(m.cfg.MonitorIntervalSec) * time.Second
}

// nextTrailingStop ratchets the stop: it returns the candidate only when it
// is strictly higher than the current stop, so the stop never moves down.
func nextTrailingStop(current, candidate float64) float64 {
	if candidate > current {
		return candidate
	}
	return current
}

// abortSellQuantities is the full quantity followed by progressively reduced
// quantities, shaving off 0.05%, 0.5%, 1% and 2%.
func abortSellQuantities(qty float64) []float64 {
	out := make([]float64, 0, len(abortQuantityReductions)+1)
	out = append(out, qty)
	for _, r := range abortQuantityReductions {
		out = append(out, qty*(1-r))
	}
	return out
}

// withinRefreshWindow gates protective-order replacement on slow intervals to
// exactly four one-minute windows per candle, spaced a quarter candle apart
// from the candle boundary. Fast intervals refresh freely.
func withinRefreshWindow(interval string, now time.Time) bool {
	dur, err := utilities.ParseIntervalDuration(interval)
	if err != nil {
		return true
	}
	minutes := int(dur.Minutes())
	if minutes < 16 {
		return true
	}
	quarter := minutes / 4
	rel := now.Minute() % minutes
	return rel%quarter == 0 && rel/quarter < 4
}

// isLeveragedToken recognizes the leveraged up/down token naming scheme.
func isLeveragedToken(asset string) bool {
	return strings.HasSuffix(asset, "UP") || strings.HasSuffix(asset, "DOWN")
}
