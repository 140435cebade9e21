package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/risk"
)

const (
	dateLayout = "2006-01-02"

	// statsWindow is the rolling closed-trade window the sizer reads.
	statsWindow = 200

	// atrFetchDays is how many daily bars the engine pulls to compute the
	// entry ATR. ATR(14) needs fifteen bars; the margin absorbs short
	// listings and data gaps.
	atrFetchDays = 30
)

// Broker is the engine's view of the brokerage: the shared domain surface
// plus index bars for the market-move breaker signal.
type Broker interface {
	domain.Broker
	GetIndexDailyOHLCV(ctx context.Context, indexCode string, days int) ([]domain.Candle, error)
}

// SelectionSource feeds the engine its daily buy candidates and receives
// lifecycle updates back.
type SelectionSource interface {
	PendingByDate(date string) ([]domain.DailySelection, error)
	UpdateStatus(code, date string, status domain.SelectionStatus) error
}

// RegimeSource reports the current market regime.
type RegimeSource interface {
	Current(ctx context.Context) domain.Regime
}

// Config tunes the trading engine.
type Config struct {
	MaxHoldingDays  int     // time stop, whole calendar days; 0 disables
	SlippageWarnPct float64 // adverse slippage warning threshold, percent
	CommissionRate  float64 // brokerage commission per side, fraction of value
	SellTaxRate     float64 // securities transaction tax on sells, fraction
	IndexCode       string  // reference index for the market-move signal
}

func (c Config) withDefaults() Config {
	if c.MaxHoldingDays == 0 {
		c.MaxHoldingDays = 20
	}
	if c.SlippageWarnPct <= 0 {
		c.SlippageWarnPct = 0.5
	}
	if c.CommissionRate <= 0 {
		c.CommissionRate = 0.00015
	}
	if c.SellTaxRate <= 0 {
		c.SellTaxRate = 0.0023
	}
	if c.IndexCode == "" {
		c.IndexCode = "0001"
	}
	return c
}

// Deps are the engine's collaborators.
type Deps struct {
	Broker     Broker
	Selections SelectionSource
	Trades     *TradeRepository
	Book       *PositionBook
	Sizer      *risk.Sizer
	Gate       *risk.CorrelationGate
	Drawdown   *risk.DrawdownMonitor
	Breaker    *risk.CircuitBreaker
	Regime     RegimeSource
	Events     *events.Manager
}

// Engine turns approved selections into orders and watches open positions
// for exits. Every order passes the risk chain first: circuit breaker,
// drawdown ladder, correlation gate, then sizing. Order placement is
// serialized so the broker never sees two in-flight orders from us.
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	orderMu sync.Mutex // serializes PlaceOrder calls

	mu             sync.Mutex
	dayStartEquity float64
	liveOrders     map[string]string // order id -> code, cleared as fills settle
}

// New wires the engine. Deps must be fully populated.
func New(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		log:        log.With().Str("service", "engine").Logger(),
		now:        time.Now,
		liveOrders: make(map[string]string),
	}
}

// MarketOpen runs the start-of-session sequence: reconcile positions with
// the broker, record the day's opening equity for the daily-loss signal
// and feed the risk monitors once.
func (e *Engine) MarketOpen(ctx context.Context) error {
	if err := e.SyncPositions(ctx); err != nil {
		return err
	}
	bal, err := e.deps.Broker.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching opening balance: %w", err)
	}
	equity := bal.Equity.InexactFloat64()
	e.mu.Lock()
	e.dayStartEquity = equity
	e.mu.Unlock()
	e.recordRiskSignals(ctx, equity)
	e.log.Info().
		Float64("equity", equity).
		Int("positions", e.deps.Book.Len()).
		Msg("Market open")
	return nil
}

// MarketClose cancels anything still resting at the broker and logs the
// session summary.
func (e *Engine) MarketClose(ctx context.Context) error {
	e.CancelOutstanding(ctx)
	date := e.now().Format(dateLayout)
	pnl, closed, err := e.deps.Trades.RealizedOn(date)
	if err != nil {
		return fmt.Errorf("summarizing session: %w", err)
	}
	e.log.Info().
		Str("date", date).
		Float64("realized_pnl", pnl).
		Int("round_trips", closed).
		Int("open_positions", e.deps.Book.Len()).
		Msg("Market close")
	return nil
}

// SyncPositions reconciles the book with the broker's authoritative view.
// Positions the book has never seen get their holding clock from the trade
// ledger and fresh stop levels.
func (e *Engine) SyncPositions(ctx context.Context) error {
	remote, err := e.deps.Broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions: %w", err)
	}
	added := e.deps.Book.Reconcile(remote, e.openedAtOf)
	for _, code := range added {
		e.initLevels(ctx, code)
	}
	return nil
}

// ProcessEntries walks the day's pending selections in attractiveness
// order and buys the ones the risk chain approves. A circuit trip or a
// drawdown halt blocks the whole pass and leaves the rows pending, so a
// later pass can act once the block lifts. Correlation refusals cancel the
// single selection; transient failures leave it pending for retry.
func (e *Engine) ProcessEntries(ctx context.Context, date string) error {
	pending, err := e.deps.Selections.PendingByDate(date)
	if err != nil {
		return fmt.Errorf("loading pending selections: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	if out := e.deps.Breaker.Allow(); !out.IsOk() {
		e.log.Warn().
			Str("reason", out.Reason).
			Int("pending", len(pending)).
			Msg("Entries blocked by circuit breaker")
		return nil
	}
	level := e.deps.Drawdown.Level()
	if !level.AllowsNewEntries() {
		e.log.Warn().
			Str("level", level.String()).
			Int("pending", len(pending)).
			Msg("Entries blocked by drawdown ladder")
		return nil
	}

	bal, err := e.deps.Broker.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching balance: %w", err)
	}
	equity := bal.Equity.InexactFloat64()
	history, err := e.deps.Trades.Recent(statsWindow)
	if err != nil {
		return fmt.Errorf("loading trade history: %w", err)
	}
	stats := risk.StatsFromTrades(history)
	regime := e.deps.Regime.Current(ctx)

	for _, sel := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.tryEnter(ctx, sel, equity, stats, regime, level)
	}
	return nil
}

func (e *Engine) tryEnter(ctx context.Context, sel domain.DailySelection, equity float64,
	stats risk.TradeStats, regime domain.Regime, level risk.DrawdownLevel) {

	if e.deps.Book.Has(sel.Code) {
		// Already held, likely a status update lost on a prior run.
		e.markStatus(sel.Code, sel.Date, domain.SelectionBought)
		return
	}

	out := e.deps.Gate.Check(ctx, sel.Code, e.deps.Book.Snapshot())
	switch {
	case out.IsRejected():
		e.log.Warn().
			Str("code", sel.Code).
			Str("reason", out.Reason).
			Msg("Entry rejected")
		e.markStatus(sel.Code, sel.Date, domain.SelectionCancelled)
		e.deps.Events.EmitTyped("engine", &events.OrderRejectedData{
			Code:   sel.Code,
			Side:   string(domain.SideBuy),
			Reason: out.Reason,
		})
		return
	case !out.IsOk():
		e.log.Warn().
			Str("code", sel.Code).
			Err(out.Err).
			Msg("Correlation check unavailable, leaving selection pending")
		return
	}

	sizing := e.deps.Sizer.Fraction(stats, sel.Attractiveness/100, regime)
	fraction := sizing.Fraction
	if sel.TargetFraction > 0 && sel.TargetFraction < fraction {
		fraction = sel.TargetFraction
	}
	fraction *= level.SizeFactor()

	quote, err := e.deps.Broker.GetPrice(ctx, sel.Code)
	if err != nil {
		e.log.Warn().
			Str("code", sel.Code).
			Err(err).
			Msg("Quote unavailable, leaving selection pending")
		return
	}
	if quote.Price <= 0 {
		e.log.Warn().Str("code", sel.Code).Msg("Quote has no price, leaving selection pending")
		return
	}
	qty := int64(fraction * equity / quote.Price)
	if qty <= 0 {
		e.log.Debug().
			Str("code", sel.Code).
			Float64("fraction", fraction).
			Float64("price", quote.Price).
			Msg("Entry size below one share, cancelling selection")
		e.markStatus(sel.Code, sel.Date, domain.SelectionCancelled)
		return
	}
	e.placeEntry(ctx, sel, quote.Price, qty, regime)
}

func (e *Engine) placeEntry(ctx context.Context, sel domain.DailySelection, price float64, qty int64, regime domain.Regime) {
	result, err := e.submit(ctx, domain.OrderRequest{
		Side:  domain.SideBuy,
		Code:  sel.Code,
		Qty:   qty,
		Price: price,
		Type:  domain.OrderLimit,
	})
	if err != nil {
		e.deps.Breaker.RecordSystemError()
		var invalid domain.ErrInvalidOrder
		if errors.As(err, &invalid) {
			// Validation failures never succeed on retry.
			e.markStatus(sel.Code, sel.Date, domain.SelectionCancelled)
		}
		e.log.Error().
			Str("code", sel.Code).
			Int64("qty", qty).
			Err(err).
			Msg("Buy order failed")
		return
	}
	defer e.untrackOrder(result.OrderID)

	fill := result.Price
	slip := slippagePct(sel.EntryPrice, fill)
	if slip > e.cfg.SlippageWarnPct {
		e.log.Warn().
			Str("code", sel.Code).
			Float64("planned", sel.EntryPrice).
			Float64("filled", fill).
			Float64("slippage_pct", slip).
			Msg("Entry slippage above threshold")
	}
	now := e.now()
	rec := domain.TradeRecord{
		Code:           sel.Code,
		Side:           domain.SideBuy,
		OrderID:        result.OrderID,
		RequestedPrice: sel.EntryPrice,
		FilledPrice:    fill,
		Quantity:       qty,
		Commission:     fill * float64(qty) * e.cfg.CommissionRate,
		SlippagePct:    slip,
		EntryAt:        now,
		StrategyTag:    "daily_selection",
	}
	if _, err := e.deps.Trades.Insert(rec); err != nil {
		// The order is live; a ledger gap must not abort the position.
		e.log.Error().Str("code", sel.Code).Err(err).Msg("Entry filled but recording failed")
	}
	e.deps.Book.Open(domain.Position{
		Code:         sel.Code,
		Quantity:     qty,
		AvgEntry:     fill,
		CurrentPrice: fill,
		OpenedAt:     now,
	})
	e.setEntryLevels(ctx, sel, fill, regime)
	e.markStatus(sel.Code, sel.Date, domain.SelectionBought)
	e.deps.Events.EmitTyped("engine", &events.OrderFilledData{
		Code:        sel.Code,
		Side:        string(domain.SideBuy),
		Quantity:    int(qty),
		Price:       fill,
		OrderID:     result.OrderID,
		SlippagePct: slip,
	})
	e.log.Info().
		Str("code", sel.Code).
		Int64("qty", qty).
		Float64("price", fill).
		Float64("slippage_pct", slip).
		Msg("Entry filled")
}

// setEntryLevels anchors stop-loss and take-profit to the actual fill. When
// the ATR fetch fails the selection's planned levels stand in, so the
// position is never left unstopped.
func (e *Engine) setEntryLevels(ctx context.Context, sel domain.DailySelection, fill float64, regime domain.Regime) {
	atr, err := e.atrOf(ctx, sel.Code)
	if err != nil || atr <= 0 {
		e.log.Warn().
			Str("code", sel.Code).
			Err(err).
			Msg("ATR unavailable at entry, using planned stop levels")
		params := risk.StopParamsFor(regime)
		approx := 0.0
		if sel.StopLoss > 0 && params.StopMult > 0 {
			approx = (sel.EntryPrice - sel.StopLoss) / params.StopMult
		}
		e.deps.Book.SetLevels(sel.Code, sel.StopLoss, sel.TakeProfit, approx)
		return
	}
	stop, take := risk.StopLevels(regime, fill, atr)
	e.deps.Book.SetLevels(sel.Code, stop, take, atr)
}

// initLevels derives stops for a position the book adopted from the broker
// without local state, anchored to the broker's average entry price.
func (e *Engine) initLevels(ctx context.Context, code string) {
	pos, ok := e.deps.Book.Get(code)
	if !ok {
		return
	}
	atr, err := e.atrOf(ctx, code)
	if err != nil || atr <= 0 {
		e.log.Warn().Str("code", code).Err(err).Msg("ATR unavailable, stop levels deferred")
		return
	}
	regime := e.deps.Regime.Current(ctx)
	stop, take := risk.StopLevels(regime, pos.AvgEntry, atr)
	e.deps.Book.SetLevels(code, stop, take, atr)
	e.log.Info().
		Str("code", code).
		Float64("stop_loss", stop).
		Float64("take_profit", take).
		Msg("Stop levels initialized")
}

// Tick is the intraday cycle: evaluate exits, then feed the risk monitors
// with fresh equity. Exits always run, even with the breaker open; a trip
// stops new risk, never protective unwinding.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.exitPass(ctx); err != nil {
		return err
	}
	bal, err := e.deps.Broker.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching balance: %w", err)
	}
	e.recordRiskSignals(ctx, bal.Equity.InexactFloat64())
	return nil
}

func (e *Engine) exitPass(ctx context.Context) error {
	positions := e.deps.Book.Snapshot()
	if len(positions) == 0 {
		return nil
	}
	regime := e.deps.Regime.Current(ctx)
	params := risk.StopParamsFor(regime)
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		quote, err := e.deps.Broker.GetPrice(ctx, pos.Code)
		if err != nil {
			e.log.Debug().Str("code", pos.Code).Err(err).Msg("Quote unavailable, skipping exit check")
			continue
		}
		price := quote.Price
		if price <= 0 {
			continue
		}
		e.deps.Book.MarkPrice(pos.Code, price)
		if pos.StopLoss <= 0 {
			e.initLevels(ctx, pos.Code)
			if p, ok := e.deps.Book.Get(pos.Code); ok {
				pos = p
			}
		}
		switch {
		case pos.StopLoss > 0 && price <= pos.StopLoss:
			e.closePosition(ctx, pos, price, pos.StopLoss, "stop_loss")
		case pos.TakeProfit > 0 && price >= pos.TakeProfit:
			e.closePosition(ctx, pos, price, pos.TakeProfit, "take_profit")
		case e.cfg.MaxHoldingDays > 0 && pos.HoldingDays(e.now()) >= e.cfg.MaxHoldingDays:
			e.closePosition(ctx, pos, price, price, "time_stop")
		default:
			if pos.ATRAtEntry > 0 {
				candidate := price - params.StopMult*pos.ATRAtEntry
				if stop, raised := e.deps.Book.RaiseStop(pos.Code, candidate); raised {
					e.log.Debug().
						Str("code", pos.Code).
						Float64("stop", stop).
						Msg("Trailing stop raised")
				}
			}
		}
	}
	return nil
}

func (e *Engine) closePosition(ctx context.Context, pos domain.Position, price, trigger float64, reason string) {
	result, err := e.submit(ctx, domain.OrderRequest{
		Side:  domain.SideSell,
		Code:  pos.Code,
		Qty:   pos.Quantity,
		Price: price,
		Type:  domain.OrderLimit,
	})
	if err != nil {
		// The position stays on the book; the next tick retries the exit.
		e.deps.Breaker.RecordSystemError()
		e.log.Error().
			Str("code", pos.Code).
			Str("reason", reason).
			Err(err).
			Msg("Exit order failed")
		return
	}
	defer e.untrackOrder(result.OrderID)

	fill := result.Price
	slip := slippagePct(trigger, fill)
	if -slip > e.cfg.SlippageWarnPct {
		e.log.Warn().
			Str("code", pos.Code).
			Float64("trigger", trigger).
			Float64("filled", fill).
			Float64("slippage_pct", slip).
			Msg("Exit slippage above threshold")
	}
	gross := fill * float64(pos.Quantity)
	fees := gross * e.cfg.SellTaxRate
	commission := gross * e.cfg.CommissionRate
	pnl := (fill-pos.AvgEntry)*float64(pos.Quantity) - fees - commission
	now := e.now()
	rec := domain.TradeRecord{
		Code:           pos.Code,
		Side:           domain.SideSell,
		OrderID:        result.OrderID,
		RequestedPrice: trigger,
		FilledPrice:    fill,
		Quantity:       pos.Quantity,
		Fees:           fees,
		Commission:     commission,
		SlippagePct:    slip,
		RealizedPnL:    &pnl,
		EntryAt:        now,
		ExitAt:         &now,
		StrategyTag:    reason,
	}
	if _, err := e.deps.Trades.Insert(rec); err != nil {
		e.log.Error().Str("code", pos.Code).Err(err).Msg("Exit filled but recording failed")
	}
	if err := e.deps.Trades.CloseOpenBuys(pos.Code, now); err != nil {
		e.log.Error().Str("code", pos.Code).Err(err).Msg("Backfilling buy exit stamps failed")
	}
	e.deps.Book.Close(pos.Code)
	e.deps.Breaker.RecordTradeClose(pnl)
	e.markStatus(pos.Code, pos.OpenedAt.Format(dateLayout), domain.SelectionSold)
	e.deps.Events.EmitTyped("engine", &events.OrderFilledData{
		Code:        pos.Code,
		Side:        string(domain.SideSell),
		Quantity:    int(pos.Quantity),
		Price:       fill,
		OrderID:     result.OrderID,
		SlippagePct: slip,
	})
	e.deps.Events.EmitTyped("engine", &events.PositionClosedData{
		Code:        pos.Code,
		Reason:      reason,
		RealizedPnL: pnl,
	})
	e.log.Info().
		Str("code", pos.Code).
		Str("reason", reason).
		Float64("realized_pnl", pnl).
		Float64("slippage_pct", slip).
		Msg("Position closed")
}

// ForceExit closes one position at market regardless of its stop levels.
func (e *Engine) ForceExit(ctx context.Context, code, reason string) error {
	pos, ok := e.deps.Book.Get(code)
	if !ok {
		return fmt.Errorf("no open position for %s", code)
	}
	price, err := e.exitPrice(ctx, pos)
	if err != nil {
		return err
	}
	e.closePosition(ctx, pos, price, price, reason)
	if e.deps.Book.Has(code) {
		return fmt.Errorf("exit order for %s did not complete", code)
	}
	return nil
}

// ForceExitAll flats the book, worst positions first.
func (e *Engine) ForceExitAll(ctx context.Context, reason string) {
	e.closeWorstFirst(ctx, e.deps.Book.TotalExposure(), reason)
}

// closeWorstFirst liquidates positions ordered by unrealized PnL, worst
// first, until the freed exposure reaches the target.
func (e *Engine) closeWorstFirst(ctx context.Context, target float64, reason string) {
	positions := e.deps.Book.Snapshot()
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UnrealizedPnL() < positions[j].UnrealizedPnL()
	})
	freed := 0.0
	for _, pos := range positions {
		if freed >= target {
			return
		}
		price, err := e.exitPrice(ctx, pos)
		if err != nil {
			e.log.Warn().Str("code", pos.Code).Err(err).Msg("No exit price, skipping liquidation")
			continue
		}
		e.closePosition(ctx, pos, price, price, reason)
		if !e.deps.Book.Has(pos.Code) {
			freed += pos.Exposure
		}
	}
}

// exitPrice returns a tradable price for a liquidation: a fresh quote, or
// the last mark when the quote fetch fails mid-liquidation.
func (e *Engine) exitPrice(ctx context.Context, pos domain.Position) (float64, error) {
	quote, err := e.deps.Broker.GetPrice(ctx, pos.Code)
	if err == nil && quote.Price > 0 {
		return quote.Price, nil
	}
	if pos.CurrentPrice > 0 {
		return pos.CurrentPrice, nil
	}
	if err == nil {
		err = fmt.Errorf("no price available for %s", pos.Code)
	}
	return 0, err
}

// OnCircuitTrip is the breaker's trip hook: publish the event and sweep
// any order still resting at the broker. Open positions stay; a trip
// blocks new risk while the exit logic keeps protecting what is held.
func (e *Engine) OnCircuitTrip(trip risk.Trip) {
	e.deps.Events.EmitTyped("engine", &events.CircuitTrippedData{
		Reason: string(trip.Reason),
		Detail: trip.Detail,
		Until:  trip.Until.Format(time.RFC3339),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.CancelOutstanding(ctx)
}

// CancelOutstanding cancels every tracked order still resting at the
// broker. Orders that already filled fail to cancel; that is expected and
// logged at debug.
func (e *Engine) CancelOutstanding(ctx context.Context) {
	e.mu.Lock()
	outstanding := e.liveOrders
	e.liveOrders = make(map[string]string)
	e.mu.Unlock()
	for orderID, code := range outstanding {
		if err := e.deps.Broker.CancelOrder(ctx, orderID, code); err != nil {
			e.log.Debug().
				Str("order_id", orderID).
				Str("code", code).
				Err(err).
				Msg("Cancel failed, order likely filled")
			continue
		}
		e.log.Info().Str("order_id", orderID).Str("code", code).Msg("Outstanding order cancelled")
	}
}

// recordRiskSignals feeds one equity observation to the drawdown ladder
// and the circuit breaker, and acts on ladder escalations.
func (e *Engine) recordRiskSignals(ctx context.Context, equity float64) {
	transition, changed := e.deps.Drawdown.Update(equity)
	if changed {
		e.deps.Events.EmitTyped("engine", &events.DrawdownLevelChangedData{
			From:     transition.From.String(),
			To:       transition.To.String(),
			Drawdown: transition.Drawdown,
		})
		if transition.Escalated() {
			switch transition.To {
			case risk.DrawdownCloseHalf:
				e.closeWorstFirst(ctx, e.deps.Book.TotalExposure()/2, "drawdown_close_half")
			case risk.DrawdownCloseAll:
				e.closeWorstFirst(ctx, e.deps.Book.TotalExposure(), "drawdown_close_all")
			}
		}
	}

	e.mu.Lock()
	start := e.dayStartEquity
	e.mu.Unlock()
	if start > 0 && equity < start {
		e.deps.Breaker.RecordDailyLoss((start - equity) / start)
	}

	if move, err := e.indexMove(ctx); err == nil {
		e.deps.Breaker.RecordMarketMove(move)
	} else {
		e.log.Debug().Err(err).Msg("Index move unavailable")
	}
}

// indexMove returns the reference index's day-over-day close change as a
// signed fraction.
func (e *Engine) indexMove(ctx context.Context) (float64, error) {
	bars, err := e.deps.Broker.GetIndexDailyOHLCV(ctx, e.cfg.IndexCode, 2)
	if err != nil {
		return 0, err
	}
	if len(bars) < 2 {
		return 0, fmt.Errorf("need 2 index bars, got %d", len(bars))
	}
	prev := bars[len(bars)-2].Close
	last := bars[len(bars)-1].Close
	if prev <= 0 {
		return 0, fmt.Errorf("index close is zero")
	}
	return (last - prev) / prev, nil
}

// submit places one order under the serialization lock and tracks it until
// its bookkeeping settles.
func (e *Engine) submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	e.orderMu.Lock()
	defer e.orderMu.Unlock()
	result, err := e.deps.Broker.PlaceOrder(ctx, req)
	if err != nil {
		return result, err
	}
	e.mu.Lock()
	e.liveOrders[result.OrderID] = result.Code
	e.mu.Unlock()
	return result, nil
}

func (e *Engine) untrackOrder(orderID string) {
	e.mu.Lock()
	delete(e.liveOrders, orderID)
	e.mu.Unlock()
}

func (e *Engine) atrOf(ctx context.Context, code string) (float64, error) {
	bars, err := e.deps.Broker.GetDailyOHLCV(ctx, code, atrFetchDays)
	if err != nil {
		return 0, err
	}
	return risk.ATR(bars, risk.ATRPeriod)
}

// openedAtOf restores a position's holding clock from its oldest open buy.
// Without a ledger row the clock starts now, which only delays the time
// stop, never fires it early.
func (e *Engine) openedAtOf(code string) time.Time {
	at, ok, err := e.deps.Trades.OldestOpenBuy(code)
	if err != nil {
		e.log.Warn().Str("code", code).Err(err).Msg("Holding clock lookup failed")
		return e.now()
	}
	if !ok {
		return e.now()
	}
	return at
}

func (e *Engine) markStatus(code, date string, status domain.SelectionStatus) {
	if err := e.deps.Selections.UpdateStatus(code, date, status); err != nil {
		e.log.Warn().
			Str("code", code).
			Str("status", string(status)).
			Err(err).
			Msg("Selection status update failed")
	}
}

// slippagePct is the signed fill-versus-plan difference in percent.
// Positive means the fill printed above the planned price.
func slippagePct(requested, filled float64) float64 {
	if requested <= 0 {
		return 0
	}
	return (filled - requested) / requested * 100
}
