// FILE: seller.go
// Package main – The liquidation engine: classification, gates, dispatch,
// order tracking.
//
// Per-asset state machine:
//   IDLE → EVAL (gates) → PENDING (submitted) → FINALIZED → IDLE
// with the ambiguous-submission branch parked until a snapshot or a forced
// balance refresh reconciles it.
//
// Concurrency design:
//   - One RWMutex guards reported/lastActed/states/orders. The lock is NEVER
//     held across network I/O; dispatch reads what it needs, releases, calls
//     the venue, re-acquires to record the outcome.
//   - Single-flight per asset: the busy flag is claimed under the lock before
//     a dispatch goroutine starts. Events arriving while busy update the
//     reported balance and set dirty; the asset is re-examined once the
//     in-flight cycle finalizes.
//   - Shutdown waits a bounded grace for in-flight submissions; they are not
//     aborted mid-flight, which is how ambiguous submissions are avoided.
package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Gate-failure reasons; these exact strings appear in structured logs.
const (
	reasonTargetCurrency = "target_currency"
	reasonNoMarket       = "no_market"
	reasonBelowMinimum   = "below_minimum_order"
	reasonInsufficient   = "insufficient_available_balance"
)

const (
	maxSubmitAttempts       = 3
	submitBackoffBase       = 2 * time.Second
	followUpDelay           = 1 * time.Second
	ambiguousReconcileDelay = 30 * time.Second
	coldPassConcurrency     = 4
	pruneEvery              = time.Minute
)

// ambiguousTolerance: a balance decrease of at least this share of the
// submitted volume counts as "the order went through".
var ambiguousTolerance = decimal.RequireFromString("0.9")

type assetState struct {
	busy          bool
	dirty         bool
	awaitingZero  bool // an open order is left alone; the zero-balance event closes the cycle
	ambiguousVol  decimal.Decimal
	ambiguousBase decimal.Decimal // reported total when the ambiguous submit was issued
	waitCtx       context.Context // guards armed sleeps only, never a network call
	retryCancel   context.CancelFunc
}

// OrderRecord tracks one submitted sell while it is non-terminal, plus a short
// retention window afterwards for observability.
type OrderRecord struct {
	TxID        string          `json:"txid"`
	ClOrdID     string          `json:"cl_ord_id"`
	Asset       string          `json:"asset"`
	Pair        string          `json:"pair"`
	Requested   decimal.Decimal `json:"requested_volume"`
	State       OrderState      `json:"state"`
	Fills       []TradeInfo     `json:"fills,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

// EngineStatus is the read-only snapshot served by the status surface.
type EngineStatus struct {
	Running             bool
	InitialPassComplete bool
	Balances            map[string]decimal.Decimal
}

// Engine owns the liquidation pipeline state.
type Engine struct {
	ex  Exchange
	reg *Registry

	settleDelay   time.Duration
	retention     time.Duration
	submitBackoff time.Duration
	followUp      time.Duration
	reconcileWait time.Duration

	rootCtx        context.Context
	dispatchCtx    context.Context // detached from rootCtx; canceled only after the shutdown grace
	dispatchCancel context.CancelFunc
	wg             sync.WaitGroup

	mu          sync.RWMutex
	reported    map[string]decimal.Decimal // standard code → last value from feed/snapshot
	lastActed   map[string]decimal.Decimal // standard code → amount used at last sell
	states      map[string]*assetState
	orders      map[string]*OrderRecord
	running     bool
	initialDone bool
}

func NewEngine(ex Exchange, reg *Registry, cfg Config) *Engine {
	return &Engine{
		ex:             ex,
		reg:            reg,
		settleDelay:    cfg.SettleDelay,
		retention:      cfg.OrderRetention,
		submitBackoff:  submitBackoffBase,
		followUp:       followUpDelay,
		reconcileWait:  ambiguousReconcileDelay,
		rootCtx:        context.Background(),
		dispatchCtx:    context.Background(),
		dispatchCancel: func() {},
		reported:       make(map[string]decimal.Decimal),
		lastActed:      make(map[string]decimal.Decimal),
		states:         make(map[string]*assetState),
		orders:         make(map[string]*OrderRecord),
	}
}

// Start binds the engine to its lifetime ctx and begins retention pruning.
// Dispatch work runs on a context detached from ctx: a shutdown signal must
// not abort an in-flight submission, so dispatchCtx is canceled only after
// the Shutdown grace elapses.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.rootCtx = ctx
	e.dispatchCtx, e.dispatchCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.mu.Unlock()
	go e.pruneLoop(ctx)
}

// Shutdown waits up to grace for in-flight dispatches to settle.
func (e *Engine) Shutdown(grace time.Duration) {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("shutdown grace elapsed with dispatches still in flight")
	}
	// Stragglers lose their context only now, after the grace.
	e.dispatchCancel()
}

// ---- read-mostly accessors ----

func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	balances := make(map[string]decimal.Decimal, len(e.reported))
	for a, v := range e.reported {
		balances[a] = v
	}
	return EngineStatus{
		Running:             e.running,
		InitialPassComplete: e.initialDone,
		Balances:            balances,
	}
}

// BalanceOf looks up one reported balance by standard or native code.
func (e *Engine) BalanceOf(asset string) (decimal.Decimal, bool) {
	std := standardizeAsset(asset)
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.reported[std]
	return v, ok
}

// Orders returns a copy of the tracked order records.
func (e *Engine) Orders() []OrderRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]OrderRecord, 0, len(e.orders))
	for _, r := range e.orders {
		out = append(out, *r)
	}
	return out
}

func (e *Engine) state(asset string) *assetState {
	st, ok := e.states[asset]
	if !ok {
		st = &assetState{}
		e.states[asset] = st
	}
	return st
}

// ---- cold pass ----

// ColdPass fetches the full balance once and processes every non-zero,
// non-fiat asset. Runs to completion before the feed is started so the
// first snapshot reconciles instead of duplicating work.
func (e *Engine) ColdPass(ctx context.Context) error {
	balances, err := e.ex.Balances(ctx)
	if err != nil {
		return err
	}

	totals := make(map[string]decimal.Decimal)
	for code, b := range balances {
		std := standardizeAsset(code)
		totals[std] = totals[std].Add(b.Total)
	}

	e.mu.Lock()
	for std, amt := range totals {
		e.reported[std] = amt
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(coldPassConcurrency)
	for std, amt := range totals {
		if !amt.IsPositive() || e.reg.IsTargetFiat(std) {
			continue
		}
		asset := std
		g.Go(func() error {
			if cctx, ok := e.claim(asset); ok {
				e.dispatch(cctx, asset)
			}
			return gctx.Err()
		})
	}
	err = g.Wait()

	e.mu.Lock()
	e.initialDone = true
	e.mu.Unlock()
	log.Info().Int("assets", len(totals)).Msg("cold pass complete")
	return err
}

// ---- feed callbacks ----

// OnSnapshot treats the fresh per-cycle snapshot as ground truth. An asset is
// a deposit-equivalent only when its amount differs from the last amount this
// engine acted on; pending ambiguous submissions reconcile here first.
func (e *Engine) OnSnapshot(snap map[string]decimal.Decimal) {
	std := make(map[string]decimal.Decimal, len(snap))
	for code, amt := range snap {
		k := standardizeAsset(code)
		std[k] = std[k].Add(amt)
	}

	var dispatch []string
	e.mu.Lock()
	e.reported = std
	for asset, amt := range std {
		if e.reconcileAmbiguousLocked(asset, amt) {
			continue
		}
		if !amt.IsPositive() || e.reg.IsTargetFiat(asset) {
			continue
		}
		if amt.Equal(e.lastActed[asset]) {
			continue
		}
		dispatch = append(dispatch, asset)
	}
	e.mu.Unlock()

	for _, asset := range dispatch {
		e.tryDispatch(asset)
	}
}

// OnUpdate applies one typed balance event in stream order.
func (e *Engine) OnUpdate(ev BalanceEvent) {
	asset := standardizeAsset(ev.Asset)

	e.mu.Lock()
	e.reported[asset] = ev.Balance
	st := e.state(asset)
	if ev.Balance.IsZero() {
		// Nothing left to sell: disarm any pending retry and close an
		// open-order cycle that was waiting for exactly this.
		if st.retryCancel != nil {
			st.retryCancel()
		}
		st.dirty = false
		if st.awaitingZero {
			st.awaitingZero = false
			st.busy = false
		}
	}
	isDeposit := ev.Type == EventDeposit && ev.Amount.IsPositive() && ev.Balance.IsPositive()
	e.mu.Unlock()

	log.Debug().Str("asset", asset).Str("type", ev.Type).
		Str("amount", ev.Amount.String()).Str("balance", ev.Balance.String()).
		Msg("balance event")

	// Only deposits spawn work. Trade echoes, withdrawals, adjustments and
	// transfers update the reported map above and stop there.
	if isDeposit && !e.reg.IsTargetFiat(asset) {
		e.tryDispatch(asset)
	}
}

// ---- dispatch ----

// claim marks the asset busy and returns the engine-lifetime dispatch
// context for network calls. A second caller while busy marks dirty instead.
// retryCancel aborts only the armed sleeps (see sleepCtx); an in-flight
// submission always runs to completion.
func (e *Engine) claim(asset string) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(asset)
	if st.busy {
		st.dirty = true
		return nil, false
	}
	st.busy = true
	st.dirty = false
	waitCtx, cancel := context.WithCancel(e.dispatchCtx)
	st.waitCtx = waitCtx
	st.retryCancel = cancel
	return e.dispatchCtx, true
}

// sleepCtx returns the per-claim context guarding interruptible waits. A
// zero-total event cancels it, disarming a pending backoff without touching
// any call already on the wire.
func (e *Engine) sleepCtx(asset string) context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.states[asset]; ok && st.waitCtx != nil {
		return st.waitCtx
	}
	return e.dispatchCtx
}

// tryDispatch claims the asset and runs a dispatch cycle on its own goroutine.
func (e *Engine) tryDispatch(asset string) {
	ctx, ok := e.claim(asset)
	if !ok {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(ctx, asset)
	}()
}

// finalize releases the busy flag; a dirty asset is re-examined against the
// live reported balance (which is how coalesced deposits get one follow-up
// sell instead of one per event).
func (e *Engine) finalize(asset string) {
	e.mu.Lock()
	st := e.state(asset)
	st.busy = false
	if st.retryCancel != nil {
		st.retryCancel()
		st.retryCancel = nil
		st.waitCtx = nil
	}
	again := st.dirty
	st.dirty = false
	if again {
		amt := e.reported[asset]
		again = amt.IsPositive() && !amt.Equal(e.lastActed[asset])
	}
	e.mu.Unlock()

	if again {
		e.tryDispatch(asset)
	}
}

// dispatch runs the gate cascade and, if all gates pass, places the market
// sell and follows its lifecycle. Caller must have claimed the asset.
func (e *Engine) dispatch(ctx context.Context, asset string) {
	// Gate 1: the target fiat is never a sell candidate.
	if e.reg.IsTargetFiat(asset) {
		e.rejectGate(asset, reasonTargetCurrency, decimal.Zero)
		e.finalize(asset)
		return
	}

	// Gate 2: a market into the target fiat must exist.
	pair, ok := e.reg.PairFor(asset)
	if !ok {
		e.rejectGate(asset, reasonNoMarket, decimal.Zero)
		go e.reg.RefreshIfStale(e.rootCtx)
		e.finalize(asset)
		return
	}
	minOrder := pair.OrderMin
	if !minOrder.IsPositive() {
		minOrder = e.reg.MinimumOrderSize(asset)
	}

	// Gate 3: reported amount meets the pair minimum.
	e.mu.RLock()
	amount := e.reported[asset]
	e.mu.RUnlock()
	if amount.LessThan(minOrder) {
		e.rejectGate(asset, reasonBelowMinimum, amount)
		e.finalize(asset)
		return
	}

	// Gate 4: a live balance confirms the funds are actually there; the
	// lesser of requested and available is what gets sold.
	balances, err := e.ex.Balances(ctx)
	if err != nil {
		log.Warn().Str("asset", asset).Err(err).Msg("live balance verification failed")
		e.finalize(asset)
		return
	}
	available := decimal.Zero
	for code, b := range balances {
		if standardizeAsset(code) == asset {
			available = available.Add(b.Available())
		}
	}
	// Re-read: deposits that landed during the fetch coalesce into this sell
	// instead of spawning a second one.
	e.mu.RLock()
	amount = e.reported[asset]
	e.mu.RUnlock()
	volume := decimal.Min(amount, available)
	if volume.LessThan(minOrder) {
		e.rejectGate(asset, reasonInsufficient, available)
		e.finalize(asset)
		return
	}

	e.place(ctx, asset, pair, amount, volume)
}

func (e *Engine) rejectGate(asset, reason string, amount decimal.Decimal) {
	IncGateReject(reason)
	log.Info().Str("asset", asset).Str("amount", amount.String()).Msg(reason)
}

// place submits the market sell with bounded engine-level retries, then hands
// off to the poller. Ambiguous submissions park the asset for reconciliation.
func (e *Engine) place(ctx context.Context, asset string, pair PairInfo, reportedAt, volume decimal.Decimal) {
	clOrdID := uuid.NewString()
	var txid string
	var err error
	for attempt := 1; ; attempt++ {
		txid, err = e.ex.SubmitMarketSell(ctx, pair.Key, volume, clOrdID)
		if err == nil {
			break
		}

		var amb *AmbiguousSubmissionError
		if errors.As(err, &amb) {
			e.mu.Lock()
			st := e.state(asset)
			st.ambiguousVol = volume
			st.ambiguousBase = reportedAt
			e.mu.Unlock()
			IncOrderResult("ambiguous")
			log.Warn().Str("asset", asset).Str("pair", pair.Key).
				Str("volume", volume.String()).Err(err).
				Msg("ambiguous submission, awaiting reconciliation")
			e.scheduleAmbiguousRefresh(asset)
			return // busy stays held until reconciled
		}

		if !isRetryable(err) || attempt >= maxSubmitAttempts {
			IncOrderResult("failed")
			log.Error().Str("asset", asset).Str("pair", pair.Key).Int("attempt", attempt).
				Err(err).Msg("sell submission abandoned")
			e.finalize(asset)
			return
		}
		backoff := time.Duration(attempt) * e.submitBackoff
		log.Warn().Str("asset", asset).Int("attempt", attempt).Dur("backoff", backoff).
			Err(err).Msg("sell submission failed, retrying")
		select {
		case <-time.After(backoff):
		case <-e.sleepCtx(asset).Done():
			e.finalize(asset)
			return
		}
	}

	now := time.Now()
	e.mu.Lock()
	e.lastActed[asset] = reportedAt
	e.orders[txid] = &OrderRecord{
		TxID:        txid,
		ClOrdID:     clOrdID,
		Asset:       asset,
		Pair:        pair.Key,
		Requested:   volume,
		State:       OrderPending,
		SubmittedAt: now,
	}
	e.mu.Unlock()
	IncOrderResult("submitted")
	log.Info().Str("asset", asset).Str("pair", pair.Key).Str("txid", txid).
		Str("volume", volume.String()).Msg("market sell submitted")

	e.pollOrder(asset, txid, volume)
}

// pollOrder queries the order once after the settle delay. Closed and fully
// filled finalizes; a partial fill re-arms the asset for a residual pass
// through the same gates; still-open orders are left alone until the
// zero-balance feed event closes the cycle.
func (e *Engine) pollOrder(asset, txid string, requested decimal.Decimal) {
	select {
	case <-time.After(e.settleDelay):
	case <-e.dispatchCtx.Done():
		e.finalize(asset)
		return
	}

	info, err := e.ex.QueryOrder(e.dispatchCtx, txid)
	if err != nil {
		log.Warn().Str("txid", txid).Err(err).Msg("order poll failed")
		e.finalize(asset)
		return
	}

	var fills []TradeInfo
	if info.Status == OrderClosed && len(info.TradeIDs) > 0 {
		if trades, terr := e.ex.QueryTrades(e.dispatchCtx, info.TradeIDs); terr == nil {
			for _, t := range trades {
				fills = append(fills, t)
			}
		}
	}

	e.mu.Lock()
	if rec, ok := e.orders[txid]; ok {
		rec.State = info.Status
		rec.Fills = fills
		if info.Status == OrderClosed || info.Status == OrderCanceled || info.Status == OrderFailed {
			rec.FinalizedAt = time.Now()
		}
	}
	e.mu.Unlock()

	switch info.Status {
	case OrderClosed:
		if info.VolumeExec.LessThan(requested) {
			residual := requested.Sub(info.VolumeExec)
			IncOrderResult("partial")
			log.Info().Str("txid", txid).Str("asset", asset).
				Str("residual", residual.String()).Msg("partial fill, scheduling follow-up")
			select {
			case <-time.After(e.followUp):
			case <-e.dispatchCtx.Done():
			}
			e.mu.Lock()
			e.state(asset).dirty = true
			// The residual is what the next pass should see, not the
			// pre-sell total.
			e.reported[asset] = residual
			e.mu.Unlock()
			e.finalize(asset)
			return
		}
		IncOrderResult("filled")
		log.Info().Str("txid", txid).Str("asset", asset).
			Str("volume", info.VolumeExec.String()).Msg("sell filled")
		e.finalize(asset)

	case OrderOpen, OrderPending:
		// Leave it; the feed update that zeroes the balance closes the cycle.
		e.mu.Lock()
		e.state(asset).awaitingZero = true
		e.mu.Unlock()
		log.Info().Str("txid", txid).Str("asset", asset).Msg("order still open after settle delay")

	default:
		IncOrderResult("failed")
		log.Warn().Str("txid", txid).Str("asset", asset).
			Str("status", string(info.Status)).Msg("order did not fill")
		e.finalize(asset)
	}
}

// ---- ambiguous reconciliation ----

// reconcileAmbiguousLocked resolves a parked ambiguous submission against a
// fresh balance. Caller holds e.mu. Returns true when the asset was in the
// ambiguous state (reconciled either way).
func (e *Engine) reconcileAmbiguousLocked(asset string, current decimal.Decimal) bool {
	st, ok := e.states[asset]
	if !ok || !st.ambiguousVol.IsPositive() {
		return false
	}
	decrease := st.ambiguousBase.Sub(current)
	threshold := st.ambiguousVol.Mul(ambiguousTolerance)
	if decrease.GreaterThanOrEqual(threshold) {
		e.lastActed[asset] = current
		log.Info().Str("asset", asset).Str("submitted", st.ambiguousVol.String()).
			Str("decrease", decrease.String()).Msg("reconciled")
	} else {
		log.Warn().Str("asset", asset).Str("submitted", st.ambiguousVol.String()).
			Str("decrease", decrease.String()).
			Msg("ambiguous submission did not land, re-classifying on next update")
	}
	st.ambiguousVol = decimal.Zero
	st.ambiguousBase = decimal.Zero
	st.busy = false
	return true
}

// scheduleAmbiguousRefresh forces a balance fetch if no snapshot reconciles
// the asset first.
func (e *Engine) scheduleAmbiguousRefresh(asset string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(e.reconcileWait):
		case <-e.dispatchCtx.Done():
			return
		}

		e.mu.RLock()
		st, ok := e.states[asset]
		pending := ok && st.ambiguousVol.IsPositive()
		e.mu.RUnlock()
		if !pending {
			return
		}

		balances, err := e.ex.Balances(e.dispatchCtx)
		if err != nil {
			log.Warn().Str("asset", asset).Err(err).Msg("forced reconcile fetch failed")
			return
		}
		current := decimal.Zero
		for code, b := range balances {
			if standardizeAsset(code) == asset {
				current = current.Add(b.Total)
			}
		}
		e.mu.Lock()
		e.reported[asset] = current
		e.reconcileAmbiguousLocked(asset, current)
		e.mu.Unlock()
	}()
}

// ---- retention ----

func (e *Engine) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-e.retention)
			e.mu.Lock()
			for txid, rec := range e.orders {
				terminal := rec.State == OrderClosed || rec.State == OrderCanceled || rec.State == OrderFailed
				if terminal && !rec.FinalizedAt.IsZero() && rec.FinalizedAt.Before(cutoff) {
					delete(e.orders, txid)
				}
			}
			e.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
