// FILE: seller_test.go
package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func busyFor(e *Engine, asset string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.states[asset]
	return st != nil && st.busy
}

func ambiguousFor(e *Engine, asset string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.states[asset]
	return st != nil && st.ambiguousVol.IsPositive()
}

func reportedFor(e *Engine, asset string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reported[asset]
}

func lastActedFor(e *Engine, asset string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastActed[asset]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

// The target fiat is never sold, even when it is the only balance.
func TestColdPassSkipsTargetFiat(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("ZUSD", d("100.00"))
	fake.setBalance("XETH", d("0"))
	e, _ := newTestEngine(t, fake)

	require.NoError(t, e.ColdPass(context.Background()))

	assert.Equal(t, 0, fake.submitCount())
	st := e.Status()
	assert.True(t, st.InitialPassComplete)
	assert.True(t, st.Balances["USD"].Equal(d("100.00")))
	assert.True(t, st.Balances["ETH"].IsZero())
}

// A cold-pass balance above the pair minimum produces exactly one sell.
func TestColdPassSellsAboveMinimum(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	fake.setBalance("ZUSD", d("0"))
	e, _ := newTestEngine(t, fake)

	require.NoError(t, e.ColdPass(context.Background()))

	require.Equal(t, 1, fake.submitCount())
	call := fake.submitAt(0)
	assert.Equal(t, "XETHZUSD", call.Pair)
	assert.True(t, call.Volume.Equal(d("0.5")))
	assert.NotEmpty(t, call.ClOrdID)

	// The post-sell snapshot reconciles without a duplicate.
	e.OnSnapshot(map[string]decimal.Decimal{"ETH": d("0"), "USD": d("935")})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fake.submitCount())
	assert.True(t, reportedFor(e, "ETH").IsZero())
}

// A deposit while running triggers one sell for the deposited amount.
func TestDepositTriggersSell(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("ZUSD", d("100"))
	e, _ := newTestEngine(t, fake)
	e.OnSnapshot(map[string]decimal.Decimal{"USD": d("100"), "ETH": d("0")})

	fake.setBalance("XETH", d("0.2"))
	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.2"), Balance: d("0.2")})

	waitFor(t, func() bool { return fake.submitCount() == 1 }, "deposit should dispatch one sell")
	call := fake.submitAt(0)
	assert.Equal(t, "XETHZUSD", call.Pair)
	assert.True(t, call.Volume.Equal(d("0.2")))
}

// Trade echoes update the reported balance and never sell.
func TestTradeEchoIgnored(t *testing.T) {
	fake := newFakeExchange()
	e, _ := newTestEngine(t, fake)
	e.mu.Lock()
	e.reported["ETH"] = d("0.2")
	e.lastActed["ETH"] = d("0.2")
	e.mu.Unlock()

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventTrade, Amount: d("-0.2"), Balance: d("0")})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fake.submitCount())
	assert.True(t, reportedFor(e, "ETH").IsZero())
}

// A below-minimum deposit is rejected at the gate, asset back to IDLE.
func TestBelowMinimumDeposit(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.0005"))
	e, _ := newTestEngine(t, fake)

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.0005"), Balance: d("0.0005")})

	waitFor(t, func() bool { return !busyFor(e, "ETH") }, "gate rejection returns the asset to IDLE")
	assert.Equal(t, 0, fake.submitCount())
}

// An ambiguous submission is never retried; the next snapshot reconciles.
func TestAmbiguousSubmissionReconciledBySnapshot(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.2"))
	fake.submitErr = &AmbiguousSubmissionError{Pair: "XETHZUSD", Volume: d("0.2"), Cause: errors.New("connection reset")}
	e, _ := newTestEngine(t, fake)
	e.reconcileWait = time.Hour // let the snapshot get there first

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.2"), Balance: d("0.2")})
	waitFor(t, func() bool { return ambiguousFor(e, "ETH") }, "submission should park as ambiguous")
	assert.Equal(t, 1, fake.attemptCount(), "ambiguous submissions are not retried")
	assert.True(t, busyFor(e, "ETH"), "asset stays busy while unreconciled")

	// Reconnect snapshot: balance decreased by the submitted volume.
	e.OnSnapshot(map[string]decimal.Decimal{"ETH": d("0"), "USD": d("374")})

	assert.False(t, ambiguousFor(e, "ETH"))
	assert.False(t, busyFor(e, "ETH"))
	assert.True(t, lastActedFor(e, "ETH").IsZero())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fake.attemptCount(), "no duplicate sell after reconciliation")
}

// The forced balance refresh reconciles when no snapshot arrives.
func TestAmbiguousForcedRefreshReconciles(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.2"))
	fake.submitErr = &AmbiguousSubmissionError{Pair: "XETHZUSD", Volume: d("0.2"), Cause: errors.New("connection reset")}
	e, _ := newTestEngine(t, fake)
	e.reconcileWait = 150 * time.Millisecond

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.2"), Balance: d("0.2")})
	waitFor(t, func() bool { return ambiguousFor(e, "ETH") }, "submission should park as ambiguous")

	// The order actually went through on the venue side.
	fake.setBalance("XETH", d("0"))

	waitFor(t, func() bool { return !busyFor(e, "ETH") }, "forced refresh should reconcile")
	assert.False(t, ambiguousFor(e, "ETH"))
	assert.True(t, reportedFor(e, "ETH").IsZero())
}

// Two back-to-back deposits coalesce into one sell of the live balance.
func TestSingleFlightCoalescesDeposits(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.4"))
	gate := make(chan struct{})
	fake.mu.Lock()
	fake.balancesGate = gate
	fake.mu.Unlock()
	e, _ := newTestEngine(t, fake)

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.2"), Balance: d("0.2")})
	waitFor(t, func() bool { return busyFor(e, "ETH") }, "first deposit claims the asset")
	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.2"), Balance: d("0.4")})
	assert.Equal(t, 0, fake.submitCount(), "nothing submitted while the verify is in flight")

	fake.mu.Lock()
	fake.balancesGate = nil
	fake.mu.Unlock()
	close(gate)

	waitFor(t, func() bool { return fake.submitCount() == 1 }, "one coalesced sell")
	assert.True(t, fake.submitAt(0).Volume.Equal(d("0.4")), "volume is the live balance, not 2d")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fake.submitCount(), "no second sell after finalize")
}

// Three consecutive submission failures abandon the asset until a new event.
func TestThreeFailuresAbandonUntilRearmed(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	fake.submitErr = &httpStatusError{Code: 502}
	e, _ := newTestEngine(t, fake)

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.5"), Balance: d("0.5")})
	waitFor(t, func() bool { return fake.attemptCount() == 3 && !busyFor(e, "ETH") }, "bounded attempts then abandon")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, fake.attemptCount(), "no further attempts without a new event")

	// A fresh deposit re-arms the asset.
	fake.mu.Lock()
	fake.submitErr = nil
	fake.mu.Unlock()
	fake.setBalance("XETH", d("0.6"))
	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.1"), Balance: d("0.6")})
	waitFor(t, func() bool { return fake.submitCount() == 1 }, "new deposit re-arms the asset")
	assert.True(t, fake.submitAt(0).Volume.Equal(d("0.6")))
}

// A zero-total event disarms a pending placement backoff.
func TestZeroTotalCancelsRetryBackoff(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	fake.submitErr = &httpStatusError{Code: 502}
	e, _ := newTestEngine(t, fake)
	e.submitBackoff = time.Hour // park the retry so the zero event races nothing

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.5"), Balance: d("0.5")})
	waitFor(t, func() bool { return fake.attemptCount() == 1 }, "first attempt taken")

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventWithdrawal, Amount: d("-0.5"), Balance: d("0")})
	waitFor(t, func() bool { return !busyFor(e, "ETH") }, "zero total cancels the armed retry")
	assert.Equal(t, 1, fake.attemptCount())
}

// Replaying the same snapshot twice yields zero additional sells.
func TestSnapshotReplayIsIdempotent(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	e, _ := newTestEngine(t, fake)

	e.OnSnapshot(map[string]decimal.Decimal{"ETH": d("0.5")})
	waitFor(t, func() bool { return fake.submitCount() == 1 }, "first snapshot sells")

	e.OnSnapshot(map[string]decimal.Decimal{"ETH": d("0.5")})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fake.submitCount(), "replayed snapshot matches last-acted, no sell")
}

// Amount exactly at the minimum sells; one unit below does not.
func TestMinimumOrderBoundary(t *testing.T) {
	t.Run("exactly at minimum", func(t *testing.T) {
		fake := newFakeExchange()
		fake.setBalance("XETH", d("0.01"))
		e, _ := newTestEngine(t, fake)
		require.NoError(t, e.ColdPass(context.Background()))
		require.Equal(t, 1, fake.submitCount())
		assert.True(t, fake.submitAt(0).Volume.Equal(d("0.01")))
	})

	t.Run("one ULP below minimum", func(t *testing.T) {
		fake := newFakeExchange()
		fake.setBalance("XETH", d("0.00999999"))
		e, _ := newTestEngine(t, fake)
		require.NoError(t, e.ColdPass(context.Background()))
		assert.Equal(t, 0, fake.submitCount())
	})
}

// Non-deposit, non-trade events update the reported map only.
func TestClassifierUpdatesReportedOnly(t *testing.T) {
	fake := newFakeExchange()
	e, _ := newTestEngine(t, fake)

	for _, typ := range []string{EventWithdrawal, EventAdjustment, EventTransfer} {
		e.OnUpdate(BalanceEvent{Asset: "ETH", Type: typ, Amount: d("0.1"), Balance: d("0.4")})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fake.submitCount())
	assert.True(t, reportedFor(e, "ETH").Equal(d("0.4")))
}

// A fiat deposit never sells, in either code form.
func TestFiatDepositNeverSells(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("ZUSD", d("500"))
	e, _ := newTestEngine(t, fake)

	e.OnUpdate(BalanceEvent{Asset: "USD", Type: EventDeposit, Amount: d("500"), Balance: d("500")})
	e.OnUpdate(BalanceEvent{Asset: "ZUSD", Type: EventDeposit, Amount: d("500"), Balance: d("500")})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fake.submitCount())
}

// An asset with no market to the target fiat is rejected at gate 2.
func TestNoMarketGate(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XXDG", d("100")) // DOGE only trades into EUR in the catalog
	e, _ := newTestEngine(t, fake)

	require.NoError(t, e.ColdPass(context.Background()))
	assert.Equal(t, 0, fake.submitCount())
}

// Gate 4 sells the lesser of reported and actually-available, and rejects
// when even that is below the pair minimum.
func TestAvailableBalanceGate(t *testing.T) {
	t.Run("clamps to available", func(t *testing.T) {
		fake := newFakeExchange()
		fake.mu.Lock()
		fake.balances["XETH"] = Balance{Total: d("0.5"), HoldTrade: d("0.45")}
		fake.mu.Unlock()
		e, _ := newTestEngine(t, fake)

		// Reported says 0.5 but only 0.05 is free; the sell uses 0.05.
		e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.5"), Balance: d("0.5")})
		waitFor(t, func() bool { return fake.submitCount() == 1 }, "gated sell dispatches")
		assert.True(t, fake.submitAt(0).Volume.Equal(d("0.05")))
	})

	t.Run("rejects when available is below minimum", func(t *testing.T) {
		fake := newFakeExchange()
		fake.mu.Lock()
		fake.balances["XETH"] = Balance{Total: d("0.5"), HoldTrade: d("0.495")}
		fake.mu.Unlock()
		e, _ := newTestEngine(t, fake)

		e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.5"), Balance: d("0.5")})
		waitFor(t, func() bool { return !busyFor(e, "ETH") }, "gate rejection returns the asset to IDLE")
		assert.Equal(t, 0, fake.submitCount())
	})
}

// A partial fill schedules a follow-up for the residual through the gates.
func TestPartialFillFollowUp(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	exec := d("0.3")
	fake.execOverride = &exec
	e, _ := newTestEngine(t, fake)

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.5"), Balance: d("0.5")})
	waitFor(t, func() bool { return fake.submitCount() == 2 }, "residual follow-up after partial fill")
	assert.True(t, fake.submitAt(0).Volume.Equal(d("0.5")))
	assert.True(t, fake.submitAt(1).Volume.Equal(d("0.2")), "follow-up sells the residual")
}

// newShutdownEngine is newTestEngine with the lifetime cancel exposed, for
// tests that deliver the shutdown signal themselves.
func newShutdownEngine(t *testing.T, fake *fakeExchange) (*Engine, context.CancelFunc) {
	t.Helper()
	cfg := testConfig()
	reg := NewRegistry(fake, cfg.TargetFiat)
	require.NoError(t, reg.Load(context.Background()))
	e := NewEngine(fake, reg, cfg)
	e.submitBackoff = time.Millisecond
	e.followUp = time.Millisecond
	e.reconcileWait = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(cancel)
	return e, cancel
}

// A submission on the wire when the shutdown signal lands is not aborted:
// it completes inside the grace and its order record finalizes.
func TestShutdownLetsInFlightSubmissionSettle(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	gate := make(chan struct{})
	fake.mu.Lock()
	fake.submitGate = gate
	fake.mu.Unlock()
	e, cancel := newShutdownEngine(t, fake)

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.5"), Balance: d("0.5")})
	waitFor(t, func() bool { return fake.attemptCount() == 1 }, "submission in flight")

	// The signal lands while the order is on the wire; the venue answers
	// shortly after.
	cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		fake.mu.Lock()
		fake.submitGate = nil
		fake.mu.Unlock()
		close(gate)
	}()

	start := time.Now()
	e.Shutdown(2 * time.Second)
	assert.Less(t, time.Since(start), time.Second, "in-flight work settles well inside the grace")

	assert.Equal(t, 1, fake.attemptCount(), "the blocked submission was not re-issued")
	require.Equal(t, 1, fake.submitCount(), "the submission completed, not aborted")
	orders := e.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderClosed, orders[0].State)
	assert.False(t, busyFor(e, "ETH"))
}

// Shutdown leaves no armed retry behind: a dispatch parked in its backoff is
// released once the grace elapses, without another attempt.
func TestShutdownDisarmsParkedRetry(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	fake.submitErr = &httpStatusError{Code: 502}
	e, cancel := newShutdownEngine(t, fake)
	e.submitBackoff = time.Hour // park the retry

	e.OnUpdate(BalanceEvent{Asset: "ETH", Type: EventDeposit, Amount: d("0.5"), Balance: d("0.5")})
	waitFor(t, func() bool { return fake.attemptCount() == 1 }, "first attempt taken")

	cancel()
	start := time.Now()
	e.Shutdown(100 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second, "shutdown is bounded by the grace")

	waitFor(t, func() bool { return !busyFor(e, "ETH") }, "parked retry released")
	assert.Equal(t, 1, fake.attemptCount(), "no attempt after the grace")
}

// Order records materialize fills and carry terminal state.
func TestOrderRecordLifecycle(t *testing.T) {
	fake := newFakeExchange()
	fake.setBalance("XETH", d("0.5"))
	e, _ := newTestEngine(t, fake)

	require.NoError(t, e.ColdPass(context.Background()))
	orders := e.Orders()
	require.Len(t, orders, 1)
	rec := orders[0]
	assert.Equal(t, "ETH", rec.Asset)
	assert.Equal(t, "XETHZUSD", rec.Pair)
	assert.Equal(t, OrderClosed, rec.State)
	assert.True(t, rec.Requested.Equal(d("0.5")))
	require.Len(t, rec.Fills, 1)
	assert.True(t, rec.Fills[0].Volume.Equal(d("0.5")))
	assert.False(t, rec.FinalizedAt.IsZero())
}
