// FILE: fake_exchange_test.go
// In-process Exchange double shared by the engine, registry and server tests.
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCatalog() map[string]PairInfo {
	return map[string]PairInfo{
		"XXBTZUSD": {Key: "XXBTZUSD", Altname: "XBTUSD", Wsname: "XBT/USD", Base: "XXBT", Quote: "ZUSD", OrderMin: d("0.0001"), Status: "online"},
		"XETHZUSD": {Key: "XETHZUSD", Altname: "ETHUSD", Wsname: "ETH/USD", Base: "XETH", Quote: "ZUSD", OrderMin: d("0.01"), Status: "online"},
		"SOLUSD":   {Key: "SOLUSD", Altname: "SOLUSD", Wsname: "SOL/USD", Base: "SOL", Quote: "ZUSD", OrderMin: d("0.02"), Status: "online"},
		"XXDGZEUR": {Key: "XXDGZEUR", Altname: "XDGEUR", Wsname: "XDG/EUR", Base: "XXDG", Quote: "ZEUR", OrderMin: d("20"), Status: "online"},
		"LUNAUSD":  {Key: "LUNAUSD", Altname: "LUNAUSD", Wsname: "LUNA/USD", Base: "LUNA", Quote: "ZUSD", OrderMin: d("1"), Status: "cancel_only"},
	}
}

type submitCall struct {
	Pair    string
	Volume  decimal.Decimal
	ClOrdID string
}

// fakeExchange is a deterministic Exchange double. By default every submitted
// sell is immediately closed and fully filled.
type fakeExchange struct {
	mu       sync.Mutex
	pairs    map[string]PairInfo
	balances map[string]Balance
	orders   map[string]*OrderInfo
	trades   map[string]TradeInfo
	submits  []submitCall
	attempts int

	balancesErr  error
	balancesGate chan struct{} // when set, Balances blocks until closed
	submitGate   chan struct{} // when set, SubmitMarketSell blocks after counting the attempt

	submitErr           error // returned for every submit while set
	submitTransientLeft int   // first N submits fail with a 502
	execOverride        *decimal.Decimal

	token    string
	tokenErr error
	nextID   int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		pairs:    testCatalog(),
		balances: map[string]Balance{},
		orders:   map[string]*OrderInfo{},
		trades:   map[string]TradeInfo{},
		token:    "ws-token",
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) ListPairs(context.Context) (map[string]PairInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]PairInfo, len(f.pairs))
	for k, v := range f.pairs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) Balances(context.Context) (map[string]Balance, error) {
	f.mu.Lock()
	gate := f.balancesGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	out := make(map[string]Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) SubmitMarketSell(_ context.Context, pair string, volume decimal.Decimal, clOrdID string) (string, error) {
	f.mu.Lock()
	f.attempts++
	gate := f.submitGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitTransientLeft > 0 {
		f.submitTransientLeft--
		return "", &httpStatusError{Code: 502}
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	txid := fmt.Sprintf("OFAKE%d-AAAAA-BBBBB", f.nextID)
	f.submits = append(f.submits, submitCall{Pair: pair, Volume: volume, ClOrdID: clOrdID})

	exec := volume
	if f.execOverride != nil {
		exec = *f.execOverride
	}
	tradeID := fmt.Sprintf("TFAKE%d-AAAAA-BBBBB", f.nextID)
	f.orders[txid] = &OrderInfo{
		TxID:       txid,
		Pair:       pair,
		Side:       "sell",
		Type:       "market",
		Status:     OrderClosed,
		Volume:     volume,
		VolumeExec: exec,
		TradeIDs:   []string{tradeID},
		OpenedAt:   time.Now(),
		ClosedAt:   time.Now(),
	}
	f.trades[tradeID] = TradeInfo{
		TradeID:   tradeID,
		OrderTxID: txid,
		Pair:      pair,
		Side:      "sell",
		Volume:    exec,
		Time:      time.Now(),
	}
	return txid, nil
}

func (f *fakeExchange) QueryOrder(_ context.Context, txid string) (*OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[txid]
	if !ok {
		return nil, fmt.Errorf("QueryOrders %s: %w", txid, errOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeExchange) QueryTrades(_ context.Context, txids []string) (map[string]TradeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]TradeInfo{}
	for _, id := range txids {
		if t, ok := f.trades[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakeExchange) FeedToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

// ---- test-side accessors ----

func (f *fakeExchange) setBalance(code string, total decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[code] = Balance{Total: total}
}

func (f *fakeExchange) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeExchange) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeExchange) submitAt(i int) submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[i]
}

func (f *fakeExchange) putOrder(o *OrderInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.TxID] = o
}

func testConfig() Config {
	return Config{
		TargetFiat:           "USD",
		Port:                 0,
		RetryAttempts:        3,
		RetryBaseDelay:       time.Millisecond,
		ReconnectBase:        time.Millisecond,
		ReconnectMaxAttempts: 10,
		SettleDelay:          time.Millisecond,
		OrderRetention:       time.Minute,
		WSURL:                "ws://unused.invalid",
	}
}

// newTestEngine wires a started engine over the fake. Timing knobs are
// shrunk so retries and polls settle within the test.
func newTestEngine(t interface{ Cleanup(func()) }, fake *fakeExchange) (*Engine, *Registry) {
	cfg := testConfig()
	reg := NewRegistry(fake, cfg.TargetFiat)
	if err := reg.Load(context.Background()); err != nil {
		panic(err)
	}
	e := NewEngine(fake, reg, cfg)
	e.submitBackoff = time.Millisecond
	e.followUp = time.Millisecond
	e.reconcileWait = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(cancel)
	return e, reg
}
