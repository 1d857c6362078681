// FILE: exchange.go
// Package main – Exchange abstraction shared by the engine and the HTTP surface.
//
// This file defines the minimal interface the liquidation pipeline needs to
// talk to a venue, plus the normalized types that cross it:
//   • Exchange interface: pair catalog, balances, market sell, order/trade
//     queries, streaming-token acquisition
//   • Common types: PairInfo, Balance, OrderInfo, TradeInfo, BalanceEvent
//
// The one concrete implementation lives in exchange_kraken.go; tests use an
// in-process fake.
package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of a tracked order.
type OrderState string

const (
	OrderPending  OrderState = "pending"
	OrderOpen     OrderState = "open"
	OrderClosed   OrderState = "closed"
	OrderCanceled OrderState = "canceled"
	OrderFailed   OrderState = "failed"
)

// PairInfo describes one tradable market from the venue catalog.
type PairInfo struct {
	Key      string // venue map key, e.g. "XXBTZUSD"
	Altname  string // e.g. "XBTUSD"
	Wsname   string // e.g. "XBT/USD"
	Base     string // native code
	Quote    string // native code
	OrderMin decimal.Decimal
	CostMin  decimal.Decimal
	Status   string // online, cancel_only, ...
}

// Online reports whether new orders are accepted on the pair.
func (p PairInfo) Online() bool { return p.Status == "" || p.Status == "online" }

// Balance is one asset's holdings. HoldTrade is the slice locked by open
// orders; only the remainder is sellable.
type Balance struct {
	Total     decimal.Decimal
	HoldTrade decimal.Decimal
}

// Available is what a new order can actually spend.
func (b Balance) Available() decimal.Decimal { return b.Total.Sub(b.HoldTrade) }

// OrderInfo is a normalized view of a venue order.
type OrderInfo struct {
	TxID       string          `json:"txid"`
	Pair       string          `json:"pair"`
	Side       string          `json:"side"`
	Type       string          `json:"type"` // market, limit, ...
	Status     OrderState      `json:"status"`
	Volume     decimal.Decimal `json:"volume"`
	VolumeExec decimal.Decimal `json:"volume_executed"`
	Price      decimal.Decimal `json:"price"`
	Cost       decimal.Decimal `json:"cost"`
	Fee        decimal.Decimal `json:"fee"`
	TradeIDs   []string        `json:"trade_ids,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// TradeInfo is one fill. Immutable after materialization.
type TradeInfo struct {
	TradeID   string          `json:"trade_id"`
	OrderTxID string          `json:"order_txid"`
	Pair      string          `json:"pair"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
	Time      time.Time       `json:"time"`
}

// Balance update event types delivered on the stream.
const (
	EventDeposit    = "deposit"
	EventWithdrawal = "withdrawal"
	EventTrade      = "trade"
	EventAdjustment = "adjustment"
	EventTransfer   = "transfer"
)

// BalanceEvent is one typed balance change from the stream, decoded once at
// the feed boundary. Amount is the signed delta, Balance the new total.
type BalanceEvent struct {
	Asset     string
	Type      string
	Amount    decimal.Decimal
	Balance   decimal.Decimal
	LedgerID  string
	RefID     string
	Timestamp time.Time
}

// Exchange is the venue surface the agent needs.
type Exchange interface {
	Name() string
	ListPairs(ctx context.Context) (map[string]PairInfo, error)
	Balances(ctx context.Context) (map[string]Balance, error)
	SubmitMarketSell(ctx context.Context, pair string, volume decimal.Decimal, clOrdID string) (txid string, err error)
	QueryOrder(ctx context.Context, txid string) (*OrderInfo, error)
	QueryTrades(ctx context.Context, txids []string) (map[string]TradeInfo, error)
	FeedToken(ctx context.Context) (string, error)
}
