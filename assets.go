// FILE: assets.go
// Package main – Asset registry: code canonicalization and pair resolution.
//
// What's here:
//   • The fixed bidirectional native↔standard code table (XXBT↔BTC, ZUSD↔USD,
//     ...) with identity fallback for anything unlisted. Standard form is
//     canonical inside the engine.
//   • The pair catalog loaded once at startup from the venue, indexed by key,
//     altname and wsname so the same economic market is found under any of
//     the venue's symbol conventions (XBTUSD vs XXBTZUSD vs XBT/USD).
//   • The minimum-order-size cascade: catalog ordermin → per-ticker table →
//     generic floor.
//
// The registry is effectively immutable after Load; RefreshIfStale exists so
// a no_market miss can pick up newly listed pairs without a restart, throttled
// to once per ten minutes.
package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---- code canonicalization ----

// nativeToStandard is the canonical source of truth for the venue's legacy
// prefixed codes. Everything else maps to itself.
var nativeToStandard = map[string]string{
	"XXBT": "BTC",
	"XETH": "ETH",
	"XXDG": "DOGE",
	"XXRP": "XRP",
	"XXLM": "XLM",
	"XXMR": "XMR",
	"XLTC": "LTC",
	"XETC": "ETC",
	"XZEC": "ZEC",
	"XMLN": "MLN",
	"XREP": "REP",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZJPY": "JPY",
	"ZCAD": "CAD",
	"ZAUD": "AUD",
	"ZCHF": "CHF",
}

var standardToNative = func() map[string]string {
	m := make(map[string]string, len(nativeToStandard))
	for n, s := range nativeToStandard {
		m[s] = n
	}
	return m
}()

// tradingAlias maps standard codes to the venue's trading-symbol spelling,
// which differs from both the native and the standard form for a few assets.
var tradingAlias = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// standardizeAsset canonicalizes a venue code. Balance keys may carry a
// suffix class like "XBT.F" or "USD.HOLD"; the class is stripped first.
func standardizeAsset(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if i := strings.Index(code, "."); i > 0 {
		code = code[:i]
	}
	if std, ok := nativeToStandard[code]; ok {
		return std
	}
	// Trading-symbol spellings normalize too (XBT → BTC).
	for std, alias := range tradingAlias {
		if code == alias {
			return std
		}
	}
	return code
}

// nativizeAsset returns the venue's legacy code for a standard ticker,
// identity for anything unlisted.
func nativizeAsset(std string) string {
	std = strings.ToUpper(strings.TrimSpace(std))
	if n, ok := standardToNative[std]; ok {
		return n
	}
	return std
}

// ---- minimum-order fallbacks ----

// fallbackOrderMin covers common tickers when the catalog has no ordermin.
var fallbackOrderMin = map[string]decimal.Decimal{
	"BTC":  decimal.RequireFromString("0.0001"),
	"ETH":  decimal.RequireFromString("0.01"),
	"LTC":  decimal.RequireFromString("0.05"),
	"XRP":  decimal.RequireFromString("10"),
	"DOGE": decimal.RequireFromString("20"),
	"SOL":  decimal.RequireFromString("0.02"),
	"ADA":  decimal.RequireFromString("5"),
	"DOT":  decimal.RequireFromString("0.5"),
	"USDT": decimal.RequireFromString("5"),
	"USDC": decimal.RequireFromString("5"),
}

var genericOrderMin = decimal.RequireFromString("0.0001")

// ---- registry ----

const refreshInterval = 10 * time.Minute

// Registry resolves "can asset X be sold into the target fiat, and on which
// pair" against the loaded catalog.
type Registry struct {
	ex   Exchange
	fiat string // standard form

	mu          sync.RWMutex
	pairs       map[string]PairInfo
	symbols     map[string]string // key | altname | wsname (slash-stripped) → catalog key
	lastRefresh time.Time
}

func NewRegistry(ex Exchange, targetFiat string) *Registry {
	return &Registry{ex: ex, fiat: standardizeAsset(targetFiat)}
}

// Load fetches the full catalog. Fatal at startup if it fails (main decides).
func (r *Registry) Load(ctx context.Context) error {
	pairs, err := r.ex.ListPairs(ctx)
	if err != nil {
		return err
	}
	symbols := make(map[string]string, len(pairs)*3)
	for key, p := range pairs {
		symbols[key] = key
		if p.Altname != "" {
			symbols[p.Altname] = key
		}
		if p.Wsname != "" {
			symbols[strings.ReplaceAll(p.Wsname, "/", "")] = key
		}
	}
	r.mu.Lock()
	r.pairs = pairs
	r.symbols = symbols
	r.lastRefresh = time.Now()
	r.mu.Unlock()
	log.Info().Int("pairs", len(pairs)).Str("target_fiat", r.fiat).Msg("pair catalog loaded")
	return nil
}

// RefreshIfStale reloads the catalog at most once per refreshInterval.
// Best-effort: a failed refresh keeps the old catalog.
func (r *Registry) RefreshIfStale(ctx context.Context) {
	r.mu.RLock()
	stale := time.Since(r.lastRefresh) >= refreshInterval
	r.mu.RUnlock()
	if !stale {
		return
	}
	if err := r.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("pair catalog refresh failed")
	}
}

// TargetFiat returns the standard form of the liquidation target.
func (r *Registry) TargetFiat() string { return r.fiat }

// IsTargetFiat reports whether code names the target fiat in any spelling.
func (r *Registry) IsTargetFiat(code string) bool {
	return standardizeAsset(code) == r.fiat
}

// PairFor resolves the market selling stdAsset into the target fiat. A small
// ordered set of symbol concatenations is tried; the first catalog hit wins.
func (r *Registry) PairFor(stdAsset string) (PairInfo, bool) {
	stdAsset = standardizeAsset(stdAsset)
	if stdAsset == r.fiat {
		return PairInfo{}, false
	}

	nativeBase := nativizeAsset(stdAsset)
	nativeQuote := nativizeAsset(r.fiat)
	candidates := []string{
		nativeBase + nativeQuote, // XXBTZUSD
		stdAsset + r.fiat,        // BTCUSD
		nativeBase + r.fiat,      // XXBTUSD
		stdAsset + nativeQuote,   // BTCZUSD
	}
	if alias, ok := tradingAlias[stdAsset]; ok {
		candidates = append(candidates,
			alias+r.fiat,      // XBTUSD
			alias+nativeQuote, // XBTZUSD
		)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sym := range candidates {
		if key, ok := r.symbols[sym]; ok {
			p := r.pairs[key]
			if p.Online() {
				return p, true
			}
		}
	}
	return PairInfo{}, false
}

// MinimumOrderSize runs the fallback cascade: catalog ordermin → per-ticker
// table → generic floor.
func (r *Registry) MinimumOrderSize(stdAsset string) decimal.Decimal {
	stdAsset = standardizeAsset(stdAsset)
	if p, ok := r.PairFor(stdAsset); ok && p.OrderMin.IsPositive() {
		return p.OrderMin
	}
	if m, ok := fallbackOrderMin[stdAsset]; ok {
		return m
	}
	return genericOrderMin
}
