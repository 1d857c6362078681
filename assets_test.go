// FILE: assets_test.go
package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetCodeRoundTrip(t *testing.T) {
	for native, std := range nativeToStandard {
		assert.Equal(t, std, standardizeAsset(native), "standardize(%s)", native)
		assert.Equal(t, native, nativizeAsset(std), "nativize(%s)", std)
		// Round-trip laws on the recognized sets.
		assert.Equal(t, native, nativizeAsset(standardizeAsset(native)))
		assert.Equal(t, std, standardizeAsset(nativizeAsset(std)))
	}
}

func TestStandardizeAsset(t *testing.T) {
	assert.Equal(t, "BTC", standardizeAsset("XXBT"))
	assert.Equal(t, "BTC", standardizeAsset("XBT"), "trading alias normalizes")
	assert.Equal(t, "BTC", standardizeAsset("XBT.F"), "asset-class suffix stripped")
	assert.Equal(t, "USD", standardizeAsset("usd"), "case-insensitive")
	assert.Equal(t, "DOGE", standardizeAsset("XXDG"))
	assert.Equal(t, "SOL", standardizeAsset("SOL"), "identity fallback")
	assert.Equal(t, "SOL", nativizeAsset("SOL"))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(newFakeExchange(), "USD")
	require.NoError(t, reg.Load(context.Background()))
	return reg
}

func TestPairForResolvesNativeKey(t *testing.T) {
	reg := newTestRegistry(t)

	p, ok := reg.PairFor("ETH")
	require.True(t, ok)
	assert.Equal(t, "XETHZUSD", p.Key)
	assert.True(t, p.OrderMin.Equal(d("0.01")))
}

func TestPairForResolvesAliasSymbol(t *testing.T) {
	reg := newTestRegistry(t)

	// BTC resolves even though the catalog only knows XBT spellings.
	p, ok := reg.PairFor("BTC")
	require.True(t, ok)
	assert.Equal(t, "XXBTZUSD", p.Key)
}

func TestPairForStandardSymbol(t *testing.T) {
	reg := newTestRegistry(t)

	p, ok := reg.PairFor("SOL")
	require.True(t, ok)
	assert.Equal(t, "SOLUSD", p.Key)
}

func TestPairForMisses(t *testing.T) {
	reg := newTestRegistry(t)

	_, ok := reg.PairFor("USD")
	assert.False(t, ok, "target fiat never resolves")

	_, ok = reg.PairFor("ZZZ")
	assert.False(t, ok, "unlisted asset")

	// DOGE only trades into EUR in the test catalog; no market to USD.
	_, ok = reg.PairFor("DOGE")
	assert.False(t, ok)

	// LUNA is listed but not accepting orders.
	_, ok = reg.PairFor("LUNA")
	assert.False(t, ok, "non-online pair is not a market")
}

func TestIsTargetFiat(t *testing.T) {
	reg := newTestRegistry(t)
	assert.True(t, reg.IsTargetFiat("USD"))
	assert.True(t, reg.IsTargetFiat("ZUSD"), "native form")
	assert.True(t, reg.IsTargetFiat("usd"))
	assert.False(t, reg.IsTargetFiat("ETH"))
}

func TestMinimumOrderSizeCascade(t *testing.T) {
	reg := newTestRegistry(t)

	// Catalog hit wins.
	assert.True(t, reg.MinimumOrderSize("ETH").Equal(d("0.01")))

	// No market in the catalog: hard-coded per-ticker table.
	assert.True(t, reg.MinimumOrderSize("XRP").Equal(d("10")))
	assert.True(t, reg.MinimumOrderSize("DOGE").Equal(d("20")))

	// Neither: generic floor.
	assert.True(t, reg.MinimumOrderSize("ZZZ").Equal(d("0.0001")))
}
