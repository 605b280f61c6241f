package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeSpread(t *testing.T) {
	tests := []struct {
		name     string
		bid      string
		ask      string
		digits   int32
		expected string
	}{
		{"five digit major", "1.1000", "1.1002", 5, "2"},
		{"five digit fractional", "1.10005", "1.10023", 5, "1.8"},
		{"four digit major", "1.1000", "1.1003", 4, "3"},
		{"three digit yen pair", "155.010", "155.028", 3, "1.8"},
		{"zero spread", "1.2345", "1.2345", 5, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bid := decimal.RequireFromString(tt.bid)
			ask := decimal.RequireFromString(tt.ask)
			spread := ComputeSpread(bid, ask, tt.digits)
			assert.True(t, decimal.RequireFromString(tt.expected).Equal(spread),
				"ComputeSpread(%s, %s, %d) = %s", tt.bid, tt.ask, tt.digits, spread)
		})
	}
}

func TestVolumeConversion(t *testing.T) {
	tests := []struct {
		name       string
		hundredths int32
		lots       string
	}{
		{"tenth of a lot", 10, "0.1"},
		{"full lot", 100, "1"},
		{"odd volume", 237, "2.37"},
		{"smallest volume", 1, "0.01"},
		{"zero", 0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lots := LotsFromHundredths(tt.hundredths)
			assert.True(t, decimal.RequireFromString(tt.lots).Equal(lots))
			assert.Equal(t, tt.hundredths, HundredthsFromLots(lots))
		})
	}
}

func TestSignalKindValid(t *testing.T) {
	for _, k := range []SignalKind{
		KindBuy, KindSell, KindBuyLimit, KindSellLimit,
		KindBuyStop, KindSellStop, KindClose, KindModify,
	} {
		assert.True(t, k.Valid(), "kind %q", k)
	}
	assert.False(t, SignalKind("hold").Valid())
	assert.False(t, SignalKind("").Valid())
}

func TestSignalKindSide(t *testing.T) {
	assert.Equal(t, SideBuy, KindBuy.Side())
	assert.Equal(t, SideSell, KindSell.Side())
	assert.Equal(t, SideBuyLimit, KindBuyLimit.Side())
	assert.Equal(t, SideSellStop, KindSellStop.Side())

	assert.False(t, KindBuy.IsPendingOrder())
	assert.False(t, KindClose.IsPendingOrder())
	assert.True(t, KindBuyLimit.IsPendingOrder())
	assert.True(t, KindSellStop.IsPendingOrder())
}

func TestTradeStateString(t *testing.T) {
	assert.Equal(t, "open", TradeOpen.String())
	assert.Equal(t, "partially_closed", TradePartiallyClosed.String())
	assert.Equal(t, "unknown", TradeState(99).String())
}

func TestSignalStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusApproved.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusExecuted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
