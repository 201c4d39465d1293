package redis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
)

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "lock:pair:a", (&Client{}).key("lock", "pair:a"))
	assert.Equal(t, "xarb:ratelimit:api:1.2.3.4", (&Client{prefix: "xarb"}).key("ratelimit", "api:1.2.3.4"))

	m := NewBookMirror(&Client{prefix: "xarb"})
	assert.Equal(t, "xarb:book:bybit:BTCUSDT", m.bookKey("Bybit", "btcusdt"))
}

func TestBookEncodingRoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000123).UTC()
	snap := domain.TopOfBook{
		Exchange:   "binance",
		Symbol:     "ETHUSDT",
		BidPrice:   decimal.RequireFromString("3000.12"),
		BidQty:     decimal.RequireFromString("1.5"),
		AskPrice:   decimal.RequireFromString("3000.13"),
		AskQty:     decimal.RequireFromString("0.25"),
		ObservedAt: at,
		Source:     domain.SourceWS,
	}
	got, err := decodeBook("binance", "ETHUSDT", encodeBook(snap))
	require.NoError(t, err)
	assert.True(t, got.BidPrice.Equal(snap.BidPrice))
	assert.True(t, got.AskQty.Equal(snap.AskQty))
	assert.Equal(t, at, got.ObservedAt)
	assert.Equal(t, domain.SourceWS, got.Source)
}

func TestDecodeBookRejectsGarbage(t *testing.T) {
	fields := encodeBook(domain.TopOfBook{ObservedAt: time.Now()})
	fields["ask"] = "not-a-number"
	_, err := decodeBook("bybit", "BTCUSDT", fields)
	assert.ErrorContains(t, err, "ask")
}
