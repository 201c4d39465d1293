package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/xarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestQuoteAsset(t *testing.T) {
	assert.Equal(t, "USDT", QuoteAsset("btcusdt"))
	assert.Equal(t, "BTC", QuoteAsset("ETHBTC"))
	assert.Equal(t, "FDUSD", QuoteAsset("BTCFDUSD"))
	assert.Equal(t, "", QuoteAsset("USDT"))
	assert.Equal(t, "", QuoteAsset("FOOBAR"))
}

func TestFeesConvertBaseAndKeepOthersAside(t *testing.T) {
	fees := NewFees("BTCUSDT")
	fees.Add("USDT", d("0.5"), d("64000"))
	fees.Add("btc", d("0.00001"), d("64000"))
	fees.Add("BNB", d("0.001"), d("64000"))
	fees.Add("BNB", d("0.002"), d("64000"))
	fees.Add("USDT", decimal.Zero, d("64000"))

	var leg domain.OrderLeg
	fees.Apply(&leg)
	assert.True(t, leg.Fee.Equal(d("1.14")), leg.Fee.String())
	assert.True(t, leg.OtherFee.Equal(d("0.003")), leg.OtherFee.String())
	assert.Equal(t, "BNB", leg.OtherFeeAsset)
}

func TestFeesWithoutAssetOrPriceStayUnconverted(t *testing.T) {
	fees := NewFees("BTCUSDT")
	fees.Add("", d("0.1"), d("64000"))
	fees.Add("BTC", d("0.00001"), decimal.Zero)

	var leg domain.OrderLeg
	fees.Apply(&leg)
	assert.True(t, leg.Fee.IsZero())
	assert.True(t, leg.OtherFee.Equal(d("0.10001")))
	assert.Equal(t, "BTC", leg.OtherFeeAsset)
}
