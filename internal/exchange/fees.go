package exchange

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Fees accumulates the commissions of one order. Fees in the quote asset
// count as they are, fees in the base asset are converted at the fill
// price, and fees in any other asset (a BNB discount, for example) are kept
// aside unconverted so they never reach profit.
type Fees struct {
	symbol     string
	Quote      decimal.Decimal
	Other      decimal.Decimal
	OtherAsset string
}

// NewFees starts an accumulator for symbol, e.g. BTCUSDT.
func NewFees(symbol string) *Fees {
	return &Fees{symbol: strings.ToUpper(symbol)}
}

// Add records amount charged in asset for a fill at price.
func (f *Fees) Add(asset string, amount, price decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	asset = strings.ToUpper(asset)
	quote := QuoteAsset(f.symbol)
	base := strings.TrimSuffix(f.symbol, quote)
	switch {
	case asset == "" || quote == "":
		f.addOther(asset, amount)
	case asset == quote:
		f.Quote = f.Quote.Add(amount)
	case asset == base && price.IsPositive():
		f.Quote = f.Quote.Add(amount.Mul(price))
	default:
		f.addOther(asset, amount)
	}
}

func (f *Fees) addOther(asset string, amount decimal.Decimal) {
	f.Other = f.Other.Add(amount)
	switch {
	case f.OtherAsset == "":
		f.OtherAsset = asset
	case asset != "" && !slices.Contains(strings.Split(f.OtherAsset, ","), asset):
		f.OtherAsset += "," + asset
	}
}

// Apply writes the totals onto leg.
func (f *Fees) Apply(leg *domain.OrderLeg) {
	leg.Fee = f.Quote
	leg.OtherFee = f.Other
	leg.OtherFeeAsset = f.OtherAsset
}

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "DAI", "EUR", "TRY", "BTC", "ETH", "BNB"}

// QuoteAsset returns the quote coin of symbol, or "" when it is not a known
// quote.
func QuoteAsset(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return ""
}
