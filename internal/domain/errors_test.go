package domain

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("qty", "must be positive"), CodeValidation},
		{"wrapped validation", fmt.Errorf("executor: %w", NewValidationError("qty", "x")), CodeValidation},
		{"risk", &RiskRejection{Check: "daily_loss", Message: "limit"}, CodeRiskRejected},
		{"config", &ConfigError{Venue: "bybit", Field: "api_key", Message: "missing"}, CodeConfig},
		{"rate limited", NewVenueError("bybit", "depth", VenueRateLimited, nil), CodeRateLimited},
		{"rejected", NewVenueError("bybit", "order", VenueRejected, nil), CodeUpstream},
		{"timeout", NewVenueError("bybit", "order", VenueTimeout, context.DeadlineExceeded), CodeUpstream},
		{"disconnected", NewVenueError("binance", "ws", VenueDisconnected, nil), CodeExchangeUnavailable},
		{"funds", NewVenueError("binance", "order", VenueRejected, ErrInsufficientFunds), CodeInsufficientFunds},
		{"not found", fmt.Errorf("store: %w", ErrNotFound), CodeNotFound},
		{"conflict", ErrConflict, CodeConflict},
		{"other", fmt.Errorf("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(CodeRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(CodeExchangeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus("whatever"))
}

func TestOrderLegValidate(t *testing.T) {
	base := OrderLeg{
		Exchange:  VenueBybit,
		Symbol:    "BTCUSDT",
		Side:      SideBuy,
		OrderType: OrderMarket,
		Qty:       decimal.RequireFromString("0.001"),
	}
	assert.NoError(t, base.Validate())

	noQty := base
	noQty.Qty = decimal.Zero
	assert.ErrorAs(t, noQty.Validate(), new(*ValidationError))

	limit := base
	limit.OrderType = OrderLimit
	assert.ErrorAs(t, limit.Validate(), new(*ValidationError))
	limit.Price = decimal.NewFromInt(50000)
	assert.NoError(t, limit.Validate())

	noType := base
	noType.OrderType = ""
	assert.Error(t, noType.Validate())
}

func TestClassifyLegs(t *testing.T) {
	filled := OrderLeg{Status: LegFilled}
	failed := OrderLeg{Status: LegFailed}
	assert.Equal(t, TradeCompleted, ClassifyLegs(filled, filled))
	assert.Equal(t, TradePartial, ClassifyLegs(filled, failed))
	assert.Equal(t, TradePartial, ClassifyLegs(failed, filled))
	assert.Equal(t, TradeFailed, ClassifyLegs(failed, OrderLeg{Status: LegRejected}))
}

func TestPairValidate(t *testing.T) {
	p := MonitoringPair{
		Leg1:          PairLeg{Exchange: VenueBybit, Symbol: "BTCUSDT", InstrumentType: InstrumentSpot, Side: SideSell},
		Leg2:          PairLeg{Exchange: VenueBinance, Symbol: "BTCUSDT", InstrumentType: InstrumentSpot, Side: SideBuy},
		ThresholdPct:  decimal.RequireFromString("0.05"),
		Qty:           decimal.RequireFromString("0.001"),
		ExecutionMode: ModeThreshold,
	}
	assert.NoError(t, p.Validate())
	assert.Equal(t, "bybit_binance_btcusdt", DefaultPairID(p.Leg1, p.Leg2))

	same := p
	same.Leg2.Side = SideSell
	assert.ErrorAs(t, same.Validate(), new(*ValidationError))

	p.MaxExecs = 2
	p.ExecutionCount = 2
	assert.True(t, p.Exhausted())
}

func TestTWAPPlanMath(t *testing.T) {
	p := TWAPPlan{
		TotalQty:    decimal.RequireFromString("0.01"),
		SliceQty:    decimal.RequireFromString("0.003"),
		ExecutedQty: decimal.RequireFromString("0.009"),
	}
	assert.Equal(t, 4, p.SlicesTotal())
	assert.True(t, p.NextSliceQty().Equal(decimal.RequireFromString("0.001")))

	p.ExecutedQty = decimal.RequireFromString("0.02")
	assert.True(t, p.Remaining().IsZero())
}
