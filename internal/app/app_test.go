package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/config"
	"github.com/alanyoungcy/xarb/internal/crypto"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/marketdata"
	"github.com/alanyoungcy/xarb/internal/service"
	"github.com/alanyoungcy/xarb/internal/store/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func seedConfig() []config.PairConfig {
	return []config.PairConfig{{
		Leg1:          config.PairLegConfig{Exchange: "Bybit", Symbol: "btcusdt", Side: "BUY"},
		Leg2:          config.PairLegConfig{Exchange: "binance", Symbol: "BTCUSDT", InstrumentType: "linear", Side: "sell"},
		ThresholdPct:  "0.05",
		Amount:        "100",
		Qty:           "0.001",
		Enabled:       true,
		ExecutionMode: "threshold",
	}}
}

func TestSeedPairsCreatesOnce(t *testing.T) {
	ctx := context.Background()
	svc := service.NewPairService(memory.NewPairStore(), nil, []string{"bybit", "binance"}, discard)

	require.NoError(t, seedPairs(ctx, svc, seedConfig(), discard))
	p, err := svc.Get(ctx, "bybit_binance_btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", p.Leg1.Symbol)
	assert.Equal(t, domain.InstrumentSpot, p.Leg1.InstrumentType)
	assert.Equal(t, domain.InstrumentLinear, p.Leg2.InstrumentType)
	assert.Equal(t, domain.SideBuy, p.Leg1.Side)
	assert.Equal(t, "0.05", p.ThresholdPct.String())

	// An operator change survives a restart with the same seed.
	_, err = svc.Disable(ctx, p.ID, "manual")
	require.NoError(t, err)
	require.NoError(t, seedPairs(ctx, svc, seedConfig(), discard))
	p, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, p.Enabled)
}

func TestSeedPairsRejectsBadDecimal(t *testing.T) {
	svc := service.NewPairService(memory.NewPairStore(), nil, nil, discard)
	pairs := seedConfig()
	pairs[0].Amount = "lots"

	err := seedPairs(context.Background(), svc, pairs, discard)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)
}

func TestVenueSettingsCredentials(t *testing.T) {
	ex := config.Defaults().Bybit
	ex.APIKey, ex.APISecret = "key", "secret"
	ex.MaxReconnects = 3

	s, err := venueSettings("bybit", ex, false, nil, discard)
	require.NoError(t, err)
	assert.True(t, s.Credentials.Public(), "monitor mode never trades")
	assert.Equal(t, 3, s.Backoff.MaxAttempts)

	s, err = venueSettings("bybit", ex, true, nil, discard)
	require.NoError(t, err)
	assert.Equal(t, "key", s.Credentials.APIKey)
	assert.Equal(t, "secret", s.Credentials.APISecret)

	ex.APIKey, ex.APISecret = "", ""
	s, err = venueSettings("bybit", ex, true, nil, discard)
	require.NoError(t, err)
	assert.True(t, s.Credentials.Public())
}

func TestVenueSettingsEncryptedSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bybit.secret")
	sealed, err := crypto.EncryptSecret("sealed", "pw")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	ex := config.Defaults().Bybit
	ex.APIKey, ex.SecretFile, ex.SecretPassword = "key", path, "pw"
	s, err := venueSettings("bybit", ex, true, nil, discard)
	require.NoError(t, err)
	assert.Equal(t, "sealed", s.Credentials.APISecret)

	ex.SecretPassword = "wrong"
	_, err = venueSettings("bybit", ex, true, nil, discard)
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bybit", ce.Venue)
}

func TestBuildVenuesSkipsDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Binance.Enabled = false
	cache := marketdata.New(marketdata.Config{}, discard)

	reg, err := buildVenues(&cfg, cache, nil, discard)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Get("bybit")
	require.NoError(t, err)
	_, err = reg.Get("binance")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
