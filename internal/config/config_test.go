package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Exchange)
	assert.Equal(t, "USDT", cfg.Quote)
	assert.Equal(t, 1.1, cfg.Thresholds.VolumeThreshold)
	assert.Equal(t, 0.02, cfg.Thresholds.PriceThreshold)
	assert.Equal(t, 0.04, cfg.Thresholds.SpreadThreshold)
	assert.Equal(t, 10*time.Second, cfg.Thresholds.TimeLimit)
	assert.Equal(t, 5, cfg.Thresholds.RepriceBudget)
	assert.Equal(t, OverflowDropOldest, cfg.Alerts.Overflow)
	assert.Equal(t, 20*time.Second, cfg.Trade.StallWindow)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
exchange: Binance
quote: usdt
thresholds:
  volume_threshold: 1.5
  time_limit: 45s
  reprice_budget: 3
detector:
  symbols: [DOGEUSDT, PEPEUSDT]
exchanges:
  binance:
    taker_fee_percent: 0.1
    paper_balance: 100
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("THRESHOLDS_PRICE_THRESHOLD", "0.05")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Exchange)
	assert.Equal(t, "USDT", cfg.Quote)
	assert.Equal(t, 1.5, cfg.Thresholds.VolumeThreshold)
	assert.Equal(t, 0.05, cfg.Thresholds.PriceThreshold)
	assert.Equal(t, 45*time.Second, cfg.Thresholds.TimeLimit)
	assert.Equal(t, 3, cfg.Thresholds.RepriceBudget)
	assert.Equal(t, []string{"DOGEUSDT", "PEPEUSDT"}, cfg.Detector.Symbols)
	assert.Equal(t, 0.1, cfg.ExchangeSettings().TakerFeePercent)
	assert.Equal(t, 100.0, cfg.ExchangeSettings().PaperBalance)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ENGINE_MAX_ACTIVE_TRADES=3\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ENGINE_MAX_ACTIVE_TRADES") })

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxActiveTrades)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("bad overflow policy", func(t *testing.T) {
		t.Setenv("ALERTS_OVERFLOW", "grow")
		_, err := LoadConfig(t.TempDir())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("loss floor out of range", func(t *testing.T) {
		t.Setenv("THRESHOLDS_MAX_LOSS_FLOOR", "1.5")
		_, err := LoadConfig(t.TempDir())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("thresholds: ["), 0o600))
		_, err := LoadConfig(dir)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}
