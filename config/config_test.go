package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipcatcher/internal/domain"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "test-key")
	t.Setenv("BINANCE_API_SECRET", "test-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet, "testnet by default")
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, "USDT", cfg.BaseCurrency)
	assert.Equal(t, 100.0, cfg.OrderAmount)
	assert.True(t, cfg.UseLimitOrders)
	assert.Equal(t, 8.0, cfg.CancelAfterHours)
	assert.Equal(t, 24.0, cfg.CooldownHours)
	assert.Zero(t, cfg.ReserveBalance)
	assert.False(t, cfg.OnlyLowerEntries)

	assert.Equal(t, []float64{1, 2, 5}, cfg.Thresholds[domain.Daily])
	assert.Equal(t, []float64{5, 10}, cfg.Thresholds[domain.Weekly])
	assert.Equal(t, []float64{10, 20}, cfg.Thresholds[domain.Monthly])

	assert.False(t, cfg.TPSLEnabled)
	assert.False(t, cfg.Trailing.Enabled)
	assert.False(t, cfg.FuturesEnabled)
	assert.Equal(t, domain.MarginIsolated, cfg.MarginType)
	assert.Equal(t, 15*time.Second, cfg.CheckInterval)
}

func TestLoadConfigMissingCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINANCE_API_KEY")
	assert.Contains(t, err.Error(), "BINANCE_API_SECRET")
}

func TestLoadConfigSymbolsNormalized(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYMBOLS", " btcusdt, SOLUSDT ,,ethusdt ")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT", "ETHUSDT"}, cfg.Symbols)
}

func TestLoadConfigThresholdValidation(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DAILY_THRESHOLDS", "5,2,1")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DAILY_THRESHOLDS")
}

func TestLoadConfigTelegramRequiresChatID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_TOKEN", "12345:abc")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_CHAT_ID")
}

func TestLoadConfigMarginType(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MARGIN_TYPE", "CROSS")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.MarginCross, cfg.MarginType)

	t.Setenv("MARGIN_TYPE", "portfolio")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestParsePartialTPLevels(t *testing.T) {
	levels, err := ParsePartialTPLevels("2:30, 5:30, 10:40")
	require.NoError(t, err)
	assert.Equal(t, []domain.PartialTPLevel{
		{GainPercent: 2, ClosePercent: 30},
		{GainPercent: 5, ClosePercent: 30},
		{GainPercent: 10, ClosePercent: 40},
	}, levels)

	levels, err = ParsePartialTPLevels("")
	require.NoError(t, err)
	assert.Nil(t, levels)

	_, err = ParsePartialTPLevels("5:30,2:30")
	assert.Error(t, err, "gains must ascend")

	_, err = ParsePartialTPLevels("2:60,5:60")
	assert.Error(t, err, "close percentages must not exceed 100 in total")

	_, err = ParsePartialTPLevels("2:0")
	assert.Error(t, err)

	_, err = ParsePartialTPLevels("2-30")
	assert.Error(t, err)
}
