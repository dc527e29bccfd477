package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dipcatcher/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	Symbols            []string // Pairs to monitor, e.g. BTCUSDT,ETHUSDT
	BaseCurrency       string   // Quote asset all amounts are denominated in
	OrderAmount        float64  // Fixed quote amount per order
	OrderAmountPercent float64  // Percent of free balance per order; 0 uses OrderAmount
	UseLimitOrders     bool     // Limit orders at current price vs market orders
	CancelAfterHours   float64  // Pending limit orders older than this are swept
	ReserveBalance     float64  // Quote floor that must never be spent; 0 disables the guard
	CooldownHours      float64  // Entry lockout after a reserve denial
	OnlyLowerEntries   bool     // Reject buys that would raise the average entry

	// Per-timeframe drop thresholds, percent, ascending.
	Thresholds map[domain.Timeframe][]float64

	// Exit management
	TPSLEnabled       bool
	TakeProfitPercent float64 // Offset above average entry
	StopLossPercent   float64 // Offset below average entry
	PartialTPLevels   []domain.PartialTPLevel
	Trailing          domain.TrailingParams

	// Futures
	FuturesEnabled bool
	Leverage       int
	MarginType     domain.MarginType

	// Scheduling
	CheckInterval          time.Duration // Price evaluation cadence
	SweepInterval          time.Duration // Stale-order sweep cadence
	BalanceRefreshInterval time.Duration

	// Database
	DBPath string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	cfg.Symbols = splitList(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one pair")
	}

	cfg.BaseCurrency = getEnv("BASE_CURRENCY", "USDT")
	if cfg.BaseCurrency == "" {
		errs = append(errs, "BASE_CURRENCY must be set")
	}

	cfg.OrderAmount, err = getEnvAsFloatRequired("ORDER_AMOUNT", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ORDER_AMOUNT: %v", err))
	}
	cfg.OrderAmountPercent, err = getEnvAsFloatRequired("ORDER_AMOUNT_PERCENT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ORDER_AMOUNT_PERCENT: %v", err))
	} else if cfg.OrderAmountPercent < 0 || cfg.OrderAmountPercent > 100 {
		errs = append(errs, "ORDER_AMOUNT_PERCENT must be between 0 and 100")
	}
	if cfg.OrderAmountPercent == 0 && cfg.OrderAmount <= 0 {
		errs = append(errs, "ORDER_AMOUNT must be positive when ORDER_AMOUNT_PERCENT is unset")
	}

	cfg.UseLimitOrders = getEnvAsBool("USE_LIMIT_ORDERS", true)

	cfg.CancelAfterHours, err = getEnvAsFloatRequired("CANCEL_AFTER_HOURS", 8.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CANCEL_AFTER_HOURS: %v", err))
	} else if cfg.CancelAfterHours <= 0 {
		errs = append(errs, "CANCEL_AFTER_HOURS must be positive")
	}

	cfg.ReserveBalance, err = getEnvAsFloatRequired("RESERVE_BALANCE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RESERVE_BALANCE: %v", err))
	} else if cfg.ReserveBalance < 0 {
		errs = append(errs, "RESERVE_BALANCE cannot be negative")
	}

	cfg.CooldownHours, err = getEnvAsFloatRequired("COOLDOWN_HOURS", 24.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid COOLDOWN_HOURS: %v", err))
	} else if cfg.CooldownHours <= 0 {
		errs = append(errs, "COOLDOWN_HOURS must be positive")
	}

	cfg.OnlyLowerEntries = getEnvAsBool("ONLY_LOWER_ENTRIES", false)

	// Thresholds per timeframe
	cfg.Thresholds = make(map[domain.Timeframe][]float64, 3)
	for tf, key := range map[domain.Timeframe]string{
		domain.Daily:   "DAILY_THRESHOLDS",
		domain.Weekly:  "WEEKLY_THRESHOLDS",
		domain.Monthly: "MONTHLY_THRESHOLDS",
	} {
		levels, perr := parseFloatList(getEnv(key, defaultThresholds[tf]))
		if perr != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, perr))
			continue
		}
		if !isAscendingPositive(levels) {
			errs = append(errs, fmt.Sprintf("%s must be a positive ascending list", key))
			continue
		}
		cfg.Thresholds[tf] = levels
	}

	// Exit management
	cfg.TPSLEnabled = getEnvAsBool("TPSL_ENABLED", false)
	cfg.TakeProfitPercent = getEnvAsFloat("TAKE_PROFIT_PERCENT", 5.0)
	cfg.StopLossPercent = getEnvAsFloat("STOP_LOSS_PERCENT", 10.0)
	if cfg.TPSLEnabled {
		if cfg.TakeProfitPercent <= 0 {
			errs = append(errs, "TAKE_PROFIT_PERCENT must be positive")
		}
		if cfg.StopLossPercent <= 0 || cfg.StopLossPercent >= 100 {
			errs = append(errs, "STOP_LOSS_PERCENT must be between 0 and 100")
		}
	}

	cfg.PartialTPLevels, err = ParsePartialTPLevels(getEnv("PARTIAL_TP_LEVELS", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PARTIAL_TP_LEVELS: %v", err))
	}

	cfg.Trailing = domain.TrailingParams{
		Enabled:           getEnvAsBool("TRAILING_SL_ENABLED", false),
		ActivationPercent: getEnvAsFloat("TRAILING_SL_ACTIVATION_PERCENT", 3.0),
		CallbackRate:      getEnvAsFloat("TRAILING_SL_CALLBACK_RATE", 1.0),
	}
	if cfg.Trailing.Enabled {
		if cfg.Trailing.ActivationPercent <= 0 {
			errs = append(errs, "TRAILING_SL_ACTIVATION_PERCENT must be positive")
		}
		if cfg.Trailing.CallbackRate <= 0 || cfg.Trailing.CallbackRate >= 100 {
			errs = append(errs, "TRAILING_SL_CALLBACK_RATE must be between 0 and 100")
		}
	}

	// Futures
	cfg.FuturesEnabled = getEnvAsBool("FUTURES_ENABLED", false)
	cfg.Leverage = getEnvAsInt("LEVERAGE", 1)
	if cfg.FuturesEnabled && cfg.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}
	marginStr := strings.ToLower(getEnv("MARGIN_TYPE", "isolated"))
	switch domain.MarginType(marginStr) {
	case domain.MarginCross, domain.MarginIsolated:
		cfg.MarginType = domain.MarginType(marginStr)
	default:
		errs = append(errs, "MARGIN_TYPE must be 'cross' or 'isolated'")
	}

	// Scheduling
	cfg.CheckInterval = time.Duration(getEnvAsInt("CHECK_INTERVAL_SECONDS", 15)) * time.Second
	cfg.SweepInterval = time.Duration(getEnvAsInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second
	cfg.BalanceRefreshInterval = time.Duration(getEnvAsInt("BALANCE_REFRESH_SECONDS", 60)) * time.Second
	if cfg.CheckInterval <= 0 || cfg.SweepInterval <= 0 || cfg.BalanceRefreshInterval <= 0 {
		errs = append(errs, "interval settings must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/dipcatcher.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Telegram (optional: bot runs headless without it)
	cfg.TelegramToken = getEnv("TELEGRAM_TOKEN", "")
	chatIDStr := getEnv("TELEGRAM_CHAT_ID", "")
	if chatIDStr != "" {
		cfg.TelegramChatID, err = strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid TELEGRAM_CHAT_ID: %v", err))
		}
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_TOKEN is set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "INFO")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

var defaultThresholds = map[domain.Timeframe]string{
	domain.Daily:   "1,2,5",
	domain.Weekly:  "5,10",
	domain.Monthly: "10,20",
}

// ParsePartialTPLevels parses a ladder spec of the form "2:30,5:30,10:40"
// (gain percent : position percent to close). The close percentages must not
// sum above 100.
func ParsePartialTPLevels(s string) ([]domain.PartialTPLevel, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var levels []domain.PartialTPLevel
	total := 0.0
	prevGain := 0.0
	for _, part := range strings.Split(s, ",") {
		gainStr, closeStr, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			return nil, fmt.Errorf("level %q must be gain:close", part)
		}
		gain, err := strconv.ParseFloat(strings.TrimSpace(gainStr), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid gain in %q: %w", part, err)
		}
		closePct, err := strconv.ParseFloat(strings.TrimSpace(closeStr), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid close percent in %q: %w", part, err)
		}
		if gain <= prevGain {
			return nil, fmt.Errorf("gain levels must be ascending, got %v after %v", gain, prevGain)
		}
		if closePct <= 0 || closePct > 100 {
			return nil, fmt.Errorf("close percent must be in (0,100], got %v", closePct)
		}
		total += closePct
		prevGain = gain
		levels = append(levels, domain.PartialTPLevel{GainPercent: gain, ClosePercent: closePct})
	}
	if total > 100 {
		return nil, fmt.Errorf("close percentages sum to %v, must not exceed 100", total)
	}
	return levels, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseFloatList(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func isAscendingPositive(levels []float64) bool {
	prev := 0.0
	for _, l := range levels {
		if l <= prev {
			return false
		}
		prev = l
	}
	return len(levels) > 0
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
