package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: nopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestOrderRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC)

	order := &domain.Order{
		Symbol:            "BTCUSDT",
		Status:            domain.StatusFilled,
		Kind:              domain.KindSpot,
		Side:              domain.Buy,
		Price:             49000,
		Quantity:          0.002,
		Threshold:         2.5,
		Timeframe:         domain.Daily,
		ExchangeID:        "123456",
		ClientOrderID:     "client-abc",
		IsLimit:           true,
		Fees:              0.098,
		FeeAsset:          "USDT",
		TakeProfitOrderID: "123457",
		StopLossOrderID:   "123458",
		TakeProfitPrice:   51450,
		StopLossPrice:     44100,
		RealizedPnL:       0,
		CreatedAt:         now,
		UpdatedAt:         now,
		FilledAt:          now.Add(time.Minute),
	}

	id, err := repo.CreateOrder(ctx, order)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, id, order.ID)

	got, err := repo.FindRecentBySymbol(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	o := got[0]
	assert.Equal(t, order.Symbol, o.Symbol)
	assert.Equal(t, domain.StatusFilled, o.Status)
	assert.Equal(t, domain.Daily, o.Timeframe)
	assert.Equal(t, 2.5, o.Threshold)
	assert.Equal(t, "123456", o.ExchangeID)
	assert.Equal(t, "client-abc", o.ClientOrderID)
	assert.True(t, o.IsLimit)
	assert.False(t, o.IsManual)
	assert.Equal(t, "123457", o.TakeProfitOrderID)
	assert.Equal(t, "123458", o.StopLossOrderID)
	assert.InDelta(t, 51450, o.TakeProfitPrice, 1e-9)
	assert.WithinDuration(t, now.Add(time.Minute), o.FilledAt, time.Second)
	assert.True(t, o.CancelledAt.IsZero(), "never cancelled")
	assert.Empty(t, o.CancelReason)
}

func TestOrderCancellationLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	order := &domain.Order{
		Symbol:    "ETHUSDT",
		Status:    domain.StatusPending,
		Kind:      domain.KindSpot,
		Side:      domain.Buy,
		Price:     2000,
		Quantity:  0.05,
		IsLimit:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := repo.CreateOrder(ctx, order)
	require.NoError(t, err)

	pending, err := repo.FindPendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	order.Cancel(domain.CancelReasonTimeout, now.Add(9*time.Hour))
	require.NoError(t, repo.UpdateOrder(ctx, order))

	pending, err = repo.FindPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := repo.FindRecentBySymbol(ctx, "ETHUSDT", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusCancelled, got[0].Status)
	assert.Equal(t, domain.CancelReasonTimeout, got[0].CancelReason)
	assert.WithinDuration(t, now.Add(9*time.Hour), got[0].CancelledAt, time.Second)
	assert.True(t, got[0].FilledAt.IsZero())
}

func TestUpdateMissingOrder(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.UpdateOrder(context.Background(), &domain.Order{ID: 9999, Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestFindFilledBySymbolOrdersByFillTime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	// Inserted out of fill order on purpose.
	for _, o := range []*domain.Order{
		{Symbol: "BTCUSDT", Status: domain.StatusFilled, Kind: domain.KindSpot, Side: domain.Buy, Price: 48000, Quantity: 0.1, CreatedAt: base, UpdatedAt: base, FilledAt: base.Add(2 * time.Hour)},
		{Symbol: "BTCUSDT", Status: domain.StatusFilled, Kind: domain.KindSpot, Side: domain.Buy, Price: 50000, Quantity: 0.1, CreatedAt: base, UpdatedAt: base, FilledAt: base.Add(time.Hour)},
		{Symbol: "BTCUSDT", Status: domain.StatusCancelled, Kind: domain.KindSpot, Side: domain.Buy, Price: 47000, Quantity: 0.1, CreatedAt: base, UpdatedAt: base},
		{Symbol: "ETHUSDT", Status: domain.StatusFilled, Kind: domain.KindSpot, Side: domain.Buy, Price: 2000, Quantity: 1, CreatedAt: base, UpdatedAt: base, FilledAt: base},
	} {
		_, err := repo.CreateOrder(ctx, o)
		require.NoError(t, err)
	}

	got, err := repo.FindFilledBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, got, 2, "only fills for the requested symbol")
	assert.Equal(t, 50000.0, got[0].Price, "earliest fill first")
	assert.Equal(t, 48000.0, got[1].Price)
}

func TestDeletePendingBySymbolKeepsHistory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	for _, o := range []*domain.Order{
		{Symbol: "BTCUSDT", Status: domain.StatusPending, Kind: domain.KindSpot, Side: domain.Buy, Price: 47000, Quantity: 0.1, CreatedAt: now, UpdatedAt: now},
		{Symbol: "BTCUSDT", Status: domain.StatusFilled, Kind: domain.KindSpot, Side: domain.Buy, Price: 48000, Quantity: 0.1, CreatedAt: now, UpdatedAt: now, FilledAt: now},
	} {
		_, err := repo.CreateOrder(ctx, o)
		require.NoError(t, err)
	}

	require.NoError(t, repo.DeletePendingBySymbol(ctx, "BTCUSDT"))

	pending, err := repo.FindPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	filled, err := repo.FindFilledBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, filled, 1, "terminal orders are kept as history")
}

func TestThresholdStateUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	state := &domain.ThresholdState{
		Symbol:         "BTCUSDT",
		Timeframe:      domain.Daily,
		ReferencePrice: 50000,
		Levels:         []float64{1, 2, 5},
		Triggered:      []float64{},
		PeriodStart:    now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.SaveThresholdState(ctx, state))

	got, err := repo.LoadThresholdState(ctx, "BTCUSDT", domain.Daily)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 50000.0, got.ReferencePrice)
	assert.Equal(t, []float64{1, 2, 5}, got.Levels)
	assert.Empty(t, got.Triggered)

	// Upsert on the same (symbol, timeframe) key.
	state.Triggered = []float64{2}
	state.ReferencePrice = 49500
	require.NoError(t, repo.SaveThresholdState(ctx, state))

	got, err = repo.LoadThresholdState(ctx, "BTCUSDT", domain.Daily)
	require.NoError(t, err)
	assert.Equal(t, 49500.0, got.ReferencePrice)
	assert.Equal(t, []float64{2}, got.Triggered)

	all, err := repo.LoadAllThresholdStates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert must not duplicate rows")
}

func TestThresholdStateMissingIsNil(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.LoadThresholdState(context.Background(), "BTCUSDT", domain.Weekly)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestThresholdStatesPerTimeframe(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	for _, tf := range []domain.Timeframe{domain.Daily, domain.Weekly, domain.Monthly} {
		require.NoError(t, repo.SaveThresholdState(ctx, &domain.ThresholdState{
			Symbol:         "BTCUSDT",
			Timeframe:      tf,
			ReferencePrice: 50000,
			Levels:         []float64{1, 2},
			PeriodStart:    tf.PeriodStart(now),
			UpdatedAt:      now,
		}))
	}

	all, err := repo.LoadAllThresholdStates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, repo.DeleteThresholdStates(ctx, "BTCUSDT"))
	all, err = repo.LoadAllThresholdStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSymbolRegistry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	for _, name := range []string{"ETHUSDT", "BTCUSDT"} {
		require.NoError(t, repo.SaveSymbol(ctx, &domain.Symbol{
			Name:      name,
			Enabled:   true,
			Kind:      domain.KindSpot,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	symbols, err := repo.LoadSymbols(ctx)
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "BTCUSDT", symbols[0].Name, "sorted by name")

	// Flagging a symbol invalid is an upsert on the same row.
	require.NoError(t, repo.SaveSymbol(ctx, &domain.Symbol{
		Name:      "ETHUSDT",
		Enabled:   true,
		Invalid:   true,
		Reason:    "invalid symbol",
		Kind:      domain.KindSpot,
		CreatedAt: now,
		UpdatedAt: now.Add(time.Hour),
	}))

	symbols, err = repo.LoadSymbols(ctx)
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.True(t, symbols[1].Invalid)
	assert.Equal(t, "invalid symbol", symbols[1].Reason)

	require.NoError(t, repo.DeleteSymbol(ctx, "ETHUSDT"))
	symbols, err = repo.LoadSymbols(ctx)
	require.NoError(t, err)
	assert.Len(t, symbols, 1)
}

func TestSettings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.LoadSetting(ctx, "bot_paused")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveSetting(ctx, "bot_paused", "true"))
	value, ok, err := repo.LoadSetting(ctx, "bot_paused")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", value)

	require.NoError(t, repo.SaveSetting(ctx, "bot_paused", "false"))
	value, _, err = repo.LoadSetting(ctx, "bot_paused")
	require.NoError(t, err)
	assert.Equal(t, "false", value)
}
