package orders

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"
	"dipcatcher/internal/risk"
)

// Mock implementations

type mockLogger struct{}

func (mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockExchange struct {
	mu          sync.Mutex
	placed      []ports.OrderRequest
	placeErrs   []error // Consumed one per PlaceOrder call
	marketPrice float64 // Fill price reported for market orders
	statuses    map[string]*ports.OrderResponse
	statusErr   error
	cancelled   []string
	cancelErrs  map[string]error
	placeGates  map[string]*placeGate
	nextID      int64
}

// placeGate parks one PlaceOrder call for a symbol until released.
type placeGate struct {
	entered chan struct{}
	release chan struct{}
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		statuses:   make(map[string]*ports.OrderResponse),
		cancelErrs: make(map[string]error),
		placeGates: make(map[string]*placeGate),
	}
}

func (m *mockExchange) stallNextPlace(symbol string) *placeGate {
	g := &placeGate{entered: make(chan struct{}), release: make(chan struct{})}
	m.mu.Lock()
	m.placeGates[symbol] = g
	m.mu.Unlock()
	return g
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	m.mu.Lock()
	gate := m.placeGates[req.Symbol]
	delete(m.placeGates, req.Symbol)
	m.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		<-gate.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.placed = append(m.placed, req)
	m.nextID++
	resp := &ports.OrderResponse{
		ExchangeID: strconv.FormatInt(m.nextID, 10),
		Symbol:     req.Symbol,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Status:     domain.StatusPending,
	}
	if !req.IsLimit && req.StopPrice == 0 {
		// Market orders settle immediately in the mock.
		resp.Status = domain.StatusFilled
		resp.ExecutedQty = req.Quantity
		resp.AvgPrice = m.marketPrice
		if resp.AvgPrice == 0 {
			resp.AvgPrice = req.Price
		}
	}
	return resp, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.cancelErrs[exchangeID]; ok {
		return err
	}
	m.cancelled = append(m.cancelled, exchangeID)
	return nil
}

func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	if resp, ok := m.statuses[exchangeID]; ok {
		return resp, nil
	}
	return &ports.OrderResponse{ExchangeID: exchangeID, Symbol: symbol, Status: domain.StatusPending}, nil
}

func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return m.marketPrice, nil
}

func (m *mockExchange) GetPeriodOpenPrice(ctx context.Context, symbol string, tf domain.Timeframe) (float64, error) {
	return m.marketPrice, nil
}

func (m *mockExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *mockExchange) SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error {
	return nil
}
func (m *mockExchange) Ping(ctx context.Context) error { return nil }

func (m *mockExchange) placedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

type mockOrderRepo struct {
	mu        sync.Mutex
	orders    map[int64]*domain.Order
	nextID    int64
	createErr error
	updateErr error
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[int64]*domain.Order)}
}

func (m *mockOrderRepo) CreateOrder(ctx context.Context, order *domain.Order) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	order.ID = m.nextID
	cp := *order
	m.orders[order.ID] = &cp
	return order.ID, nil
}

func (m *mockOrderRepo) UpdateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.orders[order.ID]; !ok {
		return ports.ErrNotFound
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *mockOrderRepo) FindPendingOrders(ctx context.Context) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.Status == domain.StatusPending {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockOrderRepo) FindFilledBySymbol(ctx context.Context, symbol string) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Status == domain.StatusFilled {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockOrderRepo) FindRecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Order, error) {
	all, _ := m.FindFilledBySymbol(ctx, symbol)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *mockOrderRepo) DeletePendingBySymbol(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.orders {
		if o.Symbol == symbol && o.Status == domain.StatusPending {
			delete(m.orders, id)
		}
	}
	return nil
}

func (m *mockOrderRepo) get(id int64) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

type mockSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newMockSettings() *mockSettings {
	return &mockSettings{values: make(map[string]string)}
}

func (m *mockSettings) SaveSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *mockSettings) LoadSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockNotifier) Notify(ctx context.Context, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
}

// Test fixture

type managerFixture struct {
	manager  *Manager
	exchange *mockExchange
	repo     *mockOrderRepo
	settings *mockSettings
	notifier *mockNotifier
	guard    *risk.Guard
	now      *time.Time
}

func newManagerFixture(t *testing.T, mutate func(*ManagerConfig)) *managerFixture {
	t.Helper()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	f := &managerFixture{
		exchange: newMockExchange(),
		repo:     newMockOrderRepo(),
		settings: newMockSettings(),
		notifier: &mockNotifier{},
		now:      &now,
	}
	guard, err := risk.NewGuard(risk.GuardConfig{
		Logger: mockLogger{},
		Now:    func() time.Time { return *f.now },
	})
	require.NoError(t, err)
	f.guard = guard

	cfg := ManagerConfig{
		Logger:       mockLogger{},
		Exchange:     f.exchange,
		Repo:         f.repo,
		Settings:     f.settings,
		Guard:        guard,
		Notifier:     f.notifier,
		BaseCurrency: "USDT",
		OrderAmount:  100,
		CancelWindow: 8 * time.Hour,
		Now:          func() time.Time { return *f.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	f.manager = m
	return f
}

func trigger(symbol string, price float64) *domain.TriggerEvent {
	return &domain.TriggerEvent{
		Symbol:         symbol,
		Timeframe:      domain.Daily,
		Level:          2,
		ReferencePrice: price / 0.98,
		CurrentPrice:   price,
		Drop:           2,
	}
}

func TestPlaceForTriggerMarketOrderFills(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)
	require.NotNil(t, order)

	assert.Equal(t, domain.StatusFilled, order.Status)
	assert.InDelta(t, 100.0/50000.0, order.Quantity, 1e-12)
	assert.Equal(t, 2.0, order.Threshold)
	assert.Equal(t, domain.Daily, order.Timeframe)
	assert.NotEmpty(t, order.ClientOrderID)

	pos, ok := f.manager.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 50000, pos.AvgEntryPrice, 1e-9)

	stored := f.repo.get(order.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusFilled, stored.Status)
}

func TestPlaceForTriggerLimitOrderStaysPending(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)
	require.NotNil(t, order)

	assert.Equal(t, domain.StatusPending, order.Status)
	assert.True(t, order.IsLimit)
	assert.Len(t, f.manager.PendingOrders(), 1)

	_, ok := f.manager.Position("BTCUSDT")
	assert.False(t, ok, "no position until the limit order fills")
}

func TestPlaceForTriggerGuardDenial(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	// Fresh guard with a reserve and no known balance denies everything.
	guard, err := risk.NewGuard(risk.GuardConfig{
		ReserveBalance: 500,
		Logger:         mockLogger{},
		Now:            func() time.Time { return *f.now },
	})
	require.NoError(t, err)
	f.manager.guard = guard

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err, "a guard denial is a decision, not a fault")
	assert.Nil(t, order)
	assert.Zero(t, f.exchange.placedCount())
	assert.NotEmpty(t, f.notifier.messages)
}

func TestPlaceForTriggerOnlyLowerEntries(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.OnlyLowerEntries = true
	})
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)
	require.NotNil(t, order)

	// A buy above the current average is rejected.
	order, err = f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 51000))
	require.NoError(t, err)
	assert.Nil(t, order)
	assert.Equal(t, 1, f.exchange.placedCount())

	// A buy below the average goes through and lowers it.
	order, err = f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 48000))
	require.NoError(t, err)
	require.NotNil(t, order)

	pos, ok := f.manager.Position("BTCUSDT")
	require.True(t, ok)
	assert.Less(t, pos.AvgEntryPrice, 50000.0)
}

func TestPlaceForTriggerRetriesTransientErrors(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.exchange.placeErrs = []error{
		fmt.Errorf("placement: %w", ports.ErrRateLimited),
	}

	order, err := f.manager.PlaceForTrigger(context.Background(), trigger("BTCUSDT", 50000))
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, 1, f.exchange.placedCount(), "second attempt succeeded")
}

func TestPlaceForTriggerPermanentErrorAborts(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.exchange.placeErrs = []error{
		fmt.Errorf("placement: %w", ports.ErrInsufficientFunds),
		fmt.Errorf("placement: %w", ports.ErrInsufficientFunds),
	}

	order, err := f.manager.PlaceForTrigger(context.Background(), trigger("BTCUSDT", 50000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.Nil(t, order)
	assert.Zero(t, f.exchange.placedCount(), "no retry after a permanent rejection")
}

func TestPlaceForTriggerPersistFailureCancelsExchangeOrder(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	f.repo.createErr = fmt.Errorf("disk full")

	order, err := f.manager.PlaceForTrigger(context.Background(), trigger("BTCUSDT", 50000))
	require.Error(t, err)
	assert.Nil(t, order)
	assert.Equal(t, []string{"1"}, f.exchange.cancelled, "untracked exchange order is cancelled")
}

func TestSweepCancelsStaleLimitOrders(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)

	// Inside the window nothing is swept.
	*f.now = f.now.Add(7 * time.Hour)
	f.manager.SweepStaleOrders(ctx)
	assert.Len(t, f.manager.PendingOrders(), 1)

	// Past the window the order is cancelled with the timeout reason.
	*f.now = f.now.Add(2 * time.Hour)
	f.manager.SweepStaleOrders(ctx)
	assert.Empty(t, f.manager.PendingOrders())
	assert.Contains(t, f.exchange.cancelled, order.ExchangeID)

	stored := f.repo.get(order.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, domain.CancelReasonTimeout, stored.CancelReason)
}

func TestSweepFillWinsOverCancel(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)

	// The exchange reports a fill before the sweep can cancel.
	f.exchange.statuses[order.ExchangeID] = &ports.OrderResponse{
		ExchangeID: order.ExchangeID,
		Symbol:     "BTCUSDT",
		Status:     domain.StatusFilled,
		AvgPrice:   49950,
	}

	*f.now = f.now.Add(9 * time.Hour)
	f.manager.SweepStaleOrders(ctx)

	stored := f.repo.get(order.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusFilled, stored.Status, "exchange status is authoritative")
	assert.Equal(t, 49950.0, stored.Price)
	assert.NotContains(t, f.exchange.cancelled, order.ExchangeID)

	pos, ok := f.manager.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 49950, pos.AvgEntryPrice, 1e-9)
}

func TestSweepStatusCheckFailureRetriesNextCycle(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)

	f.exchange.statusErr = fmt.Errorf("status: %w", ports.ErrTimeout)
	*f.now = f.now.Add(9 * time.Hour)
	f.manager.SweepStaleOrders(ctx)

	// Still pending; nothing was recorded on a failed check.
	assert.Len(t, f.manager.PendingOrders(), 1)
	assert.Equal(t, domain.StatusPending, f.repo.get(order.ID).Status)

	f.exchange.statusErr = nil
	f.manager.SweepStaleOrders(ctx)
	assert.Empty(t, f.manager.PendingOrders())
}

func TestReconcilePendingAppliesFill(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)

	f.exchange.statuses[order.ExchangeID] = &ports.OrderResponse{
		ExchangeID: order.ExchangeID,
		Symbol:     "BTCUSDT",
		Status:     domain.StatusFilled,
		AvgPrice:   50000,
	}
	f.manager.ReconcilePending(ctx)

	assert.Empty(t, f.manager.PendingOrders())
	pos, ok := f.manager.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.IsOpen())
}

func TestReconcilePendingRecordsExchangeCancel(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	ctx := context.Background()

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)

	// The exchange cancelled the order without our involvement.
	f.exchange.statuses[order.ExchangeID] = &ports.OrderResponse{
		ExchangeID: order.ExchangeID,
		Symbol:     "BTCUSDT",
		Status:     domain.StatusCancelled,
	}
	f.manager.ReconcilePending(ctx)

	assert.Empty(t, f.manager.PendingOrders())
	stored := f.repo.get(order.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, domain.CancelReasonExchange, stored.CancelReason)
}

func TestPlacementForOneSymbolDoesNotBlockOthers(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	gate := f.exchange.stallNextPlace("BTCUSDT")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
		assert.NoError(t, err)
	}()
	<-gate.entered

	// The second symbol's placement completes while the first call is still
	// parked inside the exchange.
	order, err := f.manager.PlaceForTrigger(ctx, trigger("ETHUSDT", 2000))
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, 1, f.exchange.placedCount())

	close(gate.release)
	<-done
	assert.Equal(t, 2, f.exchange.placedCount())
}

func TestRestoreRebuildsStateWithoutReplacing(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	now := *f.now

	// History: two filled buys, one partial exit, one still-pending limit.
	seed := []*domain.Order{
		{Symbol: "BTCUSDT", Status: domain.StatusFilled, Side: domain.Buy, Price: 50000, Quantity: 0.1, CreatedAt: now, FilledAt: now},
		{Symbol: "BTCUSDT", Status: domain.StatusFilled, Side: domain.Buy, Price: 48000, Quantity: 0.1, CreatedAt: now, FilledAt: now},
		{Symbol: "BTCUSDT", Status: domain.StatusFilled, Side: domain.Sell, Price: 52000, Quantity: 0.05, CreatedAt: now, FilledAt: now},
		{Symbol: "BTCUSDT", Status: domain.StatusPending, Side: domain.Buy, Price: 47000, Quantity: 0.1, IsLimit: true, ExchangeID: "77", CreatedAt: now},
	}
	for _, o := range seed {
		_, err := f.repo.CreateOrder(ctx, o)
		require.NoError(t, err)
	}

	require.NoError(t, f.manager.Restore(ctx, []string{"BTCUSDT"}))

	pos, ok := f.manager.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.15, pos.Quantity, 1e-12)
	assert.InDelta(t, 49000, pos.AvgEntryPrice, 1e-9)

	assert.Len(t, f.manager.PendingOrders(), 1)
	assert.Zero(t, f.exchange.placedCount(), "restored orders are never re-placed")
}

func TestAddManualTradeBypassesChecks(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.OnlyLowerEntries = true
	})
	ctx := context.Background()

	// Guard would deny (reserve, unknown balance) and only-lower would
	// reject, but manual trades skip both.
	guard, err := risk.NewGuard(risk.GuardConfig{
		ReserveBalance: 500,
		Logger:         mockLogger{},
		Now:            func() time.Time { return *f.now },
	})
	require.NoError(t, err)
	f.manager.guard = guard

	order, err := f.manager.AddManualTrade(ctx, "BTCUSDT", 50000, 0.1)
	require.NoError(t, err)
	assert.True(t, order.IsManual)
	assert.Equal(t, domain.StatusFilled, order.Status)

	order, err = f.manager.AddManualTrade(ctx, "BTCUSDT", 60000, 0.1)
	require.NoError(t, err, "manual trades may raise the average")
	require.NotNil(t, order)

	pos, ok := f.manager.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 55000, pos.AvgEntryPrice, 1e-9)

	_, err = f.manager.AddManualTrade(ctx, "BTCUSDT", -1, 0.1)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestCancelAllForSymbol(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.UseLimitOrders = true
	})
	ctx := context.Background()

	orderBTC, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)
	orderETH, err := f.manager.PlaceForTrigger(ctx, trigger("ETHUSDT", 2000))
	require.NoError(t, err)

	require.NoError(t, f.manager.CancelAllForSymbol(ctx, "BTCUSDT"))

	assert.Contains(t, f.exchange.cancelled, orderBTC.ExchangeID)
	assert.NotContains(t, f.exchange.cancelled, orderETH.ExchangeID)

	pending := f.manager.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, "ETHUSDT", pending[0].Symbol)
	_, ok := f.manager.Position("BTCUSDT")
	assert.False(t, ok)
}

func TestSetOnlyLowerEntriesRuntimeToggle(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	_, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 50000))
	require.NoError(t, err)

	f.manager.SetOnlyLowerEntries(true)
	assert.True(t, f.manager.OnlyLowerEntries())

	order, err := f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 51000))
	require.NoError(t, err)
	assert.Nil(t, order)

	f.manager.SetOnlyLowerEntries(false)
	order, err = f.manager.PlaceForTrigger(ctx, trigger("BTCUSDT", 51000))
	require.NoError(t, err)
	assert.NotNil(t, order)
}
