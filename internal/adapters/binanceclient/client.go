package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"
)

// Client implements ports.ExchangeClient against Binance spot and USD-M
// futures using the go-binance library.
type Client struct {
	spot    *binance.Client
	fut     *futures.Client
	logger  ports.Logger
	futures bool

	mu      sync.RWMutex
	filters map[string]symbolFilters // Lot/tick filters, lazily cached
}

// symbolFilters holds the exchange filters needed to quantize orders.
type symbolFilters struct {
	stepSize decimal.Decimal // LOT_SIZE quantity increment
	tickSize decimal.Decimal // PRICE_FILTER price increment
}

// Config holds configuration for the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Futures    bool // Route orders through USD-M futures instead of spot
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty; only public endpoints will work")
	}

	binance.UseTestnet = cfg.UseTestnet
	futures.UseTestnet = cfg.UseTestnet

	c := &Client{
		spot:    binance.NewClient(cfg.APIKey, cfg.SecretKey),
		fut:     futures.NewClient(cfg.APIKey, cfg.SecretKey),
		logger:  cfg.Logger,
		futures: cfg.Futures,
		filters: make(map[string]symbolFilters),
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{
		"testnet": cfg.UseTestnet, "futures": cfg.Futures,
	})
	return c, nil
}

// handleError translates Binance API errors into the sentinel errors the
// core classifies as transient or permanent.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003:
			mappedErr = ports.ErrRateLimited
		case -1021:
			mappedErr = ports.ErrTimeout
		case -1013:
			mappedErr = ports.ErrPrecisionRejected
		case -1121:
			mappedErr = ports.ErrInvalidSymbol
		case -1022, -2014, -2015:
			mappedErr = ports.ErrAuthenticationFailed
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010:
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
				mappedErr = ports.ErrInsufficientFunds
			} else {
				mappedErr = ports.ErrOrderPlacementFailed
			}
		case -2011:
			mappedErr = ports.ErrOrderCancelFailed
		case -2013:
			mappedErr = ports.ErrOrderNotFound
		case -2019, -3005:
			mappedErr = ports.ErrInsufficientFunds
		default:
			if apiErr.Code >= 500 || apiErr.Code == -1001 {
				mappedErr = ports.ErrExchangeUnavailable
			} else {
				mappedErr = ports.ErrUnknown
			}
		}
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "use of closed network connection"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

// Ping checks connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	var err error
	if c.futures {
		err = c.fut.NewPingService().Do(ctx)
	} else {
		err = c.spot.NewPingService().Do(ctx)
	}
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// GetTickerPrice retrieves the last traded price for a symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	var raw string
	if c.futures {
		prices, err := c.fut.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return 0, c.handleError(ctx, err, op)
		}
		if len(prices) == 0 {
			return 0, c.handleError(ctx, fmt.Errorf("no price data for symbol %s", symbol), op)
		}
		raw = prices[0].Price
	} else {
		prices, err := c.spot.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return 0, c.handleError(ctx, err, op)
		}
		if len(prices) == 0 {
			return 0, c.handleError(ctx, fmt.Errorf("no price data for symbol %s", symbol), op)
		}
		raw = prices[0].Price
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse price %q: %w", raw, err), op)
	}
	return price, nil
}

// GetPeriodOpenPrice retrieves the opening price of the current candle for
// the timeframe, used to anchor threshold reference prices at rollover.
func (c *Client) GetPeriodOpenPrice(ctx context.Context, symbol string, tf domain.Timeframe) (float64, error) {
	op := "GetPeriodOpenPrice"
	var rawOpen string
	if c.futures {
		klines, err := c.fut.NewKlinesService().Symbol(symbol).Interval(tf.KlineInterval()).Limit(1).Do(ctx)
		if err != nil {
			return 0, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			return 0, c.handleError(ctx, fmt.Errorf("no klines for %s %s", symbol, tf.KlineInterval()), op)
		}
		rawOpen = klines[len(klines)-1].Open
	} else {
		klines, err := c.spot.NewKlinesService().Symbol(symbol).Interval(tf.KlineInterval()).Limit(1).Do(ctx)
		if err != nil {
			return 0, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			return 0, c.handleError(ctx, fmt.Errorf("no klines for %s %s", symbol, tf.KlineInterval()), op)
		}
		rawOpen = klines[len(klines)-1].Open
	}
	open, err := strconv.ParseFloat(rawOpen, 64)
	if err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse open price %q: %w", rawOpen, err), op)
	}
	return open, nil
}

// GetBalance retrieves the free balance for an asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetBalance"
	if c.futures {
		balances, err := c.fut.NewGetBalanceService().Do(ctx)
		if err != nil {
			return 0, c.handleError(ctx, err, op)
		}
		for _, b := range balances {
			if b.Asset == asset {
				free, perr := strconv.ParseFloat(b.AvailableBalance, 64)
				if perr != nil {
					return 0, c.handleError(ctx, fmt.Errorf("could not parse balance %q: %w", b.AvailableBalance, perr), op)
				}
				return free, nil
			}
		}
		return 0, nil
	}
	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, b := range account.Balances {
		if b.Asset == asset {
			free, perr := strconv.ParseFloat(b.Free, 64)
			if perr != nil {
				return 0, c.handleError(ctx, fmt.Errorf("could not parse balance %q: %w", b.Free, perr), op)
			}
			return free, nil
		}
	}
	return 0, nil
}

// PlaceOrder places an order, quantizing price and quantity to the symbol's
// exchange filters first.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	qtyStr, priceStr, stopStr, err := c.quantize(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Kind == domain.KindFutures {
		return c.placeFuturesOrder(ctx, req, qtyStr, priceStr, stopStr)
	}
	return c.placeSpotOrder(ctx, req, qtyStr, priceStr, stopStr)
}

func (c *Client) placeSpotOrder(ctx context.Context, req ports.OrderRequest, qtyStr, priceStr, stopStr string) (*ports.OrderResponse, error) {
	op := "PlaceSpotOrder"
	svc := c.spot.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(spotSide(req.Side)).
		Quantity(qtyStr)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	switch {
	case req.StopPrice > 0:
		svc = svc.Type(binance.OrderTypeStopLoss).StopPrice(stopStr)
	case req.IsLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(priceStr)
	default:
		svc = svc.Type(binance.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := &ports.OrderResponse{
		ExchangeID: strconv.FormatInt(res.OrderID, 10),
		Symbol:     res.Symbol,
		Price:      parseFloat(res.Price),
		Quantity:   parseFloat(res.OrigQuantity),
		Status:     mapSpotStatus(res.Status),
		Timestamp:  time.UnixMilli(res.TransactTime),
	}
	out.ExecutedQty = parseFloat(res.ExecutedQuantity)
	if out.ExecutedQty > 0 {
		quote := parseFloat(res.CummulativeQuoteQuantity)
		if quote > 0 {
			out.AvgPrice = quote / out.ExecutedQty
		}
	}
	c.logger.Debug(ctx, "Spot order placed", map[string]interface{}{
		"symbol": req.Symbol, "exchangeID": out.ExchangeID, "status": string(out.Status),
	})
	return out, nil
}

func (c *Client) placeFuturesOrder(ctx context.Context, req ports.OrderRequest, qtyStr, priceStr, stopStr string) (*ports.OrderResponse, error) {
	op := "PlaceFuturesOrder"
	svc := c.fut.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futuresSide(req.Side)).
		Quantity(qtyStr)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	switch {
	case req.StopPrice > 0:
		svc = svc.Type(futures.OrderTypeStopMarket).StopPrice(stopStr)
	case req.IsLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(priceStr)
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := &ports.OrderResponse{
		ExchangeID:  strconv.FormatInt(res.OrderID, 10),
		Symbol:      res.Symbol,
		Price:       parseFloat(res.Price),
		AvgPrice:    parseFloat(res.AvgPrice),
		Quantity:    parseFloat(res.OrigQuantity),
		ExecutedQty: parseFloat(res.ExecutedQuantity),
		Status:      mapFuturesStatus(res.Status),
		Timestamp:   time.UnixMilli(res.UpdateTime),
	}
	c.logger.Debug(ctx, "Futures order placed", map[string]interface{}{
		"symbol": req.Symbol, "exchangeID": out.ExchangeID, "status": string(out.Status),
	})
	return out, nil
}

// CancelOrder cancels an open order by its exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	op := "CancelOrder"
	orderID, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid exchange order ID %q: %w", op, exchangeID, ports.ErrInvalidRequest)
	}
	if c.futures {
		_, err = c.fut.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	} else {
		_, err = c.spot.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	}
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// GetOrderStatus retrieves the exchange's current view of an order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (*ports.OrderResponse, error) {
	op := "GetOrderStatus"
	orderID, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid exchange order ID %q: %w", op, exchangeID, ports.ErrInvalidRequest)
	}

	if c.futures {
		o, err := c.fut.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		return &ports.OrderResponse{
			ExchangeID:  strconv.FormatInt(o.OrderID, 10),
			Symbol:      o.Symbol,
			Price:       parseFloat(o.Price),
			AvgPrice:    parseFloat(o.AvgPrice),
			Quantity:    parseFloat(o.OrigQuantity),
			ExecutedQty: parseFloat(o.ExecutedQuantity),
			Status:      mapFuturesStatus(o.Status),
			Timestamp:   time.UnixMilli(o.UpdateTime),
		}, nil
	}

	o, err := c.spot.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := &ports.OrderResponse{
		ExchangeID:  strconv.FormatInt(o.OrderID, 10),
		Symbol:      o.Symbol,
		Price:       parseFloat(o.Price),
		Quantity:    parseFloat(o.OrigQuantity),
		ExecutedQty: parseFloat(o.ExecutedQuantity),
		Status:      mapSpotStatus(o.Status),
		Timestamp:   time.UnixMilli(o.UpdateTime),
	}
	if out.ExecutedQty > 0 {
		quote := parseFloat(o.CummulativeQuoteQuantity)
		if quote > 0 {
			out.AvgPrice = quote / out.ExecutedQty
		}
	}
	return out, nil
}

// SetLeverage sets the leverage for a futures symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.fut.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// SetMarginType sets the margin mode for a futures symbol.
func (c *Client) SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error {
	op := "SetMarginType"
	mt := futures.MarginTypeCrossed
	if margin == domain.MarginIsolated {
		mt = futures.MarginTypeIsolated
	}
	err := c.fut.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
	if err != nil {
		// Binance rejects a no-op change with -4046.
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -4046 {
			return nil
		}
		return c.handleError(ctx, err, op)
	}
	return nil
}

// quantize rounds quantity, price, and stop price down to the symbol's
// exchange filter increments and renders them as API strings.
func (c *Client) quantize(ctx context.Context, req ports.OrderRequest) (qty, price, stop string, err error) {
	f, err := c.symbolFilters(ctx, req.Symbol, req.Kind)
	if err != nil {
		return "", "", "", err
	}
	q := quantizeDown(decimal.NewFromFloat(req.Quantity), f.stepSize)
	if q.IsZero() {
		return "", "", "", fmt.Errorf("quantity %v below lot size for %s: %w", req.Quantity, req.Symbol, ports.ErrPrecisionRejected)
	}
	qty = q.String()
	if req.Price > 0 {
		price = quantizeDown(decimal.NewFromFloat(req.Price), f.tickSize).String()
	}
	if req.StopPrice > 0 {
		stop = quantizeDown(decimal.NewFromFloat(req.StopPrice), f.tickSize).String()
	}
	return qty, price, stop, nil
}

// symbolFilters returns cached lot/tick filters, fetching exchange info on
// first use per symbol.
func (c *Client) symbolFilters(ctx context.Context, symbol string, kind domain.OrderKind) (symbolFilters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	op := "GetExchangeInfo"
	var stepStr, tickStr string
	if kind == domain.KindFutures {
		info, err := c.fut.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return symbolFilters{}, c.handleError(ctx, err, op)
		}
		for _, s := range info.Symbols {
			if s.Symbol != symbol {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				stepStr = lot.StepSize
			}
			if pf := s.PriceFilter(); pf != nil {
				tickStr = pf.TickSize
			}
		}
	} else {
		info, err := c.spot.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		if err != nil {
			return symbolFilters{}, c.handleError(ctx, err, op)
		}
		for _, s := range info.Symbols {
			if s.Symbol != symbol {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				stepStr = lot.StepSize
			}
			if pf := s.PriceFilter(); pf != nil {
				tickStr = pf.TickSize
			}
		}
	}
	if stepStr == "" || tickStr == "" {
		return symbolFilters{}, fmt.Errorf("no exchange filters for symbol %s: %w", symbol, ports.ErrInvalidSymbol)
	}

	step, err := decimal.NewFromString(stepStr)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("could not parse step size %q for %s: %w", stepStr, symbol, err)
	}
	tick, err := decimal.NewFromString(tickStr)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("could not parse tick size %q for %s: %w", tickStr, symbol, err)
	}

	f = symbolFilters{stepSize: step, tickSize: tick}
	c.mu.Lock()
	c.filters[symbol] = f
	c.mu.Unlock()
	return f, nil
}

// quantizeDown truncates v to a multiple of step. Rounding down never
// overspends the intended order size.
func quantizeDown(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func spotSide(side domain.OrderSide) binance.SideType {
	if side == domain.Sell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func futuresSide(side domain.OrderSide) futures.SideType {
	if side == domain.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func mapSpotStatus(s binance.OrderStatusType) domain.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return domain.StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return domain.StatusCancelled
	default:
		return domain.StatusPending
	}
}

func mapFuturesStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return domain.StatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return domain.StatusCancelled
	default:
		return domain.StatusPending
	}
}
