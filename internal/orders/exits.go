package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"
)

const exitStateKeyPrefix = "exitstate:"

// exitState is the per-symbol exit bookkeeping: the fixed TP/SL order pair,
// the partial take-profit ladder consumption, and the trailing stop. It is
// persisted on every change so a restart cannot re-fire a consumed ladder
// rung or forget a tightened trailing stop.
type exitState struct {
	TPOrderID      string  `json:"tp_order_id,omitempty"`
	SLOrderID      string  `json:"sl_order_id,omitempty"`
	TPPrice        float64 `json:"tp_price,omitempty"`
	SLPrice        float64 `json:"sl_price,omitempty"`
	LadderConsumed []bool  `json:"ladder_consumed,omitempty"`
	TrailActive    bool    `json:"trail_active,omitempty"`
	TrailHighest   float64 `json:"trail_highest,omitempty"`
	TrailStop      float64 `json:"trail_stop,omitempty"`
}

func (st *exitState) hasOpenLeg() bool {
	return st.TPOrderID != "" || st.SLOrderID != ""
}

// armExitsLocked replaces the fixed TP/SL pair after an entry fill, sized off
// the new average entry and the full remaining quantity, and re-arms the
// partial-TP ladder and trailing stop against the re-based position.
func (m *Manager) armExitsLocked(ctx context.Context, b *symbolBook, order *domain.Order, pos *domain.Position) {
	if err := m.cancelExitLegsLocked(ctx, order.Symbol, b.exits); err != nil {
		m.logger.Warn(ctx, "Failed to cancel previous exit pair before re-arming", map[string]interface{}{
			"symbol": order.Symbol, "error": err.Error(),
		})
	}

	_, tpPct, slPct := m.TPSL()
	st := b.ensureExits()
	st.TPPrice = pos.AvgEntryPrice * (1 + tpPct/100)
	st.SLPrice = pos.AvgEntryPrice * (1 - slPct/100)

	tpResp, err := m.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:        order.Symbol,
		Side:          domain.Sell,
		Kind:          order.Kind,
		Quantity:      pos.Quantity,
		Price:         st.TPPrice,
		IsLimit:       true,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		m.logger.Error(ctx, err, "Failed to place take-profit leg", map[string]interface{}{"symbol": order.Symbol})
	} else {
		st.TPOrderID = tpResp.ExchangeID
	}

	slResp, err := m.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:        order.Symbol,
		Side:          domain.Sell,
		Kind:          order.Kind,
		Quantity:      pos.Quantity,
		StopPrice:     st.SLPrice,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		m.logger.Error(ctx, err, "Failed to place stop-loss leg", map[string]interface{}{"symbol": order.Symbol})
	} else {
		st.SLOrderID = slResp.ExchangeID
	}

	order.TakeProfitOrderID = st.TPOrderID
	order.StopLossOrderID = st.SLOrderID
	order.TakeProfitPrice = st.TPPrice
	order.StopLossPrice = st.SLPrice
	if err := m.repo.UpdateOrder(ctx, order); err != nil {
		m.logger.Error(ctx, err, "Failed to persist exit order links", map[string]interface{}{"orderID": order.ID})
	}

	m.rearmLadderOnState(st)
	st.TrailActive = false
	st.TrailHighest = 0
	st.TrailStop = 0
	m.saveExitStateLocked(ctx, order.Symbol, st)

	m.logger.Info(ctx, "Exit pair armed", map[string]interface{}{
		"symbol": order.Symbol, "tp": st.TPPrice, "sl": st.SLPrice,
	})
}

// rearmLadderLocked re-bases ladder and trailing state after a fill that did
// not arm a fixed exit pair (manual trades, TP/SL disabled).
func (m *Manager) rearmLadderLocked(ctx context.Context, b *symbolBook, symbol string) {
	if len(m.cfg.PartialTPLevels) == 0 && !m.cfg.Trailing.Enabled {
		return
	}
	st := b.ensureExits()
	m.rearmLadderOnState(st)
	st.TrailActive = false
	st.TrailHighest = 0
	st.TrailStop = 0
	m.saveExitStateLocked(ctx, symbol, st)
}

func (m *Manager) rearmLadderOnState(st *exitState) {
	if len(m.cfg.PartialTPLevels) > 0 {
		st.LadderConsumed = make([]bool, len(m.cfg.PartialTPLevels))
	}
}

// CheckExits evaluates all exit rules for a symbol against the current
// price: fixed TP/SL reconciliation with local one-cancels-other, the
// partial take-profit ladder, and the trailing stop.
func (m *Manager) CheckExits(ctx context.Context, symbol string, price float64) {
	b := m.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	pos := b.pos
	if pos == nil || !pos.IsOpen() {
		m.retryDanglingExitLegsLocked(ctx, b, symbol)
		return
	}
	st := b.exits
	if st == nil {
		return
	}

	m.reconcileFixedExitLocked(ctx, symbol, pos, st)
	if pos.IsOpen() {
		m.checkLadderLocked(ctx, symbol, pos, st, price)
	}
	if pos.IsOpen() {
		m.checkTrailingLocked(ctx, symbol, pos, st, price)
	}
	if !pos.IsOpen() {
		m.clearPositionLocked(ctx, b, symbol)
	}
}

// reconcileFixedExitLocked polls the TP and SL legs; when one leg fills, the
// other is cancelled. One-cancels-other is enforced here, not assumed atomic
// on the exchange. A failed cancel leaves the surviving leg tracked so the
// next cycle retries it.
func (m *Manager) reconcileFixedExitLocked(ctx context.Context, symbol string, pos *domain.Position, st *exitState) {
	legs := []struct {
		id    *string
		other *string
		price float64
		label string
	}{
		{&st.TPOrderID, &st.SLOrderID, st.TPPrice, "take-profit"},
		{&st.SLOrderID, &st.TPOrderID, st.SLPrice, "stop-loss"},
	}
	for _, leg := range legs {
		if *leg.id == "" {
			continue
		}
		status, err := m.exchange.GetOrderStatus(ctx, symbol, *leg.id)
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				*leg.id = ""
				m.saveExitStateLocked(ctx, symbol, st)
			}
			continue
		}
		if status.Status != domain.StatusFilled {
			continue
		}

		fillPrice := status.AvgPrice
		if fillPrice == 0 {
			fillPrice = leg.price
		}
		qty := status.ExecutedQty
		if qty == 0 {
			qty = pos.Quantity
		}
		m.recordExitLocked(ctx, symbol, pos, fillPrice, qty, *leg.id)
		m.notifier.Notify(ctx, fmt.Sprintf("💰 %s %s filled: %.6f @ %.2f", symbol, leg.label, qty, fillPrice))
		*leg.id = ""

		if *leg.other != "" {
			if err := m.exchange.CancelOrder(ctx, symbol, *leg.other); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
				m.logger.Warn(ctx, "Failed to cancel opposite exit leg, will retry", map[string]interface{}{
					"symbol": symbol, "exchangeID": *leg.other, "error": err.Error(),
				})
			} else {
				*leg.other = ""
			}
		}
		m.saveExitStateLocked(ctx, symbol, st)
		return
	}
}

// checkLadderLocked fires any partial take-profit rung whose gain threshold
// the price has crossed. Rungs are sized against the original post-fill
// quantity and each rung fires at most once per arming.
func (m *Manager) checkLadderLocked(ctx context.Context, symbol string, pos *domain.Position, st *exitState, price float64) {
	if len(m.cfg.PartialTPLevels) == 0 || len(st.LadderConsumed) != len(m.cfg.PartialTPLevels) {
		return
	}
	gain := pos.UnrealizedGainPercent(price)
	for i, rung := range m.cfg.PartialTPLevels {
		if st.LadderConsumed[i] || gain < rung.GainPercent {
			continue
		}
		qty := pos.OriginalQuantity * rung.ClosePercent / 100
		if qty > pos.Quantity {
			qty = pos.Quantity
		}
		if qty <= 0 {
			st.LadderConsumed[i] = true
			continue
		}
		resp, err := m.placeWithRetry(ctx, ports.OrderRequest{
			Symbol:        symbol,
			Side:          domain.Sell,
			Kind:          m.orderKind(),
			Quantity:      qty,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			m.logger.Error(ctx, err, "Partial take-profit sell failed", map[string]interface{}{
				"symbol": symbol, "rung": i + 1,
			})
			return
		}
		fillPrice := resp.AvgPrice
		if fillPrice == 0 {
			fillPrice = price
		}
		st.LadderConsumed[i] = true
		m.recordExitLocked(ctx, symbol, pos, fillPrice, qty, resp.ExchangeID)
		m.saveExitStateLocked(ctx, symbol, st)
		m.notifier.Notify(ctx, fmt.Sprintf("📈 %s partial TP level %d: sold %.6f @ %.2f (+%.2f%%)",
			symbol, i+1, qty, fillPrice, gain))
		if !pos.IsOpen() {
			return
		}
	}
}

// checkTrailingLocked maintains the trailing stop: it activates once the
// unrealized gain exceeds the activation percentage, then tracks the highest
// observed price with a stop at highest*(1-callbackRate). The stop only ever
// tightens. Touching the stop exits the remaining position at market.
func (m *Manager) checkTrailingLocked(ctx context.Context, symbol string, pos *domain.Position, st *exitState, price float64) {
	t := m.cfg.Trailing
	if !t.Enabled {
		return
	}

	if !st.TrailActive {
		if pos.UnrealizedGainPercent(price) < t.ActivationPercent {
			return
		}
		st.TrailActive = true
		st.TrailHighest = price
		st.TrailStop = price * (1 - t.CallbackRate/100)
		m.saveExitStateLocked(ctx, symbol, st)
		m.logger.Info(ctx, "Trailing stop activated", map[string]interface{}{
			"symbol": symbol, "price": price, "stop": st.TrailStop,
		})
		m.notifier.Notify(ctx, fmt.Sprintf("🛤 %s trailing stop active: stop %.2f", symbol, st.TrailStop))
		return
	}

	if price > st.TrailHighest {
		st.TrailHighest = price
		if newStop := price * (1 - t.CallbackRate/100); newStop > st.TrailStop {
			st.TrailStop = newStop
			m.saveExitStateLocked(ctx, symbol, st)
			m.logger.Debug(ctx, "Trailing stop tightened", map[string]interface{}{
				"symbol": symbol, "highest": st.TrailHighest, "stop": st.TrailStop,
			})
		}
		return
	}

	if price <= st.TrailStop {
		qty := pos.Quantity
		resp, err := m.placeWithRetry(ctx, ports.OrderRequest{
			Symbol:        symbol,
			Side:          domain.Sell,
			Kind:          m.orderKind(),
			Quantity:      qty,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			m.logger.Error(ctx, err, "Trailing stop exit failed", map[string]interface{}{"symbol": symbol})
			return
		}
		fillPrice := resp.AvgPrice
		if fillPrice == 0 {
			fillPrice = price
		}
		m.recordExitLocked(ctx, symbol, pos, fillPrice, qty, resp.ExchangeID)
		if err := m.cancelExitLegsLocked(ctx, symbol, st); err != nil {
			m.logger.Warn(ctx, "Failed to cancel exit pair after trailing exit", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
		}
		st.TrailActive = false
		m.saveExitStateLocked(ctx, symbol, st)
		m.notifier.Notify(ctx, fmt.Sprintf("🛑 %s trailing stop hit: sold %.6f @ %.2f", symbol, qty, fillPrice))
	}
}

// recordExitLocked persists an exit sell as a filled order and shrinks the
// position. The sell record keeps position reconstruction correct across
// restarts.
func (m *Manager) recordExitLocked(ctx context.Context, symbol string, pos *domain.Position, price, quantity float64, exchangeID string) {
	now := m.now()
	realized := (price - pos.AvgEntryPrice) * quantity
	sell := &domain.Order{
		Symbol:        symbol,
		Status:        domain.StatusFilled,
		Kind:          m.orderKind(),
		Side:          domain.Sell,
		Price:         price,
		Quantity:      quantity,
		ExchangeID:    exchangeID,
		ClientOrderID: uuid.NewString(),
		Fees:          price * quantity * m.cfg.FeeRate,
		FeeAsset:      m.cfg.BaseCurrency,
		RealizedPnL:   realized,
		CreatedAt:     now,
		UpdatedAt:     now,
		FilledAt:      now,
	}
	if _, err := m.repo.CreateOrder(ctx, sell); err != nil {
		m.logger.Error(ctx, err, "Failed to persist exit order", map[string]interface{}{
			"symbol": symbol, "exchangeID": exchangeID,
		})
	}
	pos.ReduceBy(quantity)
	m.logger.Info(ctx, "Exit recorded", map[string]interface{}{
		"symbol": symbol, "price": price, "quantity": quantity, "realizedPnL": realized,
		"remaining": pos.Quantity,
	})
}

// cancelExitLegsLocked cancels any open fixed TP/SL legs recorded in st.
func (m *Manager) cancelExitLegsLocked(ctx context.Context, symbol string, st *exitState) error {
	if st == nil {
		return nil
	}
	var lastErr error
	for _, id := range []*string{&st.TPOrderID, &st.SLOrderID} {
		if *id == "" {
			continue
		}
		if err := m.exchange.CancelOrder(ctx, symbol, *id); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			lastErr = err
			continue
		}
		*id = ""
	}
	return lastErr
}

// clearPositionLocked drops the fully-exited position. Exit bookkeeping
// survives as long as a leg is still open on the exchange, so a failed
// one-cancels-other cancel is retried on later cycles instead of orphaning
// the order.
func (m *Manager) clearPositionLocked(ctx context.Context, b *symbolBook, symbol string) {
	b.pos = nil
	m.logger.Info(ctx, "Position fully exited", map[string]interface{}{"symbol": symbol})

	if st := b.exits; st != nil && st.hasOpenLeg() {
		m.saveExitStateLocked(ctx, symbol, st)
		m.logger.Warn(ctx, "Exit leg still open after position close, will retry cancel", map[string]interface{}{
			"symbol": symbol, "takeProfitID": st.TPOrderID, "stopLossID": st.SLOrderID,
		})
		return
	}
	m.dropExitStateLocked(ctx, b, symbol)
}

// dropExitStateLocked discards the symbol's exit bookkeeping in memory and
// on disk.
func (m *Manager) dropExitStateLocked(ctx context.Context, b *symbolBook, symbol string) {
	b.exits = nil
	if m.cfg.Settings != nil {
		if err := m.cfg.Settings.SaveSetting(ctx, exitStateKeyPrefix+symbol, ""); err != nil {
			m.logger.Warn(ctx, "Failed to clear persisted exit state", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
		}
	}
}

// retryDanglingExitLegsLocked cancels exit legs that outlived their position,
// typically because the one-cancels-other cancel failed when the opposite leg
// filled. Runs on every exit check for a flat symbol until the legs are gone.
func (m *Manager) retryDanglingExitLegsLocked(ctx context.Context, b *symbolBook, symbol string) {
	st := b.exits
	if st == nil {
		return
	}
	if !st.hasOpenLeg() {
		m.dropExitStateLocked(ctx, b, symbol)
		return
	}
	if err := m.cancelExitLegsLocked(ctx, symbol, st); err != nil {
		m.logger.Warn(ctx, "Failed to cancel dangling exit leg, retrying next cycle", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
		m.saveExitStateLocked(ctx, symbol, st)
		return
	}
	m.logger.Info(ctx, "Dangling exit leg cancelled", map[string]interface{}{"symbol": symbol})
	m.dropExitStateLocked(ctx, b, symbol)
}

// saveExitStateLocked persists the exit state. Exit bookkeeping is
// best-effort recoverable: a failed save is logged and the next change
// retries, since every exit also leaves a durable order record.
func (m *Manager) saveExitStateLocked(ctx context.Context, symbol string, st *exitState) {
	if m.cfg.Settings == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to marshal exit state", map[string]interface{}{"symbol": symbol})
		return
	}
	if err := m.cfg.Settings.SaveSetting(ctx, exitStateKeyPrefix+symbol, string(raw)); err != nil {
		m.logger.Error(ctx, err, "Failed to persist exit state", map[string]interface{}{"symbol": symbol})
	}
}

// restoreExitStateLocked reloads persisted exit bookkeeping for a symbol.
func (m *Manager) restoreExitStateLocked(ctx context.Context, b *symbolBook, symbol string) error {
	if m.cfg.Settings == nil {
		return nil
	}
	raw, ok, err := m.cfg.Settings.LoadSetting(ctx, exitStateKeyPrefix+symbol)
	if err != nil {
		return fmt.Errorf("failed to load exit state for %s: %w", symbol, err)
	}
	if !ok || raw == "" {
		return nil
	}
	var st exitState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return fmt.Errorf("failed to decode exit state for %s: %w", symbol, err)
	}
	b.exits = &st
	return nil
}
