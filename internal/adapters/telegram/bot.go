package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dipcatcher/internal/app"
	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"
)

// Bot is the Telegram operator surface. It doubles as the ports.Notifier for
// outbound event messages and runs a command loop restricted to the
// configured chat.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger ports.Logger

	mu      sync.RWMutex
	service *app.Service // Attached after the service is constructed
}

// Config holds configuration for the Telegram bot.
type Config struct {
	Token  string
	ChatID int64 // Only this chat may issue commands and receives notifications
	Logger ports.Logger
}

// New creates the Telegram bot and verifies the token against the API.
func New(cfg Config) (*Bot, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram bot")
	}
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram token and chat ID are required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	cfg.Logger.Info(context.Background(), "Telegram bot authorized", map[string]interface{}{
		"username": api.Self.UserName,
	})
	return &Bot{api: api, chatID: cfg.ChatID, logger: cfg.Logger}, nil
}

// AttachService wires the application service the command handlers act on.
// The bot can notify before attachment; commands answer "starting up" until
// then.
func (b *Bot) AttachService(svc *app.Service) {
	b.mu.Lock()
	b.service = svc
	b.mu.Unlock()
}

// Notify implements ports.Notifier. Send failures are logged, never
// propagated; notifications are best-effort.
func (b *Bot) Notify(ctx context.Context, message string) {
	msg := tgbotapi.NewMessage(b.chatID, message)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn(ctx, "Failed to send Telegram notification", map[string]interface{}{"error": err.Error()})
	}
}

// Run consumes command updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				b.logger.Warn(ctx, "Ignoring command from unauthorized chat", map[string]interface{}{
					"chatID": update.Message.Chat.ID, "command": update.Message.Command(),
				})
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	b.mu.RLock()
	svc := b.service
	b.mu.RUnlock()
	if svc == nil {
		b.reply(ctx, "⏳ Still starting up, try again shortly.")
		return
	}

	cmd := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	b.logger.Debug(ctx, "Telegram command received", map[string]interface{}{"command": cmd, "args": args})

	switch cmd {
	case "status":
		b.reply(ctx, formatStatus(svc.Status()))
	case "balance":
		balance, asset := svc.Balance()
		b.reply(ctx, fmt.Sprintf("💵 Free balance: %.2f %s", balance, asset))
	case "orders":
		b.handleOrders(ctx, svc, args)
	case "positions":
		b.reply(ctx, formatPositions(svc.Status().Positions))
	case "thresholds":
		b.reply(ctx, formatThresholds(svc.Thresholds()))
	case "pausebot":
		if err := svc.Pause(ctx); err != nil {
			b.replyError(ctx, err)
			return
		}
		b.reply(ctx, "⏸ Paused. No new entries will be placed; sweeps and exits keep running.")
	case "resumebot":
		if err := svc.Resume(ctx); err != nil {
			b.replyError(ctx, err)
			return
		}
		b.reply(ctx, "▶️ Resumed.")
	case "resetthresholds":
		reanchor := len(args) > 0 && args[0] == "reanchor"
		if err := svc.ResetThresholds(ctx, reanchor); err != nil {
			b.replyError(ctx, err)
			return
		}
		if reanchor {
			b.reply(ctx, "🔄 Triggered levels cleared and reference prices re-anchored.")
		} else {
			b.reply(ctx, "🔄 Triggered levels cleared.")
		}
	case "addtrade":
		b.handleAddTrade(ctx, svc, args)
	case "addsymbol":
		if len(args) != 1 {
			b.reply(ctx, "Usage: /addsymbol SYMBOL")
			return
		}
		symbol := strings.ToUpper(args[0])
		if err := svc.AddSymbol(ctx, symbol); err != nil {
			b.replyError(ctx, err)
			return
		}
		b.reply(ctx, fmt.Sprintf("➕ %s added.", symbol))
	case "removesymbol":
		if len(args) != 1 {
			b.reply(ctx, "Usage: /removesymbol SYMBOL")
			return
		}
		symbol := strings.ToUpper(args[0])
		if err := svc.RemoveSymbol(ctx, symbol); err != nil {
			b.replyError(ctx, err)
			return
		}
		b.reply(ctx, fmt.Sprintf("➖ %s removed, open orders cancelled.", symbol))
	case "set_lower_entries":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			b.reply(ctx, "Usage: /set_lower_entries on|off")
			return
		}
		if err := svc.SetOnlyLowerEntries(ctx, args[0] == "on"); err != nil {
			b.replyError(ctx, err)
			return
		}
		b.reply(ctx, fmt.Sprintf("🔒 Only-lower-entries protection: %s", args[0]))
	case "set_tpsl":
		b.handleSetTPSL(ctx, svc, args)
	case "help", "start":
		b.reply(ctx, helpText)
	default:
		b.reply(ctx, "Unknown command. Try /help.")
	}
}

func (b *Bot) handleOrders(ctx context.Context, svc *app.Service, args []string) {
	if len(args) < 1 {
		b.reply(ctx, "Usage: /orders SYMBOL [limit]")
		return
	}
	symbol := strings.ToUpper(args[0])
	limit := 10
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			limit = n
		}
	}
	orders, err := svc.RecentOrders(ctx, symbol, limit)
	if err != nil {
		b.replyError(ctx, err)
		return
	}
	b.reply(ctx, formatOrders(symbol, orders))
}

func (b *Bot) handleAddTrade(ctx context.Context, svc *app.Service, args []string) {
	if len(args) != 3 {
		b.reply(ctx, "Usage: /addtrade SYMBOL PRICE QUANTITY")
		return
	}
	symbol := strings.ToUpper(args[0])
	price, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		b.reply(ctx, fmt.Sprintf("Bad price %q", args[1]))
		return
	}
	quantity, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		b.reply(ctx, fmt.Sprintf("Bad quantity %q", args[2]))
		return
	}
	order, err := svc.AddManualTrade(ctx, symbol, price, quantity)
	if err != nil {
		b.replyError(ctx, err)
		return
	}
	b.reply(ctx, fmt.Sprintf("📝 Manual trade recorded: %s %.6f @ %.2f (order #%d)",
		symbol, order.Quantity, order.Price, order.ID))
}

func (b *Bot) handleSetTPSL(ctx context.Context, svc *app.Service, args []string) {
	switch {
	case len(args) == 1 && args[0] == "off":
		if err := svc.SetTPSL(ctx, false, 0, 0); err != nil {
			b.replyError(ctx, err)
			return
		}
		b.reply(ctx, "🎚 Fixed TP/SL disabled for future entries.")
	case len(args) == 3 && args[0] == "on":
		tp, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			b.reply(ctx, fmt.Sprintf("Bad take-profit percent %q", args[1]))
			return
		}
		sl, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			b.reply(ctx, fmt.Sprintf("Bad stop-loss percent %q", args[2]))
			return
		}
		if err := svc.SetTPSL(ctx, true, tp, sl); err != nil {
			b.replyError(ctx, err)
			return
		}
		b.reply(ctx, fmt.Sprintf("🎚 Fixed exits on: TP +%.2f%%, SL -%.2f%% of average entry.", tp, sl))
	default:
		b.reply(ctx, "Usage: /set_tpsl on TP_PERCENT SL_PERCENT | /set_tpsl off")
	}
}

func (b *Bot) reply(ctx context.Context, text string) {
	b.Notify(ctx, text)
}

func (b *Bot) replyError(ctx context.Context, err error) {
	b.reply(ctx, fmt.Sprintf("❌ %v", err))
}

const helpText = `Commands:
/status - bot state, balance, pending orders
/balance - free balance
/orders SYMBOL [n] - recent orders
/positions - open positions
/thresholds - threshold states per timeframe
/pausebot - stop new entries
/resumebot - resume entries
/resetthresholds [reanchor] - clear triggered levels
/addtrade SYMBOL PRICE QTY - record a manual fill
/addsymbol SYMBOL - start watching a pair
/removesymbol SYMBOL - stop watching, cancel open orders
/set_lower_entries on|off - toggle average-entry protection
/set_tpsl on TP SL - enable fixed exits at +TP%/-SL%
/set_tpsl off - disable fixed exits`

func formatStatus(st app.Status) string {
	var sb strings.Builder
	if st.Paused {
		sb.WriteString("⏸ Paused\n")
	} else {
		sb.WriteString("▶️ Running\n")
	}
	fmt.Fprintf(&sb, "Balance: %.2f (reserve %.2f)\n", st.Balance, st.Reserve)
	if st.InCooldown {
		sb.WriteString("🧊 Balance guard cooldown active\n")
	}
	if st.TPSLEnabled {
		fmt.Fprintf(&sb, "Exits: TP +%.2f%% / SL -%.2f%%\n", st.TakeProfitPercent, st.StopLossPercent)
	}
	if st.OnlyLowerEntries {
		sb.WriteString("🔒 Only-lower-entries protection on\n")
	}
	fmt.Fprintf(&sb, "Symbols: %d, pending orders: %d, open positions: %d",
		len(st.Symbols), len(st.PendingOrders), len(st.Positions))
	for _, sym := range st.Symbols {
		if sym.Invalid {
			fmt.Fprintf(&sb, "\n🚫 %s invalid: %s", sym.Name, sym.Reason)
		}
	}
	return sb.String()
}

func formatPositions(positions []domain.Position) string {
	if len(positions) == 0 {
		return "📊 No open positions."
	}
	var sb strings.Builder
	sb.WriteString("📊 Open positions:")
	for _, p := range positions {
		fmt.Fprintf(&sb, "\n%s: %.6f @ avg %.2f (cost %.2f)", p.Symbol, p.Quantity, p.AvgEntryPrice, p.CostBasis)
	}
	return sb.String()
}

func formatThresholds(states []domain.ThresholdState) string {
	if len(states) == 0 {
		return "No threshold state tracked yet."
	}
	var sb strings.Builder
	sb.WriteString("🎯 Thresholds:")
	for _, st := range states {
		fmt.Fprintf(&sb, "\n%s %s: ref %.2f, fired %v of %v", st.Symbol, st.Timeframe,
			st.ReferencePrice, st.Triggered, st.Levels)
	}
	return sb.String()
}

func formatOrders(symbol string, orders []*domain.Order) string {
	if len(orders) == 0 {
		return fmt.Sprintf("No orders recorded for %s.", symbol)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📑 Recent %s orders:", symbol)
	for _, o := range orders {
		fmt.Fprintf(&sb, "\n#%d %s %s %.6f @ %.2f [%s]", o.ID, o.Side, o.Kind, o.Quantity, o.Price, o.Status)
		if o.Threshold > 0 {
			fmt.Fprintf(&sb, " %.1f%%/%s", o.Threshold, o.Timeframe)
		}
		if o.IsManual {
			sb.WriteString(" manual")
		}
	}
	return sb.String()
}

var _ ports.Notifier = (*Bot)(nil)
