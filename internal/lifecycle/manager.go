package lifecycle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"futures-trader/internal/config"
	"futures-trader/internal/exchange"
	"futures-trader/internal/oracle"
	"futures-trader/internal/pending"
	"futures-trader/internal/sizing"
)

// ExchangeClient 为生命周期管理所需的交易所操作集合。
type ExchangeClient interface {
	FetchBalance(ctx context.Context, asset string) (exchange.Balance, error)
	FetchPositions(ctx context.Context) ([]exchange.Position, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CreateLimitOrder(ctx context.Context, symbol, side string, amount, price float64, params map[string]interface{}) (exchange.Order, error)
	CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, params map[string]interface{}) (exchange.Order, error)
	CreateStopMarket(ctx context.Context, symbol, side string, stopPrice float64) (exchange.Order, error)
	CreateTakeProfitMarket(ctx context.Context, symbol, side string, amount, stopPrice float64) (exchange.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int64) error
	MarketMeta(ctx context.Context, symbol string) (exchange.MarketMeta, error)
}

type eventSink interface {
	Record(ctx context.Context, eventType, symbol string, detail map[string]interface{})
}

// Manager 负责仓位全生命周期：入场、保护、保本、过期与孤儿清理。
// 所有交易所变更操作都在同一把互斥锁内执行，避免周期任务之间互相踩踏。
type Manager struct {
	client  ExchangeClient
	pending *pending.Store
	events  eventSink
	cfg     config.TradeConfig
	quote   string
	live    bool
	logger  *zap.Logger

	mu sync.Mutex
}

// NewManager 创建生命周期管理器；live 为 false 时所有变更只记录日志。
func NewManager(client ExchangeClient, store *pending.Store, events eventSink, cfg config.TradeConfig, quote string, live bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:  client,
		pending: store,
		events:  events,
		cfg:     cfg,
		quote:   quote,
		live:    live,
		logger:  logger,
	}
}

// ExecutePlan 执行一份模型计划。单条指令失败不阻断其余指令，错误最终汇总返回。
func (m *Manager) ExecutePlan(ctx context.Context, plan oracle.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions, err := m.client.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %w", err)
	}
	posBySymbol := make(map[string]exchange.Position, len(positions))
	for _, pos := range positions {
		posBySymbol[pos.Symbol] = pos
	}

	pendings, err := m.pending.List()
	if err != nil {
		return fmt.Errorf("读取挂单意图失败: %w", err)
	}
	pendingPairs := make(map[string]struct{}, len(pendings))
	for _, entry := range pendings {
		pendingPairs[entry.Pair] = struct{}{}
	}

	openSlots := len(posBySymbol) + len(pendingPairs)

	var errs error
	for _, action := range plan.Actions {
		var actionErr error
		switch action.Action {
		case oracle.ActionOpen:
			opened, err := m.openEntry(ctx, action, posBySymbol, pendingPairs, openSlots)
			if opened {
				if _, ok := pendingPairs[action.Pair]; !ok {
					openSlots++
				}
				pendingPairs[action.Pair] = struct{}{}
			}
			actionErr = err
		case oracle.ActionClose:
			actionErr = m.closePosition(ctx, action.Pair, posBySymbol)
		case oracle.ActionClosePartial:
			actionErr = m.closePartial(ctx, action.Pair, action.Percent, posBySymbol)
		case oracle.ActionMoveStop:
			actionErr = m.moveStop(ctx, action.Pair, action.StopLoss, posBySymbol)
		case oracle.ActionCancel:
			actionErr = m.cancelEntry(ctx, action.Pair)
		case oracle.ActionHold:
			// 无操作。
		default:
			actionErr = fmt.Errorf("未知指令: %s", action.Action)
		}

		if actionErr != nil {
			m.logger.Error("指令执行失败",
				zap.String("pair", action.Pair),
				zap.String("action", string(action.Action)),
				zap.Error(actionErr),
			)
			errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", action.Action, action.Pair, actionErr))
		}
	}

	return errs
}

func (m *Manager) openEntry(ctx context.Context, action oracle.Action, positions map[string]exchange.Position, pendingPairs map[string]struct{}, openSlots int) (bool, error) {
	symbol := action.Pair

	if _, ok := positions[symbol]; ok {
		m.logger.Warn("已有持仓，跳过开仓指令", zap.String("pair", symbol))
		return false, nil
	}
	// 同合约已有待成交挂单时，新意图取代旧意图：旧单撤销、旧记录删除。
	_, superseding := pendingPairs[symbol]
	if !superseding && openSlots >= m.cfg.MaxOpenPositions {
		m.logger.Warn("仓位数量已达上限，跳过开仓指令",
			zap.String("pair", symbol),
			zap.Int("open_slots", openSlots),
		)
		return false, nil
	}

	side := strings.ToLower(strings.TrimSpace(action.Side))
	if side == "" {
		inferred, err := sizing.InferSide(action.Limit, action.StopLoss)
		if err != nil {
			return false, err
		}
		side = inferred
	}

	meta, err := m.client.MarketMeta(ctx, symbol)
	if err != nil {
		return false, err
	}

	balance, err := m.client.FetchBalance(ctx, m.quote)
	if err != nil {
		return false, err
	}

	risk := action.RiskFraction
	if risk <= 0 {
		risk = m.cfg.DefaultRiskFraction
	}

	qty, err := sizing.CalcQty(balance.Equity, risk, action.Limit, action.StopLoss, meta)
	if err != nil {
		return false, err
	}
	if qty <= 0 {
		m.logger.Warn("计算数量为0，跳过开仓",
			zap.String("pair", symbol),
			zap.Float64("equity", balance.Equity),
			zap.Float64("risk", risk),
		)
		return false, nil
	}

	takeProfits := action.TakeProfits()
	legs := sizing.SplitLegs(qty, m.legSplits(len(takeProfits)), meta.AmountStep)

	if !m.live {
		m.logger.Info("模拟模式：跳过入场下单",
			zap.String("pair", symbol),
			zap.String("side", side),
			zap.Float64("qty", qty),
			zap.Float64("limit", action.Limit),
			zap.Float64("sl", action.StopLoss),
		)
		return false, nil
	}

	if superseding {
		if err := m.supersedePending(ctx, symbol); err != nil {
			return false, err
		}
	}

	// 杠杆按本单名义价值的需求设置，失败不阻断入场（沿用账户当前杠杆）。
	needed := int64(math.Ceil(qty * action.Limit * meta.ContractSize / balance.Equity))
	if needed < 1 {
		needed = 1
	}
	if max := int64(meta.MaxLeverage); max > 0 && needed > max {
		needed = max
	}
	if err := m.client.SetLeverage(ctx, symbol, needed); err != nil {
		m.logger.Warn("设置杠杆失败", zap.String("pair", symbol), zap.Int64("leverage", needed), zap.Error(err))
	}

	order, err := m.client.CreateLimitOrder(ctx, symbol, side, qty, action.Limit, map[string]interface{}{
		"timeInForce": "GTC",
	})
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	entry := pending.Entry{
		Pair:      symbol,
		OrderID:   order.ID,
		Side:      side,
		Limit:     action.Limit,
		Qty:       qty,
		StopLoss:  action.StopLoss,
		TP1:       action.TP1,
		TP2:       action.TP2,
		TP3:       action.TP3,
		LegQtys:   legs,
		ExpiresAt: now.Add(m.cfg.EntryExpiry),
		CreatedAt: now,
	}
	if err := m.pending.Save(entry); err != nil {
		// 挂单已经提交，但意图落盘失败：撤掉挂单避免失去追踪。
		m.logger.Error("挂单意图落盘失败，撤销入场单", zap.String("pair", symbol), zap.Error(err))
		if cancelErr := m.client.CancelOrder(ctx, symbol, order.ID); cancelErr != nil {
			return false, multierr.Append(err, cancelErr)
		}
		return false, err
	}

	m.logger.Info("入场挂单已提交",
		zap.String("pair", symbol),
		zap.String("side", side),
		zap.String("order_id", order.ID),
		zap.Float64("qty", qty),
		zap.Float64("limit", action.Limit),
	)
	m.events.Record(ctx, "entry_placed", symbol, map[string]interface{}{
		"order_id": order.ID,
		"side":     side,
		"qty":      qty,
		"limit":    action.Limit,
		"sl":       action.StopLoss,
	})
	return true, nil
}

func (m *Manager) closePosition(ctx context.Context, symbol string, positions map[string]exchange.Position) error {
	pos, ok := positions[symbol]
	if !ok {
		m.logger.Warn("无持仓可平，跳过平仓指令", zap.String("pair", symbol))
		return m.pending.Delete(symbol)
	}

	if !m.live {
		m.logger.Info("模拟模式：跳过平仓", zap.String("pair", symbol))
		return nil
	}

	if err := m.cancelProtectionOrders(ctx, symbol); err != nil {
		return err
	}

	amount := math.Abs(pos.Contracts)
	_, err := m.client.CreateMarketOrder(ctx, symbol, exitSide(pos), amount, map[string]interface{}{
		"reduceOnly": true,
	})
	if err != nil {
		return err
	}

	if err := m.pending.Delete(symbol); err != nil {
		return err
	}

	m.logger.Info("持仓已市价平仓",
		zap.String("pair", symbol),
		zap.Float64("contracts", amount),
		zap.Float64("unrealized_pnl", pos.UnrealizedPnl),
	)
	m.events.Record(ctx, "position_closed", symbol, map[string]interface{}{
		"contracts": amount,
		"pnl":       pos.UnrealizedPnl,
	})
	return nil
}

// closePartial 市价平掉仓位的 percent% 并保持剩余仓位的保护单不动。
// 折算数量向下取整到数量步进，比例覆盖全仓时退化为整仓平仓。
func (m *Manager) closePartial(ctx context.Context, symbol string, percent float64, positions map[string]exchange.Position) error {
	pos, ok := positions[symbol]
	if !ok {
		m.logger.Warn("无持仓可减仓，跳过部分平仓指令", zap.String("pair", symbol))
		return nil
	}

	total := math.Abs(pos.Contracts)
	meta, err := m.client.MarketMeta(ctx, symbol)
	if err != nil {
		return err
	}

	amount := sizing.FloorToStep(total*percent/100, meta.AmountStep)
	if amount <= 0 {
		m.logger.Warn("部分平仓数量取整后为0，跳过",
			zap.String("pair", symbol),
			zap.Float64("pct", percent),
			zap.Float64("contracts", total),
		)
		return nil
	}
	if amount >= total {
		return m.closePosition(ctx, symbol, positions)
	}

	if !m.live {
		m.logger.Info("模拟模式：跳过部分平仓",
			zap.String("pair", symbol),
			zap.Float64("pct", percent),
			zap.Float64("amount", amount),
		)
		return nil
	}

	_, err = m.client.CreateMarketOrder(ctx, symbol, exitSide(pos), amount, map[string]interface{}{
		"reduceOnly": true,
	})
	if err != nil {
		return err
	}

	m.logger.Info("持仓已部分平仓",
		zap.String("pair", symbol),
		zap.Float64("pct", percent),
		zap.Float64("amount", amount),
		zap.Float64("remaining", total-amount),
	)
	m.events.Record(ctx, "position_closed", symbol, map[string]interface{}{
		"contracts": amount,
		"pct":       percent,
		"partial":   true,
	})
	return nil
}

// supersedePending 撤销同合约的旧入场挂单并删除本地意图，为新入场让路。
func (m *Manager) supersedePending(ctx context.Context, symbol string) error {
	entry, err := m.pending.Load(symbol)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	if err := m.client.CancelOrder(ctx, symbol, entry.OrderID); err != nil && !exchange.IsOrderMissing(err) {
		return err
	}
	if err := m.pending.Delete(symbol); err != nil {
		return err
	}

	m.logger.Info("旧入场挂单已被新指令取代",
		zap.String("pair", symbol),
		zap.String("order_id", entry.OrderID),
	)
	m.events.Record(ctx, "entry_canceled", symbol, map[string]interface{}{
		"order_id": entry.OrderID,
		"reason":   "superseded",
	})
	return nil
}

func (m *Manager) moveStop(ctx context.Context, symbol string, newStop float64, positions map[string]exchange.Position) error {
	pos, ok := positions[symbol]
	if !ok {
		m.logger.Warn("无持仓，跳过移动止损", zap.String("pair", symbol))
		return nil
	}

	long := isLong(pos)
	mark := pos.MarkPrice
	if mark > 0 {
		if long && newStop >= mark {
			return fmt.Errorf("做多止损 %f 不能高于标记价 %f", newStop, mark)
		}
		if !long && newStop <= mark {
			return fmt.Errorf("做空止损 %f 不能低于标记价 %f", newStop, mark)
		}
	}

	if !m.live {
		m.logger.Info("模拟模式：跳过移动止损", zap.String("pair", symbol), zap.Float64("sl", newStop))
		return nil
	}

	if err := m.cancelStopOrders(ctx, symbol); err != nil {
		return err
	}

	if _, err := m.client.CreateStopMarket(ctx, symbol, exitSide(pos), newStop); err != nil {
		if exchange.IsMaxStopOrders(err) {
			return m.emergencyClose(ctx, symbol, pos, "move_sl rejected")
		}
		return err
	}

	m.logger.Info("止损已更新", zap.String("pair", symbol), zap.Float64("sl", newStop))
	m.events.Record(ctx, "stop_moved", symbol, map[string]interface{}{"sl": newStop})
	return nil
}

func (m *Manager) cancelEntry(ctx context.Context, symbol string) error {
	entry, err := m.pending.Load(symbol)
	if err != nil {
		return err
	}
	if entry == nil {
		m.logger.Warn("无待成交挂单，跳过撤单指令", zap.String("pair", symbol))
		return nil
	}

	if !m.live {
		m.logger.Info("模拟模式：跳过撤单", zap.String("pair", symbol))
		return nil
	}

	if err := m.client.CancelOrder(ctx, symbol, entry.OrderID); err != nil {
		return err
	}
	if err := m.pending.Delete(symbol); err != nil {
		return err
	}

	m.logger.Info("入场挂单已撤销", zap.String("pair", symbol), zap.String("order_id", entry.OrderID))
	m.events.Record(ctx, "entry_canceled", symbol, map[string]interface{}{"order_id": entry.OrderID})
	return nil
}

// cancelProtectionOrders 撤销某合约全部保护性订单（止损与止盈）。
func (m *Manager) cancelProtectionOrders(ctx context.Context, symbol string) error {
	orders, err := m.client.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if !isProtectionOrder(order) {
			continue
		}
		if err := m.client.CancelOrder(ctx, symbol, order.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) cancelStopOrders(ctx context.Context, symbol string) error {
	orders, err := m.client.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if !isStopOrder(order) {
			continue
		}
		if err := m.client.CancelOrder(ctx, symbol, order.ID); err != nil {
			return err
		}
	}
	return nil
}

// emergencyClose 在无法挂出保护单时市价离场，避免裸露仓位。
func (m *Manager) emergencyClose(ctx context.Context, symbol string, pos exchange.Position, reason string) error {
	m.logger.Error("保护单被拒，执行应急平仓",
		zap.String("pair", symbol),
		zap.String("reason", reason),
	)

	if err := m.cancelProtectionOrders(ctx, symbol); err != nil {
		m.logger.Warn("应急平仓前撤单失败", zap.String("pair", symbol), zap.Error(err))
	}

	_, err := m.client.CreateMarketOrder(ctx, symbol, exitSide(pos), math.Abs(pos.Contracts), map[string]interface{}{
		"reduceOnly": true,
	})
	if err != nil {
		return fmt.Errorf("应急平仓失败: %w", err)
	}

	m.events.Record(ctx, "protect_failed", symbol, map[string]interface{}{
		"reason": reason,
		"closed": true,
	})
	return nil
}

// legSplits 依据止盈档位数量返回分腿比例，缺档位时把剩余比例并入最后一腿。
func (m *Manager) legSplits(tpCount int) []float64 {
	splits := m.cfg.TakeProfitSplits
	if tpCount <= 0 {
		return nil
	}
	if len(splits) == 0 {
		splits = []float64{0.2, 0.3, 0.5}
	}
	if tpCount >= len(splits) {
		return splits
	}

	merged := make([]float64, tpCount)
	copy(merged, splits[:tpCount])
	for _, extra := range splits[tpCount:] {
		merged[tpCount-1] += extra
	}
	return merged
}

func isLong(pos exchange.Position) bool {
	if pos.Side != "" {
		return strings.EqualFold(pos.Side, "long")
	}
	return pos.Contracts > 0
}

func exitSide(pos exchange.Position) string {
	if isLong(pos) {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func isStopOrder(order exchange.Order) bool {
	return strings.EqualFold(order.Type, exchange.OrderTypeStopMarket) ||
		(order.ClosePosition && order.StopPrice > 0)
}

func isTakeProfitOrder(order exchange.Order) bool {
	return strings.EqualFold(order.Type, exchange.OrderTypeTakeProfitMarket)
}

func isProtectionOrder(order exchange.Order) bool {
	return isStopOrder(order) || isTakeProfitOrder(order) || order.ReduceOnly || order.ClosePosition
}
