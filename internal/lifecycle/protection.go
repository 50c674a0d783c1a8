package lifecycle

import (
	"context"
	"errors"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"futures-trader/internal/exchange"
	"futures-trader/internal/pending"
	"futures-trader/internal/sizing"
)

// ProtectionSweep 扫描待成交挂单：已成交的补挂止损与分腿止盈，
// 订单已消失的清理本地意图；随后对受保护仓位执行保本检查。
func (m *Manager) ProtectionSweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.pending.List()
	if err != nil {
		return err
	}

	var errs error
	for _, entry := range entries {
		if err := m.checkPendingFill(ctx, entry); err != nil {
			m.logger.Error("成交检查失败", zap.String("pair", entry.Pair), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	if err := m.breakEvenPass(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}

func (m *Manager) checkPendingFill(ctx context.Context, entry pending.Entry) error {
	order, err := m.client.FetchOrder(ctx, entry.Pair, entry.OrderID)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			// 订单在交易所侧已消失（人工撤单或重启丢失），本地意图作废。
			m.logger.Warn("入场单已不存在，清理挂单意图",
				zap.String("pair", entry.Pair),
				zap.String("order_id", entry.OrderID),
			)
			m.events.Record(ctx, "orphan_cleaned", entry.Pair, map[string]interface{}{
				"order_id": entry.OrderID,
				"kind":     "pending_without_order",
			})
			return m.pending.Delete(entry.Pair)
		}
		return err
	}

	fullyFilled := order.Status == exchange.OrderStatusClosed ||
		(order.Filled > 0 && order.Remaining == 0)
	if !fullyFilled {
		return nil
	}

	filled := order.Filled
	if filled <= 0 {
		filled = entry.Qty
	}

	if err := m.protect(ctx, entry, filled); err != nil {
		return err
	}
	return m.pending.Delete(entry.Pair)
}

// protect 为成交仓位挂出整仓止损与分腿止盈。
// 止损被交易所以数量上限拒绝时触发应急平仓，止盈失败只降级告警。
func (m *Manager) protect(ctx context.Context, entry pending.Entry, filled float64) error {
	symbol := entry.Pair
	exit := oppositeOf(entry.Side)

	if !m.live {
		m.logger.Info("模拟模式：跳过保护单", zap.String("pair", symbol))
		return nil
	}

	if _, err := m.client.CreateStopMarket(ctx, symbol, exit, entry.StopLoss); err != nil {
		if exchange.IsMaxStopOrders(err) {
			pos := exchange.Position{Symbol: symbol, Side: sideToDirection(entry.Side), Contracts: filled}
			return m.emergencyClose(ctx, symbol, pos, "stop rejected: max stop orders")
		}
		return err
	}

	takeProfits := entry.TakeProfits()
	legs := m.scaleLegs(ctx, entry, filled, len(takeProfits))

	for i, tp := range takeProfits {
		if i >= len(legs) || legs[i] <= 0 {
			continue
		}
		if _, err := m.client.CreateTakeProfitMarket(ctx, symbol, exit, legs[i], tp); err != nil {
			// 止损已就位，止盈失败不致命。
			m.logger.Warn("止盈挂单失败",
				zap.String("pair", symbol),
				zap.Int("leg", i+1),
				zap.Float64("tp", tp),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("仓位保护已就位",
		zap.String("pair", symbol),
		zap.Float64("filled", filled),
		zap.Float64("sl", entry.StopLoss),
		zap.Int("tp_legs", len(takeProfits)),
	)
	m.events.Record(ctx, "protected", symbol, map[string]interface{}{
		"filled":  filled,
		"sl":      entry.StopLoss,
		"tp_legs": len(takeProfits),
	})
	return nil
}

// scaleLegs 在部分成交时按比例缩放原始分腿数量。
func (m *Manager) scaleLegs(ctx context.Context, entry pending.Entry, filled float64, tpCount int) []float64 {
	if tpCount == 0 {
		return nil
	}

	step := 0.0
	if meta, err := m.client.MarketMeta(ctx, entry.Pair); err == nil {
		step = meta.AmountStep
	}

	if len(entry.LegQtys) == tpCount && entry.Qty > 0 && filled < entry.Qty {
		ratios := make([]float64, tpCount)
		for i, leg := range entry.LegQtys {
			ratios[i] = leg / entry.Qty
		}
		return sizing.SplitLegs(filled, ratios, step)
	}
	if len(entry.LegQtys) == tpCount {
		return entry.LegQtys
	}
	return sizing.SplitLegs(filled, m.legSplits(tpCount), step)
}

// breakEvenPass 对每个带止损的仓位检查保本条件：
// 价格向有利方向运行超过一个初始风险单位时，部分止盈并把止损移至入场价。
// 止损已位于入场价容差内时跳过，保证重复执行安全。
func (m *Manager) breakEvenPass(ctx context.Context) error {
	positions, err := m.client.FetchPositions(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, pos := range positions {
		if err := m.checkBreakEven(ctx, pos); err != nil {
			m.logger.Error("保本检查失败", zap.String("pair", pos.Symbol), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m *Manager) checkBreakEven(ctx context.Context, pos exchange.Position) error {
	if pos.EntryPrice <= 0 || pos.MarkPrice <= 0 {
		return nil
	}

	orders, err := m.client.FetchOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	var stop *exchange.Order
	for i := range orders {
		if isStopOrder(orders[i]) {
			stop = &orders[i]
			break
		}
	}
	if stop == nil || stop.StopPrice <= 0 {
		// 裸仓位由维护扫描处理。
		return nil
	}

	entry := pos.EntryPrice
	tolerance := entry * m.cfg.BreakEvenTolerance
	if math.Abs(stop.StopPrice-entry) <= tolerance {
		return nil
	}

	risk := math.Abs(entry - stop.StopPrice)
	long := isLong(pos)

	triggered := false
	if long && pos.MarkPrice >= entry+risk {
		triggered = true
	}
	if !long && pos.MarkPrice <= entry-risk {
		triggered = true
	}
	if !triggered {
		return nil
	}

	if !m.live {
		m.logger.Info("模拟模式：跳过保本操作", zap.String("pair", pos.Symbol))
		return nil
	}

	closeQty := math.Abs(pos.Contracts) * m.cfg.BreakEvenFraction
	if meta, err := m.client.MarketMeta(ctx, pos.Symbol); err == nil {
		closeQty = sizing.FloorToStep(closeQty, meta.AmountStep)
	}

	if closeQty > 0 {
		if _, err := m.client.CreateMarketOrder(ctx, pos.Symbol, exitSide(pos), closeQty, map[string]interface{}{
			"reduceOnly": true,
		}); err != nil {
			return err
		}
	}

	if err := m.client.CancelOrder(ctx, pos.Symbol, stop.ID); err != nil {
		return err
	}
	if _, err := m.client.CreateStopMarket(ctx, pos.Symbol, exitSide(pos), entry); err != nil {
		if exchange.IsMaxStopOrders(err) {
			return m.emergencyClose(ctx, pos.Symbol, pos, "break-even stop rejected")
		}
		return err
	}

	m.logger.Info("已执行保本操作",
		zap.String("pair", pos.Symbol),
		zap.Float64("closed_qty", closeQty),
		zap.Float64("new_sl", entry),
	)
	m.events.Record(ctx, "break_even", pos.Symbol, map[string]interface{}{
		"closed_qty": closeQty,
		"new_sl":     entry,
	})
	return nil
}

func oppositeOf(side string) string {
	if side == exchange.SideBuy {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func sideToDirection(side string) string {
	if side == exchange.SideBuy {
		return "long"
	}
	return "short"
}
