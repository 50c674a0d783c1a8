package lifecycle

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"futures-trader/internal/exchange"
	"futures-trader/internal/pending"
)

// ExpirySweep 处理超过有效期仍未完全成交的入场挂单：
// 未成交的撤单并清理意图，部分成交的撤掉剩余并为已成交部分补保护。
// 全程幂等，重复执行不产生副作用。
func (m *Manager) ExpirySweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.pending.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var errs error
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		if err := m.expireEntry(ctx, entry); err != nil {
			m.logger.Error("过期处理失败", zap.String("pair", entry.Pair), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m *Manager) expireEntry(ctx context.Context, entry pending.Entry) error {
	order, err := m.client.FetchOrder(ctx, entry.Pair, entry.OrderID)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			return m.pending.Delete(entry.Pair)
		}
		return err
	}

	if !m.live {
		m.logger.Info("模拟模式：跳过过期处理", zap.String("pair", entry.Pair))
		return nil
	}

	// 交易所已报告终态（成交或撤销）的订单无需再撤，撤已终结订单只会换来报错。
	done := strings.EqualFold(order.Status, exchange.OrderStatusClosed) ||
		strings.EqualFold(order.Status, exchange.OrderStatusCanceled)
	if !done {
		if err := m.client.CancelOrder(ctx, entry.Pair, entry.OrderID); err != nil {
			return err
		}
	}

	if order.Filled > 0 {
		// 部分成交：为已成交部分补保护，数量按成交比例缩放。
		m.logger.Info("过期挂单存在部分成交，补挂保护",
			zap.String("pair", entry.Pair),
			zap.Float64("filled", order.Filled),
			zap.Float64("qty", entry.Qty),
		)
		if err := m.protect(ctx, entry, order.Filled); err != nil {
			return err
		}
	}

	if err := m.pending.Delete(entry.Pair); err != nil {
		return err
	}

	m.logger.Info("过期入场挂单已清理",
		zap.String("pair", entry.Pair),
		zap.String("order_id", entry.OrderID),
		zap.Float64("filled", order.Filled),
	)
	m.events.Record(ctx, "entry_expired", entry.Pair, map[string]interface{}{
		"order_id": entry.OrderID,
		"filled":   order.Filled,
	})
	return nil
}

// MaintenanceSweep 执行三类孤儿清理：
//  1. 无对应持仓的保护性订单 -> 撤单；
//  2. 本地未追踪且超龄的入场挂单 -> 撤单；
//  3. 无止损保护的持仓 -> 以入场价补挂止损。
func (m *Manager) MaintenanceSweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions, err := m.client.FetchPositions(ctx)
	if err != nil {
		return err
	}
	posBySymbol := make(map[string]exchange.Position, len(positions))
	for _, pos := range positions {
		posBySymbol[pos.Symbol] = pos
	}

	orders, err := m.client.FetchOpenOrders(ctx, "")
	if err != nil {
		return err
	}

	entries, err := m.pending.List()
	if err != nil {
		return err
	}
	trackedOrders := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		trackedOrders[entry.OrderID] = struct{}{}
	}

	var errs error
	errs = multierr.Append(errs, m.cleanOrphanProtections(ctx, orders, posBySymbol))
	errs = multierr.Append(errs, m.cleanStaleEntries(ctx, orders, trackedOrders))
	errs = multierr.Append(errs, m.reprotectNakedPositions(ctx, positions, orders))
	return errs
}

// cleanOrphanProtections 撤销没有对应持仓的止损/止盈订单。
func (m *Manager) cleanOrphanProtections(ctx context.Context, orders []exchange.Order, positions map[string]exchange.Position) error {
	var errs error
	for _, order := range orders {
		if !isProtectionOrder(order) {
			continue
		}
		if _, ok := positions[order.Symbol]; ok {
			continue
		}

		if !m.live {
			m.logger.Info("模拟模式：跳过孤儿保护单清理", zap.String("pair", order.Symbol))
			continue
		}

		if err := m.client.CancelOrder(ctx, order.Symbol, order.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.logger.Info("已撤销孤儿保护单",
			zap.String("pair", order.Symbol),
			zap.String("order_id", order.ID),
			zap.String("type", order.Type),
		)
		m.events.Record(ctx, "orphan_cleaned", order.Symbol, map[string]interface{}{
			"order_id": order.ID,
			"kind":     "protection_without_position",
		})
	}
	return errs
}

// cleanStaleEntries 撤销本地意图之外、挂龄超过阈值的普通委托。
func (m *Manager) cleanStaleEntries(ctx context.Context, orders []exchange.Order, tracked map[string]struct{}) error {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleOrderAge)

	var errs error
	for _, order := range orders {
		if isProtectionOrder(order) {
			continue
		}
		if !strings.EqualFold(order.Type, exchange.OrderTypeLimit) {
			continue
		}
		if _, ok := tracked[order.ID]; ok {
			continue
		}
		if order.CreatedAt.IsZero() || order.CreatedAt.After(cutoff) {
			continue
		}

		if !m.live {
			m.logger.Info("模拟模式：跳过超龄挂单清理", zap.String("pair", order.Symbol))
			continue
		}

		if err := m.client.CancelOrder(ctx, order.Symbol, order.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.logger.Info("已撤销超龄未追踪挂单",
			zap.String("pair", order.Symbol),
			zap.String("order_id", order.ID),
			zap.Time("created_at", order.CreatedAt),
		)
		m.events.Record(ctx, "orphan_cleaned", order.Symbol, map[string]interface{}{
			"order_id": order.ID,
			"kind":     "stale_untracked_entry",
		})
	}
	return errs
}

// reprotectNakedPositions 为没有任何止损单的持仓以入场价补挂整仓止损。
// 价格已经跌破入场的仓位会因此立即离场，这正是无保护仓位需要的兜底。
func (m *Manager) reprotectNakedPositions(ctx context.Context, positions []exchange.Position, orders []exchange.Order) error {
	stopsBySymbol := make(map[string]struct{})
	for _, order := range orders {
		if isStopOrder(order) {
			stopsBySymbol[order.Symbol] = struct{}{}
		}
	}

	var errs error
	for _, pos := range positions {
		if _, ok := stopsBySymbol[pos.Symbol]; ok {
			continue
		}
		if pos.EntryPrice <= 0 || math.Abs(pos.Contracts) == 0 {
			continue
		}

		if !m.live {
			m.logger.Info("模拟模式：跳过裸仓位补保护", zap.String("pair", pos.Symbol))
			continue
		}

		if _, err := m.client.CreateStopMarket(ctx, pos.Symbol, exitSide(pos), pos.EntryPrice); err != nil {
			if exchange.IsMaxStopOrders(err) {
				errs = multierr.Append(errs, m.emergencyClose(ctx, pos.Symbol, pos, "reprotect rejected"))
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}

		m.logger.Warn("发现裸仓位，已补挂入场价止损",
			zap.String("pair", pos.Symbol),
			zap.Float64("entry", pos.EntryPrice),
		)
		m.events.Record(ctx, "orphan_cleaned", pos.Symbol, map[string]interface{}{
			"kind": "naked_position_reprotected",
			"sl":   pos.EntryPrice,
		})
	}
	return errs
}
