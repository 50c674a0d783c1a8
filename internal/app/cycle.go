package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"futures-trader/internal/exchange"
	"futures-trader/internal/monitor"
	"futures-trader/internal/oracle"
)

// runCycle 执行一轮完整决策：
// 选取标的池、采集快照、汇总账户状态、请求模型计划并执行。
// 已有持仓或挂单的合约不参与新标的筛选，但始终保留在快照与账户上下文中，
// 使模型能够对其下达平仓、移动止损或撤单指令。
func (a *App) runCycle(ctx context.Context) error {
	start := time.Now()
	a.events.Record(ctx, monitor.EventCycleStart, "", nil)

	positions, err := a.client.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %w", err)
	}

	pendings, err := a.pending.List()
	if err != nil {
		return fmt.Errorf("读取挂单意图失败: %w", err)
	}

	held := make(map[string]struct{}, len(positions)+len(pendings))
	for _, pos := range positions {
		held[pos.Symbol] = struct{}{}
	}
	for _, entry := range pendings {
		held[entry.Pair] = struct{}{}
	}

	selected, err := a.selector.Select(ctx, held)
	if err != nil {
		return fmt.Errorf("标的筛选失败: %w", err)
	}

	symbols := make([]string, 0, len(selected)+len(held))
	symbols = append(symbols, selected...)
	for symbol := range held {
		symbols = append(symbols, symbol)
	}

	payloads, err := a.builder.BuildMany(ctx, symbols)
	if err != nil {
		return fmt.Errorf("采集快照失败: %w", err)
	}
	if len(payloads) == 0 {
		a.logger.Warn("本轮无可用快照，跳过决策")
		return nil
	}

	balance, err := a.client.FetchBalance(ctx, a.cfg.Universe.QuoteAsset)
	if err != nil {
		return fmt.Errorf("获取账户余额失败: %w", err)
	}

	// 当前保护单反推出的止损/止盈价让模型在下达 move_sl 前知道现状。
	// 获取失败只会让这两个字段缺席，不中断决策。
	var openOrders []exchange.Order
	if openOrders, err = a.client.FetchOpenOrders(ctx, ""); err != nil {
		a.logger.Warn("获取挂单失败，持仓保护价留空", zap.Error(err))
	}
	stops, takeProfits := protectiveLevels(openOrders)

	account := oracle.AccountState{
		EquityUSDT:    balance.Equity,
		FreeUSDT:      balance.Free,
		Positions:     make([]oracle.PositionRow, 0, len(positions)),
		PendingOrders: make([]oracle.PendingRow, 0, len(pendings)),
	}
	for _, pos := range positions {
		account.Positions = append(account.Positions, oracle.PositionRow{
			Pair:          pos.Symbol,
			Side:          pos.Side,
			Contracts:     pos.Contracts,
			EntryPrice:    pos.EntryPrice,
			MarkPrice:     pos.MarkPrice,
			UnrealizedPnl: pos.UnrealizedPnl,
			StopLoss:      stops[pos.Symbol],
			TakeProfits:   takeProfits[pos.Symbol],
		})
	}
	for _, entry := range pendings {
		account.PendingOrders = append(account.PendingOrders, oracle.PendingRow{
			Pair:      entry.Pair,
			Side:      entry.Side,
			Limit:     entry.Limit,
			StopLoss:  entry.StopLoss,
			ExpiresAt: entry.ExpiresAt,
		})
	}

	plan, err := a.oracle.DecidePlan(ctx, account, payloads)
	if err != nil {
		return fmt.Errorf("模型决策失败: %w", err)
	}

	execErr := a.manager.ExecutePlan(ctx, plan)

	detail := map[string]interface{}{
		"snapshots":  len(payloads),
		"actions":    len(plan.Actions),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if execErr != nil {
		detail["error"] = execErr.Error()
	}
	a.events.Record(ctx, monitor.EventCycleEnd, "", detail)

	a.logger.Info("决策周期完成",
		zap.Int("snapshots", len(payloads)),
		zap.Int("actions", len(plan.Actions)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return execErr
}

// protectiveLevels 从当前挂单推导每个合约的保护价位：
// 止损取条件平仓单的触发价，止盈取 reduceOnly 条件单的触发价集合。
func protectiveLevels(orders []exchange.Order) (map[string]float64, map[string][]float64) {
	stops := make(map[string]float64)
	takeProfits := make(map[string][]float64)

	for _, order := range orders {
		if order.StopPrice <= 0 {
			continue
		}
		switch {
		case strings.EqualFold(order.Type, exchange.OrderTypeStopMarket) || order.ClosePosition:
			stops[order.Symbol] = order.StopPrice
		case strings.EqualFold(order.Type, exchange.OrderTypeTakeProfitMarket) || order.ReduceOnly:
			takeProfits[order.Symbol] = append(takeProfits[order.Symbol], order.StopPrice)
		}
	}

	for symbol := range takeProfits {
		sort.Float64s(takeProfits[symbol])
	}
	return stops, takeProfits
}
