package lifecycle

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"futures-trader/internal/exchange"
	"futures-trader/internal/pending"
)

func pendingEntry(pair, orderID string) pending.Entry {
	now := time.Now().UTC()
	return pending.Entry{
		Pair:      pair,
		OrderID:   orderID,
		Side:      "buy",
		Limit:     150,
		Qty:       10,
		StopLoss:  145,
		TP1:       155,
		TP2:       160,
		TP3:       170,
		LegQtys:   []float64{2, 3, 5},
		ExpiresAt: now.Add(30 * time.Minute),
		CreatedAt: now,
	}
}

func TestProtectionSweepProtectsFilledEntry(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusClosed,
		Filled: 10, Remaining: 0,
	}
	manager, store, sink := newTestManager(t, client, true)
	if err := store.Save(pendingEntry("SOL/USDT:USDT", "entry-1")); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ProtectionSweep(context.Background()); err != nil {
		t.Fatalf("ProtectionSweep 失败: %v", err)
	}

	if len(client.stops) != 1 {
		t.Fatalf("应挂1笔止损, got %d", len(client.stops))
	}
	stop := client.stops[0]
	if stop.side != "sell" || stop.stopPrice != 145 {
		t.Errorf("止损参数不符: %+v", stop)
	}

	if len(client.tps) != 3 {
		t.Fatalf("应挂3腿止盈, got %d", len(client.tps))
	}
	wantLegs := []float64{2, 3, 5}
	wantTPs := []float64{155, 160, 170}
	for i, tp := range client.tps {
		if math.Abs(tp.amount-wantLegs[i]) > 1e-9 || tp.stopPrice != wantTPs[i] {
			t.Errorf("第%d腿不符: %+v", i+1, tp)
		}
	}

	if entry, _ := store.Load("SOL/USDT:USDT"); entry != nil {
		t.Error("保护完成后应清理挂单意图")
	}
	if !sink.has("protected") {
		t.Error("缺少 protected 事件")
	}
}

func TestProtectionSweepLeavesOpenOrderAlone(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusOpen,
		Filled: 0, Remaining: 10,
	}
	manager, store, _ := newTestManager(t, client, true)
	if err := store.Save(pendingEntry("SOL/USDT:USDT", "entry-1")); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ProtectionSweep(context.Background()); err != nil {
		t.Fatalf("ProtectionSweep 失败: %v", err)
	}
	if len(client.stops) != 0 {
		t.Fatal("未成交不应挂保护单")
	}
	if entry, _ := store.Load("SOL/USDT:USDT"); entry == nil {
		t.Fatal("未成交挂单意图不应被清理")
	}
}

func TestProtectionSweepCleansMissingOrder(t *testing.T) {
	client := newFakeClient()
	manager, store, sink := newTestManager(t, client, true)
	if err := store.Save(pendingEntry("SOL/USDT:USDT", "vanished")); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ProtectionSweep(context.Background()); err != nil {
		t.Fatalf("ProtectionSweep 失败: %v", err)
	}
	if entry, _ := store.Load("SOL/USDT:USDT"); entry != nil {
		t.Fatal("订单消失后应清理挂单意图")
	}
	if !sink.has("orphan_cleaned") {
		t.Error("缺少 orphan_cleaned 事件")
	}
}

func TestProtectionSweepMaxStopOrdersTriggersEmergencyClose(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusClosed,
		Filled: 10, Remaining: 0,
	}
	client.stopErr = errors.New(`binance {"code":-4045,"msg":"Reach max stop order limit."}`)
	manager, store, sink := newTestManager(t, client, true)
	if err := store.Save(pendingEntry("SOL/USDT:USDT", "entry-1")); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ProtectionSweep(context.Background()); err != nil {
		t.Fatalf("ProtectionSweep 失败: %v", err)
	}

	if len(client.markets) != 1 {
		t.Fatalf("止损被拒应应急平仓, got %d", len(client.markets))
	}
	market := client.markets[0]
	if market.side != "sell" || market.amount != 10 {
		t.Errorf("应急平仓单不符: %+v", market)
	}
	if entry, _ := store.Load("SOL/USDT:USDT"); entry != nil {
		t.Error("应急平仓后应清理挂单意图")
	}
	if !sink.has("protect_failed") {
		t.Error("缺少 protect_failed 事件")
	}
}

func TestBreakEvenTriggers(t *testing.T) {
	client := newFakeClient()
	client.positions = []exchange.Position{{
		Symbol: "SOL/USDT:USDT", Side: "long", Contracts: 10,
		EntryPrice: 150, MarkPrice: 156,
	}}
	client.openOrders["SOL/USDT:USDT"] = []exchange.Order{
		{ID: "sl-1", Symbol: "SOL/USDT:USDT", Type: "STOP_MARKET", StopPrice: 145, ClosePosition: true},
	}
	manager, _, sink := newTestManager(t, client, true)

	if err := manager.ProtectionSweep(context.Background()); err != nil {
		t.Fatalf("ProtectionSweep 失败: %v", err)
	}

	// R=5, mark 156 >= 155：平掉20%并把止损移至入场。
	if len(client.markets) != 1 {
		t.Fatalf("应部分止盈, got %d", len(client.markets))
	}
	if math.Abs(client.markets[0].amount-2) > 1e-9 {
		t.Errorf("应平掉20%%即2合约, got %f", client.markets[0].amount)
	}
	if len(client.canceled) != 1 || client.canceled[0] != "sl-1" {
		t.Errorf("应撤销旧止损: %v", client.canceled)
	}
	if len(client.stops) != 1 || client.stops[0].stopPrice != 150 {
		t.Fatalf("止损应移至入场价: %+v", client.stops)
	}
	if !sink.has("break_even") {
		t.Error("缺少 break_even 事件")
	}
}

func TestBreakEvenIdempotent(t *testing.T) {
	client := newFakeClient()
	client.positions = []exchange.Position{{
		Symbol: "SOL/USDT:USDT", Side: "long", Contracts: 8,
		EntryPrice: 150, MarkPrice: 160,
	}}
	// 止损已在入场价容差内。
	client.openOrders["SOL/USDT:USDT"] = []exchange.Order{
		{ID: "sl-1", Symbol: "SOL/USDT:USDT", Type: "STOP_MARKET", StopPrice: 150.01, ClosePosition: true},
	}
	manager, _, _ := newTestManager(t, client, true)

	if err := manager.ProtectionSweep(context.Background()); err != nil {
		t.Fatalf("ProtectionSweep 失败: %v", err)
	}
	if len(client.markets) != 0 || len(client.stops) != 0 || len(client.canceled) != 0 {
		t.Fatal("止损已在入场价时保本检查不应重复执行")
	}
}

func TestBreakEvenNotTriggeredBelowThreshold(t *testing.T) {
	client := newFakeClient()
	client.positions = []exchange.Position{{
		Symbol: "SOL/USDT:USDT", Side: "long", Contracts: 10,
		EntryPrice: 150, MarkPrice: 152,
	}}
	client.openOrders["SOL/USDT:USDT"] = []exchange.Order{
		{ID: "sl-1", Symbol: "SOL/USDT:USDT", Type: "STOP_MARKET", StopPrice: 145, ClosePosition: true},
	}
	manager, _, _ := newTestManager(t, client, true)

	if err := manager.ProtectionSweep(context.Background()); err != nil {
		t.Fatalf("ProtectionSweep 失败: %v", err)
	}
	if len(client.markets) != 0 {
		t.Fatal("未达到1R不应触发保本")
	}
}

func TestExpirySweepCancelsUnfilled(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusOpen,
		Filled: 0, Remaining: 10,
	}
	manager, store, sink := newTestManager(t, client, true)
	entry := pendingEntry("SOL/USDT:USDT", "entry-1")
	entry.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(entry); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ExpirySweep(context.Background()); err != nil {
		t.Fatalf("ExpirySweep 失败: %v", err)
	}

	if len(client.canceled) != 1 || client.canceled[0] != "entry-1" {
		t.Errorf("应撤销过期挂单: %v", client.canceled)
	}
	if loaded, _ := store.Load("SOL/USDT:USDT"); loaded != nil {
		t.Error("过期后应清理挂单意图")
	}
	if !sink.has("entry_expired") {
		t.Error("缺少 entry_expired 事件")
	}

	// 幂等性：重复执行不应有新副作用。
	if err := manager.ExpirySweep(context.Background()); err != nil {
		t.Fatalf("重复 ExpirySweep 失败: %v", err)
	}
	if len(client.canceled) != 1 {
		t.Fatal("重复执行不应再撤单")
	}
}

func TestExpirySweepProtectsPartialFill(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusOpen,
		Filled: 4, Remaining: 6,
	}
	manager, store, _ := newTestManager(t, client, true)
	entry := pendingEntry("SOL/USDT:USDT", "entry-1")
	entry.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(entry); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ExpirySweep(context.Background()); err != nil {
		t.Fatalf("ExpirySweep 失败: %v", err)
	}

	if len(client.canceled) != 1 {
		t.Errorf("应撤销剩余挂单: %v", client.canceled)
	}
	if len(client.stops) != 1 || client.stops[0].stopPrice != 145 {
		t.Fatalf("应为成交部分补止损: %+v", client.stops)
	}
	// 分腿按成交比例缩放：4/10 * [2,3,5] = [0.8, 1.2, 2.0]。
	total := 0.0
	for _, tp := range client.tps {
		total += tp.amount
	}
	if total > 4+1e-9 {
		t.Errorf("止盈总量 %f 不应超过成交量", total)
	}
	if loaded, _ := store.Load("SOL/USDT:USDT"); loaded != nil {
		t.Error("处理后应清理挂单意图")
	}
}

func TestExpirySweepSkipsCancelForClosedOrder(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusClosed,
		Filled: 10, Remaining: 0,
	}
	manager, store, _ := newTestManager(t, client, true)
	entry := pendingEntry("SOL/USDT:USDT", "entry-1")
	entry.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(entry); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ExpirySweep(context.Background()); err != nil {
		t.Fatalf("ExpirySweep 失败: %v", err)
	}

	// 交易所已报告成交的订单不应再被撤销，撤已终结订单只会换来报错。
	if len(client.canceled) != 0 {
		t.Errorf("已成交订单不应撤单: %v", client.canceled)
	}
	if len(client.stops) != 1 {
		t.Fatalf("成交部分应补保护, got %d", len(client.stops))
	}
	if loaded, _ := store.Load("SOL/USDT:USDT"); loaded != nil {
		t.Error("处理后应清理挂单意图")
	}
}

func TestExpirySweepSkipsCancelForCanceledOrder(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusCanceled,
		Filled: 0, Remaining: 10,
	}
	manager, store, _ := newTestManager(t, client, true)
	entry := pendingEntry("SOL/USDT:USDT", "entry-1")
	entry.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(entry); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ExpirySweep(context.Background()); err != nil {
		t.Fatalf("ExpirySweep 失败: %v", err)
	}
	if len(client.canceled) != 0 {
		t.Errorf("已撤销订单不应再撤: %v", client.canceled)
	}
	if loaded, _ := store.Load("SOL/USDT:USDT"); loaded != nil {
		t.Error("已撤销订单的意图应被清理")
	}
}

func TestExpirySweepKeepsUnexpired(t *testing.T) {
	client := newFakeClient()
	client.orders["entry-1"] = exchange.Order{
		ID: "entry-1", Symbol: "SOL/USDT:USDT", Status: exchange.OrderStatusOpen, Remaining: 10,
	}
	manager, store, _ := newTestManager(t, client, true)
	if err := store.Save(pendingEntry("SOL/USDT:USDT", "entry-1")); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.ExpirySweep(context.Background()); err != nil {
		t.Fatalf("ExpirySweep 失败: %v", err)
	}
	if len(client.canceled) != 0 {
		t.Fatal("未过期挂单不应被撤销")
	}
	if loaded, _ := store.Load("SOL/USDT:USDT"); loaded == nil {
		t.Fatal("未过期意图不应被清理")
	}
}

func TestMaintenanceCleansOrphanProtection(t *testing.T) {
	client := newFakeClient()
	client.openOrders["DOGE/USDT:USDT"] = []exchange.Order{
		{ID: "tp-9", Symbol: "DOGE/USDT:USDT", Type: "TAKE_PROFIT_MARKET", StopPrice: 0.2, ReduceOnly: true},
	}
	manager, _, sink := newTestManager(t, client, true)

	if err := manager.MaintenanceSweep(context.Background()); err != nil {
		t.Fatalf("MaintenanceSweep 失败: %v", err)
	}
	if len(client.canceled) != 1 || client.canceled[0] != "tp-9" {
		t.Errorf("应撤销孤儿止盈单: %v", client.canceled)
	}
	if !sink.has("orphan_cleaned") {
		t.Error("缺少 orphan_cleaned 事件")
	}
}

func TestMaintenanceKeepsProtectionWithPosition(t *testing.T) {
	client := newFakeClient()
	client.positions = []exchange.Position{{Symbol: "DOGE/USDT:USDT", Side: "long", Contracts: 100, EntryPrice: 0.1}}
	client.openOrders["DOGE/USDT:USDT"] = []exchange.Order{
		{ID: "sl-9", Symbol: "DOGE/USDT:USDT", Type: "STOP_MARKET", StopPrice: 0.09, ClosePosition: true},
	}
	manager, _, _ := newTestManager(t, client, true)

	if err := manager.MaintenanceSweep(context.Background()); err != nil {
		t.Fatalf("MaintenanceSweep 失败: %v", err)
	}
	if len(client.canceled) != 0 {
		t.Fatal("有持仓的保护单不应被撤销")
	}
}

func TestMaintenanceReprotectsNakedPosition(t *testing.T) {
	client := newFakeClient()
	client.positions = []exchange.Position{{
		Symbol: "SOL/USDT:USDT", Side: "long", Contracts: 10, EntryPrice: 150, MarkPrice: 151,
	}}
	manager, _, sink := newTestManager(t, client, true)

	if err := manager.MaintenanceSweep(context.Background()); err != nil {
		t.Fatalf("MaintenanceSweep 失败: %v", err)
	}
	if len(client.stops) != 1 || client.stops[0].stopPrice != 150 {
		t.Fatalf("应以入场价补挂止损: %+v", client.stops)
	}
	if !sink.has("orphan_cleaned") {
		t.Error("缺少 orphan_cleaned 事件")
	}
}

func TestMaintenanceCleansStaleUntrackedEntry(t *testing.T) {
	client := newFakeClient()
	client.openOrders["XRP/USDT:USDT"] = []exchange.Order{{
		ID: "stale-1", Symbol: "XRP/USDT:USDT", Type: "limit", Side: "buy",
		Amount: 100, Remaining: 100,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}}
	manager, _, _ := newTestManager(t, client, true)

	if err := manager.MaintenanceSweep(context.Background()); err != nil {
		t.Fatalf("MaintenanceSweep 失败: %v", err)
	}
	if len(client.canceled) != 1 || client.canceled[0] != "stale-1" {
		t.Errorf("应撤销超龄未追踪挂单: %v", client.canceled)
	}
}

func TestMaintenanceKeepsTrackedEntry(t *testing.T) {
	client := newFakeClient()
	client.openOrders["XRP/USDT:USDT"] = []exchange.Order{{
		ID: "entry-1", Symbol: "XRP/USDT:USDT", Type: "limit", Side: "buy",
		Amount: 100, Remaining: 100,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}}
	manager, store, _ := newTestManager(t, client, true)
	entry := pendingEntry("XRP/USDT:USDT", "entry-1")
	if err := store.Save(entry); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}

	if err := manager.MaintenanceSweep(context.Background()); err != nil {
		t.Fatalf("MaintenanceSweep 失败: %v", err)
	}
	if len(client.canceled) != 0 {
		t.Fatal("本地追踪的挂单不应被撤销")
	}
}
