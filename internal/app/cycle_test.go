package app

import (
	"testing"
	"time"

	"futures-trader/internal/exchange"
)

func TestProtectiveLevels(t *testing.T) {
	orders := []exchange.Order{
		{Symbol: "SOL/USDT:USDT", Type: "STOP_MARKET", StopPrice: 145, ClosePosition: true},
		{Symbol: "SOL/USDT:USDT", Type: "TAKE_PROFIT_MARKET", StopPrice: 170, ReduceOnly: true},
		{Symbol: "SOL/USDT:USDT", Type: "TAKE_PROFIT_MARKET", StopPrice: 155, ReduceOnly: true},
		// 普通限价入场单没有触发价，不应被当作保护单。
		{Symbol: "XRP/USDT:USDT", Type: "limit", Price: 0.5},
		{Symbol: "DOGE/USDT:USDT", Type: "STOP_MARKET", StopPrice: 0.09, ClosePosition: true},
	}

	stops, takeProfits := protectiveLevels(orders)

	if stops["SOL/USDT:USDT"] != 145 {
		t.Errorf("SOL 止损价不符: %f", stops["SOL/USDT:USDT"])
	}
	if stops["DOGE/USDT:USDT"] != 0.09 {
		t.Errorf("DOGE 止损价不符: %f", stops["DOGE/USDT:USDT"])
	}
	if _, ok := stops["XRP/USDT:USDT"]; ok {
		t.Error("限价入场单不应产生止损价")
	}

	tps := takeProfits["SOL/USDT:USDT"]
	if len(tps) != 2 || tps[0] != 155 || tps[1] != 170 {
		t.Errorf("止盈价位应升序排列: %v", tps)
	}
}

func TestNextAligned(t *testing.T) {
	base := time.Date(2026, 8, 31, 12, 7, 30, 0, time.UTC)
	if got := nextAligned(base, 15*time.Minute); !got.Equal(time.Date(2026, 8, 31, 12, 15, 0, 0, time.UTC)) {
		t.Errorf("12:07:30 的下一个15分钟边界应为 12:15, got %v", got)
	}

	// 恰好落在边界上时取下一个边界，避免同一边界触发两次。
	boundary := time.Date(2026, 8, 31, 12, 15, 0, 0, time.UTC)
	if got := nextAligned(boundary, 15*time.Minute); !got.Equal(time.Date(2026, 8, 31, 12, 30, 0, 0, time.UTC)) {
		t.Errorf("边界时刻应取下一个边界, got %v", got)
	}

	if got := nextAligned(base, time.Minute); !got.Equal(time.Date(2026, 8, 31, 12, 8, 0, 0, time.UTC)) {
		t.Errorf("1分钟边界不符: %v", got)
	}
}
