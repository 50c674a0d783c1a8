package oracle

import (
	"encoding/json"
	"fmt"
	"time"

	"futures-trader/internal/snapshot"
)

const systemPrompt = `You are a disciplined crypto futures trader managing a USDT-margined perpetual account.

You receive a JSON context with account equity, open positions, pending entry orders and per-pair market snapshots (candles, indicators, order book, funding, open interest).

Rules:
- Only trade pairs present in the snapshots.
- Every "open" must be a limit entry with a stop loss and one to three take-profit levels.
- The stop below the limit means long, above means short. Take profits must lie on the profit side, ordered away from entry.
- Keep per-trade risk conservative; set "risk" only when you want to deviate from the account default.
- Use "close" to exit an open position at market, "close_partial" with "pct" in (0,100] to scale out part of one, "move_sl" to tighten a stop, "cancel" to withdraw a pending entry, "hold" when no change is warranted.
- Do not open a new entry on a pair that already has a position or a pending entry.

Respond with a single JSON object, no markdown fences:
{"actions":[{"action":"open","pair":"SOL/USDT:USDT","limit":0,"sl":0,"tp1":0,"tp2":0,"tp3":0,"risk":0,"reason":"..."}],"comment":"..."}`

// AccountState 为提示词中的账户上下文。
type AccountState struct {
	EquityUSDT    float64       `json:"equity_usdt"`
	FreeUSDT      float64       `json:"free_usdt"`
	Positions     []PositionRow `json:"positions"`
	PendingOrders []PendingRow  `json:"pending_orders"`
}

// PositionRow 为提示词中的单个持仓摘要。
type PositionRow struct {
	Pair          string  `json:"pair"`
	Side          string  `json:"side"`
	Contracts     float64 `json:"contracts"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	StopLoss      float64   `json:"sl,omitempty"`
	TakeProfits   []float64 `json:"tps,omitempty"`
}

// PendingRow 为提示词中的单笔待成交挂单摘要。
type PendingRow struct {
	Pair      string    `json:"pair"`
	Side      string    `json:"side"`
	Limit     float64   `json:"limit"`
	StopLoss  float64   `json:"sl"`
	ExpiresAt time.Time `json:"expiry"`
}

// BuildPrompt 把账户状态与行情快照拼装为用户消息。
func BuildPrompt(account AccountState, payloads map[string]snapshot.Payload, now time.Time) (string, error) {
	context := map[string]interface{}{
		"utc_time":  now.UTC().Format(time.RFC3339),
		"account":   account,
		"snapshots": payloads,
	}

	data, err := json.Marshal(context)
	if err != nil {
		return "", fmt.Errorf("序列化提示词上下文失败: %w", err)
	}

	return string(data), nil
}
