package oracle

import (
	"errors"
	"fmt"
	"strings"
)

// ActionType 为模型可下达的指令类型。
type ActionType string

const (
	// ActionOpen 提交一笔新的限价入场。
	ActionOpen ActionType = "open"
	// ActionClose 市价平掉现有仓位。
	ActionClose ActionType = "close"
	// ActionClosePartial 市价平掉现有仓位的一部分，比例由 pct 指定。
	ActionClosePartial ActionType = "close_partial"
	// ActionMoveStop 调整现有仓位的止损价。
	ActionMoveStop ActionType = "move_sl"
	// ActionCancel 撤销尚未成交的入场挂单。
	ActionCancel ActionType = "cancel"
	// ActionHold 维持现状，不做任何操作。
	ActionHold ActionType = "hold"
)

// Action 为模型针对单个合约的一条指令。
type Action struct {
	Action       ActionType `json:"action"`
	Pair         string     `json:"pair"`
	Side         string     `json:"side,omitempty"`
	Limit        float64    `json:"limit,omitempty"`
	StopLoss     float64    `json:"sl,omitempty"`
	TP1          float64    `json:"tp1,omitempty"`
	TP2          float64    `json:"tp2,omitempty"`
	TP3          float64    `json:"tp3,omitempty"`
	RiskFraction float64    `json:"risk,omitempty"`
	Percent      float64    `json:"pct,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Plan 为模型一次决策的完整输出。
type Plan struct {
	Actions []Action `json:"actions"`
	Comment string   `json:"comment,omitempty"`
}

// TakeProfits 返回非零止盈价位。
func (a Action) TakeProfits() []float64 {
	var tps []float64
	for _, tp := range []float64{a.TP1, a.TP2, a.TP3} {
		if tp > 0 {
			tps = append(tps, tp)
		}
	}
	return tps
}

// Validate 校验单条指令的完整性与价格关系。
func (a Action) Validate() error {
	if strings.TrimSpace(a.Pair) == "" {
		return errors.New("pair 不能为空")
	}

	switch a.Action {
	case ActionOpen:
		return a.validateOpen()
	case ActionClose, ActionCancel, ActionHold:
		return nil
	case ActionClosePartial:
		if a.Percent <= 0 || a.Percent > 100 {
			return fmt.Errorf("close_partial 的 pct 必须位于 (0,100]: %f", a.Percent)
		}
		return nil
	case ActionMoveStop:
		if a.StopLoss <= 0 {
			return errors.New("move_sl 需要正的止损价")
		}
		return nil
	default:
		return fmt.Errorf("action 取值非法: %q", a.Action)
	}
}

func (a Action) validateOpen() error {
	if a.Limit <= 0 {
		return errors.New("open 需要正的限价")
	}
	if a.StopLoss <= 0 {
		return errors.New("open 需要正的止损价")
	}
	if a.StopLoss == a.Limit {
		return errors.New("止损价不能等于入场价")
	}
	if a.RiskFraction < 0 || a.RiskFraction >= 1 {
		return fmt.Errorf("risk 必须位于 [0,1): %f", a.RiskFraction)
	}

	// 止损在入场之下为做多，止盈必须全部高于入场；做空反之。
	long := a.Limit > a.StopLoss
	prev := a.Limit
	for i, tp := range a.TakeProfits() {
		if long && tp <= prev {
			return fmt.Errorf("做多止盈档位必须递增且高于入场: tp%d=%f", i+1, tp)
		}
		if !long && tp >= prev {
			return fmt.Errorf("做空止盈档位必须递减且低于入场: tp%d=%f", i+1, tp)
		}
		prev = tp
	}

	if a.Side != "" {
		side := strings.ToLower(strings.TrimSpace(a.Side))
		if side != "buy" && side != "sell" {
			return fmt.Errorf("side 取值非法: %q", a.Side)
		}
		if long && side != "buy" {
			return errors.New("side 与价格关系矛盾: 止损在下方应为 buy")
		}
		if !long && side != "sell" {
			return errors.New("side 与价格关系矛盾: 止损在上方应为 sell")
		}
	}

	return nil
}
