package sizing

import (
	"errors"
	"fmt"
	"math"

	"futures-trader/internal/exchange"
)

var (
	// ErrNoDistance 表示入场价与止损价重合，无法推断方向或计算仓位。
	ErrNoDistance = errors.New("entry and stop loss coincide")
	// ErrInvalidInput 表示仓位计算输入非法。
	ErrInvalidInput = errors.New("invalid sizing input")
)

// InferSide 根据入场价与止损价的相对位置推断方向：
// 止损在入场之下为做多，之上为做空。
func InferSide(entry, stopLoss float64) (string, error) {
	if entry <= 0 || stopLoss <= 0 {
		return "", fmt.Errorf("%w: entry=%f stop=%f", ErrInvalidInput, entry, stopLoss)
	}
	switch {
	case entry > stopLoss:
		return exchange.SideBuy, nil
	case entry < stopLoss:
		return exchange.SideSell, nil
	default:
		return "", ErrNoDistance
	}
}

// FloorToStep 将数量向下取整到交易所步长。
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	floored := math.Floor(qty/step+1e-9) * step
	if floored < 0 {
		return 0
	}
	return floored
}

// CalcQty 计算下单数量：取风险约束与杠杆约束中更小者，再向下取整到步长。
// 风险约束 = 净值*风险比例/止损距离；杠杆约束 = 净值*最大杠杆/(入场价*合约面值)。
// 结果低于交易所最小数量或最小名义价值时返回 0。
func CalcQty(equity, riskFraction, entry, stopLoss float64, meta exchange.MarketMeta) (float64, error) {
	if equity <= 0 || riskFraction <= 0 || entry <= 0 || stopLoss <= 0 {
		return 0, fmt.Errorf("%w: equity=%f risk=%f entry=%f stop=%f",
			ErrInvalidInput, equity, riskFraction, entry, stopLoss)
	}

	dist := math.Abs(entry - stopLoss)
	if dist == 0 {
		return 0, ErrNoDistance
	}

	contractSize := meta.ContractSize
	if contractSize <= 0 {
		contractSize = 1
	}
	maxLeverage := meta.MaxLeverage
	if maxLeverage <= 0 {
		maxLeverage = 1
	}

	riskQty := equity * riskFraction / dist
	capQty := equity * maxLeverage / (entry * contractSize)

	qty := FloorToStep(math.Min(riskQty, capQty), meta.AmountStep)
	if qty <= 0 {
		return 0, nil
	}
	if meta.MinAmount > 0 && qty < meta.MinAmount {
		return 0, nil
	}
	if meta.MinNotional > 0 && qty*entry*contractSize < meta.MinNotional {
		return 0, nil
	}

	return qty, nil
}

// SplitLegs 按比例把总数量切分为止盈分腿，每腿向下取整到步长，
// 余量全部归入最后一腿，保证各腿之和不超过总量。
func SplitLegs(total float64, splits []float64, step float64) []float64 {
	if total <= 0 || len(splits) == 0 {
		return nil
	}

	legs := make([]float64, len(splits))
	allocated := 0.0
	for i, ratio := range splits {
		if i == len(splits)-1 {
			legs[i] = FloorToStep(total-allocated, step)
			break
		}
		leg := FloorToStep(total*ratio, step)
		legs[i] = leg
		allocated += leg
	}

	return legs
}
