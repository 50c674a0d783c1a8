package indicator

import (
	"math"
	"testing"
	"time"

	"futures-trader/internal/exchange"
)

func makeCandles(n int, start float64, step float64) []exchange.Candle {
	candles := make([]exchange.Candle, 0, n)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		candles = append(candles, exchange.Candle{
			Timestamp: ts,
			Open:      price,
			High:      price * 1.01,
			Low:       price * 0.99,
			Close:     price + step,
			Volume:    100 + float64(i),
		})
		price += step
		ts = ts.Add(15 * time.Minute)
	}
	return candles
}

func TestComputeBasicIndicators(t *testing.T) {
	calc := NewCalculator(time.Minute, 16)

	result, err := calc.Compute("BTC/USDT:USDT", "15m", makeCandles(300, 100, 0.5))
	if err != nil {
		t.Fatalf("Compute 失败: %v", err)
	}

	if result.Close <= 0 {
		t.Fatalf("收盘价无效: %f", result.Close)
	}
	if math.IsNaN(result.EMA20) || math.IsNaN(result.EMA200) {
		t.Fatal("EMA 不应为 NaN")
	}
	// 单边上涨序列中 RSI 应偏高，短期均线应高于长期均线。
	if result.RSI14 < 50 {
		t.Errorf("上涨序列 RSI14 = %f，期望 > 50", result.RSI14)
	}
	if result.EMA20 <= result.EMA200 {
		t.Errorf("上涨序列 EMA20(%f) 应高于 EMA200(%f)", result.EMA20, result.EMA200)
	}
	if result.ATR14.Absolute <= 0 {
		t.Errorf("ATR 应为正, got %f", result.ATR14.Absolute)
	}
	if result.Volume.Ratio <= 0 {
		t.Errorf("成交量比值应为正, got %f", result.Volume.Ratio)
	}
	if result.Trend != TrendUp {
		t.Errorf("上涨序列趋势应为 up, got %q", result.Trend)
	}
}

func TestTrendLabel(t *testing.T) {
	if got := trendLabel(105, 100, 60); got != TrendUp {
		t.Errorf("均线多头排列加 RSI 偏多应为 up, got %q", got)
	}
	if got := trendLabel(95, 100, 40); got != TrendDown {
		t.Errorf("均线空头排列加 RSI 偏空应为 down, got %q", got)
	}
	// 均线与动量方向不一致时视为震荡。
	if got := trendLabel(105, 100, 40); got != TrendFlat {
		t.Errorf("信号矛盾应为 flat, got %q", got)
	}
	if got := trendLabel(95, 100, 60); got != TrendFlat {
		t.Errorf("信号矛盾应为 flat, got %q", got)
	}
}

func TestComputeEmptyInput(t *testing.T) {
	calc := NewCalculator(time.Minute, 16)
	if _, err := calc.Compute("BTC/USDT:USDT", "15m", nil); err == nil {
		t.Fatal("空输入应返回错误")
	}
}

func TestComputeCacheHit(t *testing.T) {
	calc := NewCalculator(time.Hour, 16)
	candles := makeCandles(260, 100, 0.5)

	first, err := calc.Compute("ETH/USDT:USDT", "15m", candles)
	if err != nil {
		t.Fatalf("第一次 Compute 失败: %v", err)
	}
	second, err := calc.Compute("ETH/USDT:USDT", "15m", candles)
	if err != nil {
		t.Fatalf("第二次 Compute 失败: %v", err)
	}

	if first.Close != second.Close || first.RSI14 != second.RSI14 {
		t.Fatal("相同输入应命中缓存并返回一致结果")
	}
}
