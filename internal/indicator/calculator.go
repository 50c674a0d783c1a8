package indicator

import (
	"fmt"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"

	"futures-trader/internal/exchange"
)

const maxLevelCount = 3

// 三向趋势标签，由 EMA 排列与 RSI 偏向共同决定。
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute float64
	Relative float64
}

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current   float64
	Average20 float64
	Ratio     float64
}

// Result 为单合约单周期的一次指标计算汇总。
type Result struct {
	Symbol        string
	Timeframe     string
	Series        Series
	EMA20         float64
	EMA50         float64
	EMA99         float64
	EMA200        float64
	RSI14         float64
	MACD          MACDResult
	ATR14         ATRResult
	Volume        VolumeResult
	Trend         string
	Close         float64
	PreviousClose float64
	Supports      []float64
	Resistances   []float64
}

type cacheEntry struct {
	key       string
	result    Result
	expiresAt time.Time
}

// Calculator 提供技术指标计算，带按合约+周期维度的 TTL 缓存。
// 同一根K线收盘内的重复请求直接命中缓存。
type Calculator struct {
	ttl        time.Duration
	maxEntries int

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator；ttl 为缓存有效期，maxEntries 限制缓存规模。
func NewCalculator(ttl time.Duration, maxEntries int) *Calculator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Calculator{
		ttl:        ttl,
		maxEntries: maxEntries,
		cache:      make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算技术指标。
func (c *Calculator) Compute(symbol, timeframe string, candles []exchange.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("计算指标失败: %s 输入K线为空", symbol)
	}

	series := NewSeries(candles)
	mapKey := symbol + ":" + timeframe
	cacheKey := fmt.Sprintf("%d:%d", series.Len(), series.LastTimestamp().Unix())

	now := time.Now()
	c.mu.Lock()
	if entry, ok := c.cache[mapKey]; ok && entry.key == cacheKey && now.Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(symbol, timeframe, series)

	c.mu.Lock()
	c.evictExpiredLocked(now)
	if len(c.cache) < c.maxEntries {
		c.cache[mapKey] = cacheEntry{key: cacheKey, result: result, expiresAt: now.Add(c.ttl)}
	}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(symbol, timeframe string, series Series) Result {
	closePrices := series.Close
	highs := series.High
	lows := series.Low
	volumes := series.Volume

	ema20 := talib.Ema(closePrices, 20)
	ema50 := talib.Ema(closePrices, 50)
	ema99 := talib.Ema(closePrices, 99)
	ema200 := talib.Ema(closePrices, 200)

	macd, macdSignal, macdHist := talib.Macd(closePrices, 12, 26, 9)

	rsi := talib.Rsi(closePrices, 14)

	atr := talib.Atr(highs, lows, closePrices, 14)

	volumeAvg20 := average(Tail(volumes, 20))
	volumeCurrent := Last(volumes)
	volumeRatio := SafeDivide(volumeCurrent, volumeAvg20)

	lastClose := Last(closePrices)
	atrAbs := Last(atr)

	supports, resistances := FindLevels(series, maxLevelCount)

	return Result{
		Symbol:    symbol,
		Timeframe: timeframe,
		Series:    series,
		EMA20:     Last(ema20),
		EMA50:     Last(ema50),
		EMA99:     Last(ema99),
		EMA200:    Last(ema200),
		RSI14:     Last(rsi),
		MACD: MACDResult{
			Value:         Last(macd),
			Signal:        Last(macdSignal),
			Histogram:     Last(macdHist),
			PrevHistogram: Prev(macdHist),
		},
		ATR14: ATRResult{
			Absolute: atrAbs,
			Relative: SafeDivide(atrAbs, lastClose),
		},
		Volume: VolumeResult{
			Current:   volumeCurrent,
			Average20: volumeAvg20,
			Ratio:     volumeRatio,
		},
		Trend:         trendLabel(Last(ema20), Last(ema50), Last(rsi)),
		Close:         lastClose,
		PreviousClose: Prev(closePrices),
		Supports:      supports,
		Resistances:   resistances,
	}
}

// trendLabel 按均线排列加动量偏向给出三向趋势：
// EMA20 在 EMA50 之上且 RSI 偏多为上行，反之为下行，其余视为震荡。
func trendLabel(ema20, ema50, rsi float64) string {
	switch {
	case ema20 > ema50 && rsi > 50:
		return TrendUp
	case ema20 < ema50 && rsi < 50:
		return TrendDown
	default:
		return TrendFlat
	}
}

func (c *Calculator) evictExpiredLocked(now time.Time) {
	for key, entry := range c.cache {
		if now.After(entry.expiresAt) {
			delete(c.cache, key)
		}
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
