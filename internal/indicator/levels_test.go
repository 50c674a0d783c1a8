package indicator

import (
	"testing"
	"time"

	"futures-trader/internal/exchange"
)

// 构造一个在 90 和 110 之间震荡、最后收于 100 的序列。
func oscillatingCandles() []exchange.Candle {
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	pattern := []float64{100, 104, 108, 110, 108, 104, 100, 96, 92, 90, 92, 96}
	candles := make([]exchange.Candle, 0, len(pattern)*6)
	for cycle := 0; cycle < 6; cycle++ {
		for _, p := range pattern {
			candles = append(candles, exchange.Candle{
				Timestamp: ts,
				Open:      p,
				High:      p + 1,
				Low:       p - 1,
				Close:     p,
				Volume:    100,
			})
			ts = ts.Add(15 * time.Minute)
		}
	}
	candles = append(candles, exchange.Candle{
		Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 100,
	})
	return candles
}

func TestFindLevels(t *testing.T) {
	series := NewSeries(oscillatingCandles())

	supports, resistances := FindLevels(series, 3)
	if len(supports) == 0 {
		t.Fatal("应识别出至少一个支撑位")
	}
	if len(resistances) == 0 {
		t.Fatal("应识别出至少一个阻力位")
	}

	lastClose := Last(series.Close)
	for _, s := range supports {
		if s >= lastClose {
			t.Errorf("支撑位 %f 不应高于收盘价 %f", s, lastClose)
		}
	}
	for _, r := range resistances {
		if r <= lastClose {
			t.Errorf("阻力位 %f 不应低于收盘价 %f", r, lastClose)
		}
	}
}

func TestFindLevelsShortSeries(t *testing.T) {
	series := NewSeries(makeCandles(4, 100, 0.5))
	supports, resistances := FindLevels(series, 3)
	if supports != nil || resistances != nil {
		t.Fatal("序列过短时不应返回价位")
	}
}
