package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures-trader/internal/config"
	"futures-trader/internal/exchange"
	"futures-trader/internal/indicator"
)

type fakeMarket struct {
	candles   map[string][]exchange.Candle
	orderBook exchange.OrderBookSnapshot
	fundErr   error
}

func (f *fakeMarket) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]exchange.Candle, error) {
	candles, ok := f.candles[symbol]
	if !ok {
		return nil, errors.New("symbol not found")
	}
	return candles, nil
}

func (f *fakeMarket) FetchOrderBook(ctx context.Context, symbol string, depth int64) (exchange.OrderBookSnapshot, error) {
	return f.orderBook, nil
}

func (f *fakeMarket) FetchFundingRate(ctx context.Context, symbol string) (exchange.FundingInfo, error) {
	if f.fundErr != nil {
		return exchange.FundingInfo{}, f.fundErr
	}
	return exchange.FundingInfo{Symbol: symbol, FundingRate: 0.0001}, nil
}

func (f *fakeMarket) FetchOpenInterest(ctx context.Context, symbol string) (exchange.OpenInterestInfo, error) {
	return exchange.OpenInterestInfo{Symbol: symbol, Amount: 1000, Value: 50000}, nil
}

func testCandles(n int) []exchange.Candle {
	candles := make([]exchange.Candle, 0, n)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		candles = append(candles, exchange.Candle{
			Timestamp: ts,
			Open:      price,
			High:      price * 1.01,
			Low:       price * 0.99,
			Close:     price + 0.1,
			Volume:    500,
		})
		price += 0.1
		ts = ts.Add(15 * time.Minute)
	}
	return candles
}

func testConfig() config.SnapshotConfig {
	return config.SnapshotConfig{
		Timeframe:         "15m",
		CandleLimit:       300,
		TailRows:          20,
		OrderBookDepth:    10,
		Workers:           4,
		CacheTTL:          time.Minute,
		WithFunding:       true,
		WithOpenInterest:  true,
		SignificantDigits: 6,
	}
}

func testOrderBook() exchange.OrderBookSnapshot {
	return exchange.OrderBookSnapshot{
		Symbol:    "SOL/USDT:USDT",
		Bids:      []exchange.OrderBookLevel{{Price: 129.9, Amount: 10}},
		Asks:      []exchange.OrderBookLevel{{Price: 130.1, Amount: 8}},
		Timestamp: time.Now().UTC(),
	}
}

func TestBuildOne(t *testing.T) {
	market := &fakeMarket{
		candles:   map[string][]exchange.Candle{"SOL/USDT:USDT": testCandles(300)},
		orderBook: testOrderBook(),
	}
	builder := NewBuilder(market, indicator.NewCalculator(time.Minute, 16), testConfig(), nil)

	payload, err := builder.BuildOne(context.Background(), "SOL/USDT:USDT")
	if err != nil {
		t.Fatalf("BuildOne 失败: %v", err)
	}

	if payload["pair"] != "SOL/USDT:USDT" {
		t.Errorf("pair 不符: %v", payload["pair"])
	}
	if _, ok := payload["last"].(float64); !ok {
		t.Error("last 缺失")
	}
	indicators, ok := payload["indicators"].(map[string]interface{})
	if !ok {
		t.Fatalf("indicators 类型不符: %T", payload["indicators"])
	}
	trend, ok := indicators["trend"].(string)
	if !ok || trend == "" {
		t.Errorf("trend 标签缺失: %v", indicators["trend"])
	}
	if _, ok := payload["funding_rate"]; !ok {
		t.Error("funding_rate 缺失")
	}
	if _, ok := payload["open_interest"]; !ok {
		t.Error("open_interest 缺失")
	}

	rows, ok := payload["candles"].([]interface{})
	if !ok {
		t.Fatalf("candles 类型不符: %T", payload["candles"])
	}
	if len(rows) != 20 {
		t.Errorf("尾部K线行数应为 20, got %d", len(rows))
	}
}

func TestBuildOneTooFewCandles(t *testing.T) {
	market := &fakeMarket{
		candles:   map[string][]exchange.Candle{"SOL/USDT:USDT": testCandles(5)},
		orderBook: testOrderBook(),
	}
	builder := NewBuilder(market, indicator.NewCalculator(time.Minute, 16), testConfig(), nil)

	if _, err := builder.BuildOne(context.Background(), "SOL/USDT:USDT"); err == nil {
		t.Fatal("K线不足应返回错误")
	}
}

func TestBuildOneFundingFailureNonFatal(t *testing.T) {
	market := &fakeMarket{
		candles:   map[string][]exchange.Candle{"SOL/USDT:USDT": testCandles(300)},
		orderBook: testOrderBook(),
		fundErr:   errors.New("temporarily unavailable"),
	}
	builder := NewBuilder(market, indicator.NewCalculator(time.Minute, 16), testConfig(), nil)

	payload, err := builder.BuildOne(context.Background(), "SOL/USDT:USDT")
	if err != nil {
		t.Fatalf("资金费率失败不应导致整体失败: %v", err)
	}
	if _, ok := payload["funding_rate"]; ok {
		t.Error("失败的资金费率不应出现在载荷中")
	}
}

func TestBuildManySkipsFailures(t *testing.T) {
	market := &fakeMarket{
		candles:   map[string][]exchange.Candle{"SOL/USDT:USDT": testCandles(300)},
		orderBook: testOrderBook(),
	}
	builder := NewBuilder(market, indicator.NewCalculator(time.Minute, 16), testConfig(), nil)

	payloads, err := builder.BuildMany(context.Background(), []string{"SOL/USDT:USDT", "MISSING/USDT:USDT"})
	if err != nil {
		t.Fatalf("BuildMany 失败: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("应只包含成功的合约, got %d", len(payloads))
	}
	if _, ok := payloads["SOL/USDT:USDT"]; !ok {
		t.Fatal("成功合约缺失")
	}
}
