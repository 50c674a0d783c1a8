package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-trader/internal/config"
	"futures-trader/internal/exchange"
	"futures-trader/internal/indicator"
)

const minCandles = 30

type marketClient interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]exchange.Candle, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int64) (exchange.OrderBookSnapshot, error)
	FetchFundingRate(ctx context.Context, symbol string) (exchange.FundingInfo, error)
	FetchOpenInterest(ctx context.Context, symbol string) (exchange.OpenInterestInfo, error)
}

// Builder 为每个候选合约采集行情并组装决策载荷。
type Builder struct {
	client     marketClient
	indicators *indicator.Calculator
	cfg        config.SnapshotConfig
	logger     *zap.Logger
}

// NewBuilder 创建快照构建器。
func NewBuilder(client marketClient, calc *indicator.Calculator, cfg config.SnapshotConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calc == nil {
		calc = indicator.NewCalculator(cfg.CacheTTL, 0)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Builder{
		client:     client,
		indicators: calc,
		cfg:        cfg,
		logger:     logger,
	}
}

// BuildMany 并发采集多个合约的载荷，单个合约失败只记录告警不影响其余。
func (b *Builder) BuildMany(ctx context.Context, symbols []string) (map[string]Payload, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.cfg.Workers)

	var mu sync.Mutex
	payloads := make(map[string]Payload, len(symbols))

	for _, symbol := range symbols {
		symbol := symbol
		group.Go(func() error {
			payload, err := b.BuildOne(groupCtx, symbol)
			if err != nil {
				b.logger.Warn("采集快照失败，跳过该合约",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			payloads[symbol] = payload
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

// BuildOne 采集单个合约的K线、盘口、资金费率与持仓量，计算指标后压缩为载荷。
func (b *Builder) BuildOne(ctx context.Context, symbol string) (Payload, error) {
	candles, err := b.client.FetchCandles(ctx, symbol, b.cfg.Timeframe, int64(b.cfg.CandleLimit))
	if err != nil {
		return nil, fmt.Errorf("获取K线失败: %w", err)
	}
	if len(candles) < minCandles {
		return nil, fmt.Errorf("K线数量不足: %d < %d", len(candles), minCandles)
	}

	orderBook, err := b.client.FetchOrderBook(ctx, symbol, int64(b.cfg.OrderBookDepth))
	if err != nil {
		return nil, fmt.Errorf("获取盘口失败: %w", err)
	}

	result, err := b.indicators.Compute(symbol, b.cfg.Timeframe, candles)
	if err != nil {
		return nil, err
	}

	payload := Payload{
		"pair":      symbol,
		"timeframe": b.cfg.Timeframe,
		"ts":        candles[len(candles)-1].Timestamp.Format(time.RFC3339),
		"last":      b.round(result.Close),
		"candles":   b.candleTail(candles),
		"indicators": map[string]interface{}{
			"ema20":  b.round(result.EMA20),
			"ema50":  b.round(result.EMA50),
			"ema99":  b.round(result.EMA99),
			"ema200": b.round(result.EMA200),
			"rsi14":  b.round(result.RSI14),
			"trend":  result.Trend,
			"macd": map[string]interface{}{
				"value":     b.round(result.MACD.Value),
				"signal":    b.round(result.MACD.Signal),
				"histogram": b.round(result.MACD.Histogram),
			},
			"atr14":     b.round(result.ATR14.Absolute),
			"atr14_pct": b.round(result.ATR14.Relative * 100),
			"volume": map[string]interface{}{
				"current": b.round(result.Volume.Current),
				"avg20":   b.round(result.Volume.Average20),
				"ratio":   b.round(result.Volume.Ratio),
			},
			"supports":    b.roundSlice(result.Supports),
			"resistances": b.roundSlice(result.Resistances),
		},
		"orderbook": b.orderBookSummary(orderBook),
	}

	if b.cfg.WithFunding {
		if funding, err := b.client.FetchFundingRate(ctx, symbol); err != nil {
			b.logger.Debug("获取资金费率失败", zap.String("symbol", symbol), zap.Error(err))
		} else {
			payload["funding_rate"] = b.round(funding.FundingRate)
		}
	}

	if b.cfg.WithOpenInterest {
		if oi, err := b.client.FetchOpenInterest(ctx, symbol); err != nil {
			b.logger.Debug("获取持仓量失败", zap.String("symbol", symbol), zap.Error(err))
		} else {
			payload["open_interest"] = map[string]interface{}{
				"amount": b.round(oi.Amount),
				"value":  b.round(oi.Value),
			}
		}
	}

	return CompactPayload(payload), nil
}

// candleTail 取末尾若干根K线，每根压缩为 [ts, open, high, low, close, volume]。
func (b *Builder) candleTail(candles []exchange.Candle) []interface{} {
	n := b.cfg.TailRows
	if n <= 0 || n > len(candles) {
		n = len(candles)
	}
	tail := candles[len(candles)-n:]

	rows := make([]interface{}, 0, len(tail))
	for _, c := range tail {
		rows = append(rows, []interface{}{
			c.Timestamp.Unix(),
			b.round(c.Open),
			b.round(c.High),
			b.round(c.Low),
			b.round(c.Close),
			b.round(c.Volume),
		})
	}
	return rows
}

func (b *Builder) orderBookSummary(ob exchange.OrderBookSnapshot) map[string]interface{} {
	summary := map[string]interface{}{
		"imbalance": b.round(orderBookImbalance(ob)),
	}
	if len(ob.Bids) > 0 {
		summary["best_bid"] = b.round(ob.Bids[0].Price)
	}
	if len(ob.Asks) > 0 {
		summary["best_ask"] = b.round(ob.Asks[0].Price)
	}
	if len(ob.Bids) > 0 && len(ob.Asks) > 0 {
		summary["spread"] = b.round(ob.Asks[0].Price - ob.Bids[0].Price)
	}
	return summary
}

func orderBookImbalance(ob exchange.OrderBookSnapshot) float64 {
	totalBid := 0.0
	for _, level := range ob.Bids {
		totalBid += level.Amount
	}
	totalAsk := 0.0
	for _, level := range ob.Asks {
		totalAsk += level.Amount
	}
	return indicator.SafeDivide(totalBid-totalAsk, totalBid+totalAsk)
}

func (b *Builder) round(v float64) float64 {
	return RoundSignificant(v, b.cfg.SignificantDigits)
}

func (b *Builder) roundSlice(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = b.round(v)
	}
	return out
}
