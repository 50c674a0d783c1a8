package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"futures-trader/internal/config"
)

// Client 封装 USDⓈ-M 永续合约交易所的全部读写操作，并实现统一的重试机制。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// Raw 返回底层 ccxt 客户端。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// FetchCandles 获取指定合约指定周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchOrderBook 获取订单簿快照。
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int64) (OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 10
	}

	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		orderBook, err := c.exchange.FetchOrderBook(
			symbol,
			ccxt.WithFetchOrderBookLimit(depth),
		)
		if err != nil {
			return err
		}

		raw = orderBook
		return nil
	})
	if err != nil {
		return OrderBookSnapshot{}, err
	}

	return convertOrderBook(symbol, raw), nil
}

// FetchTickers 批量获取全市场行情摘要，用于标的池筛选。
func (c *Client) FetchTickers(ctx context.Context) (map[string]Ticker, error) {
	var raw ccxt.Tickers
	err := c.callWithRetry(ctx, "fetch_tickers", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		tickers, err := c.exchange.FetchTickers()
		if err != nil {
			return err
		}

		raw = tickers
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string]Ticker, len(raw.Tickers))
	for symbol, t := range raw.Tickers {
		result[symbol] = convertTicker(symbol, t)
	}
	return result, nil
}

// FetchBalance 获取指定资产的保证金概览。
func (c *Client) FetchBalance(ctx context.Context, asset string) (Balance, error) {
	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		balances, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}

		raw = balances
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	balance := Balance{Asset: asset}
	if v, ok := raw.Total[asset]; ok {
		balance.Total = derefFloat(v)
	}
	if v, ok := raw.Free[asset]; ok {
		balance.Free = derefFloat(v)
	}

	// 币安在 info.totalMarginBalance 里给出含未实现盈亏的净值，优先采用。
	balance.Equity = balance.Total
	if info, ok := raw.Info["totalMarginBalance"]; ok {
		if equity, ok := parseNumeric(info); ok && equity > 0 {
			balance.Equity = equity
		}
	}

	return balance, nil
}

// FetchPositions 获取全部非零持仓。
func (c *Client) FetchPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		positions, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}

		raw = positions
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]Position, 0, len(raw))
	for _, p := range raw {
		pos := convertPosition(p)
		if pos.Contracts == 0 {
			continue
		}
		result = append(result, pos)
	}
	return result, nil
}

// FetchOpenOrders 获取指定合约的全部未完结订单；symbol 为空时返回全市场挂单。
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		var (
			orders []ccxt.Order
			err    error
		)
		if symbol == "" {
			orders, err = c.exchange.FetchOpenOrders()
		} else {
			orders, err = c.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		}
		if err != nil {
			return err
		}

		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]Order, 0, len(raw))
	for _, o := range raw {
		result = append(result, convertOrder(o))
	}
	return result, nil
}

// FetchOrder 查询单个订单状态。
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (Order, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		order, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}

		raw = order
		return nil
	})
	if err != nil {
		if IsOrderMissing(err) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return Order{}, err
	}

	return convertOrder(raw), nil
}

// CancelOrder 撤销订单，订单已不存在时视为成功。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
	if err != nil && !IsOrderMissing(err) {
		return err
	}
	return nil
}

// CreateLimitOrder 提交限价单。
func (c *Client) CreateLimitOrder(ctx context.Context, symbol, side string, amount, price float64, params map[string]interface{}) (Order, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "create_limit_order", func() error {
		opts := []ccxt.CreateLimitOrderOptions{}
		if len(params) > 0 {
			opts = append(opts, ccxt.WithCreateLimitOrderParams(params))
		}
		order, err := c.exchange.CreateLimitOrder(symbol, side, amount, price, opts...)
		if err != nil {
			return err
		}

		raw = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return convertOrder(raw), nil
}

// CreateMarketOrder 提交市价单。
func (c *Client) CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, params map[string]interface{}) (Order, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "create_market_order", func() error {
		opts := []ccxt.CreateMarketOrderOptions{}
		if len(params) > 0 {
			opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
		}
		order, err := c.exchange.CreateMarketOrder(symbol, side, amount, opts...)
		if err != nil {
			return err
		}

		raw = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return convertOrder(raw), nil
}

// CreateStopMarket 提交触发后整仓平仓的止损市价单。
func (c *Client) CreateStopMarket(ctx context.Context, symbol, side string, stopPrice float64) (Order, error) {
	params := map[string]interface{}{
		"stopPrice":     stopPrice,
		"closePosition": true,
	}
	return c.createTriggerOrder(ctx, symbol, OrderTypeStopMarket, side, 0, params)
}

// CreateTakeProfitMarket 提交触发后按数量减仓的止盈市价单。
func (c *Client) CreateTakeProfitMarket(ctx context.Context, symbol, side string, amount, stopPrice float64) (Order, error) {
	params := map[string]interface{}{
		"stopPrice":  stopPrice,
		"reduceOnly": true,
	}
	return c.createTriggerOrder(ctx, symbol, OrderTypeTakeProfitMarket, side, amount, params)
}

func (c *Client) createTriggerOrder(ctx context.Context, symbol, orderType, side string, amount float64, params map[string]interface{}) (Order, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, strings.ToLower(orderType), func() error {
		order, err := c.exchange.CreateOrder(
			symbol,
			orderType,
			side,
			amount,
			ccxt.WithCreateOrderParams(params),
		)
		if err != nil {
			return err
		}

		raw = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return convertOrder(raw), nil
}

// SetLeverage 设置合约杠杆倍数。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	return c.callWithRetry(ctx, "set_leverage", func() error {
		res := <-c.exchange.SetLeverage(leverage, symbol, nil)
		if ccxt.IsError(res) {
			return ccxt.CreateReturnError(res)
		}
		return nil
	})
}

// FetchFundingRate 获取当前资金费率。
func (c *Client) FetchFundingRate(ctx context.Context, symbol string) (FundingInfo, error) {
	var raw ccxt.FundingRate
	err := c.callWithRetry(ctx, "fetch_funding_rate", func() error {
		rate, err := c.exchange.FetchFundingRate(symbol)
		if err != nil {
			return err
		}

		raw = rate
		return nil
	})
	if err != nil {
		return FundingInfo{}, err
	}

	info := FundingInfo{Symbol: symbol, FundingRate: derefFloat(raw.FundingRate)}
	if raw.FundingTimestamp != nil {
		info.NextFundingTime = time.UnixMilli(int64(*raw.FundingTimestamp)).UTC()
	}
	return info, nil
}

// FetchOpenInterest 获取合约持仓量。
func (c *Client) FetchOpenInterest(ctx context.Context, symbol string) (OpenInterestInfo, error) {
	var raw ccxt.OpenInterest
	err := c.callWithRetry(ctx, "fetch_open_interest", func() error {
		oi, err := c.exchange.FetchOpenInterest(symbol)
		if err != nil {
			return err
		}

		raw = oi
		return nil
	})
	if err != nil {
		return OpenInterestInfo{}, err
	}

	return OpenInterestInfo{
		Symbol: symbol,
		Amount: derefFloat(raw.OpenInterestAmount),
		Value:  derefFloat(raw.OpenInterestValue),
	}, nil
}

// MarketMeta 返回下单所需的市场精度与限额信息。
func (c *Client) MarketMeta(ctx context.Context, symbol string) (MarketMeta, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return MarketMeta{}, err
	}

	raw := c.exchange.Market(symbol)
	market, ok := raw.(map[string]interface{})
	if !ok || market == nil {
		return MarketMeta{}, fmt.Errorf("市场元数据缺失: %s", symbol)
	}

	meta := MarketMeta{
		Symbol:       symbol,
		AmountStep:   0.001,
		ContractSize: 1,
		MaxLeverage:  20,
	}

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		if v, ok := parseNumeric(precision["amount"]); ok && v > 0 {
			meta.AmountStep = precisionToStep(v)
		}
		if v, ok := parseNumeric(precision["price"]); ok && v > 0 {
			meta.PriceStep = precisionToStep(v)
		}
	}
	if v, ok := parseNumeric(market["contractSize"]); ok && v > 0 {
		meta.ContractSize = v
	}
	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			if v, ok := parseNumeric(amount["min"]); ok {
				meta.MinAmount = v
			}
		}
		if cost, ok := limits["cost"].(map[string]interface{}); ok {
			if v, ok := parseNumeric(cost["min"]); ok {
				meta.MinNotional = v
			}
		}
		if lev, ok := limits["leverage"].(map[string]interface{}); ok {
			if v, ok := parseNumeric(lev["max"]); ok && v > 0 {
				meta.MaxLeverage = v
			}
		}
	}

	return meta, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) OrderBookSnapshot {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
}

func convertTicker(symbol string, t ccxt.Ticker) Ticker {
	ticker := Ticker{
		Symbol:      symbol,
		Last:        derefFloat(t.Last),
		QuoteVolume: derefFloat(t.QuoteVolume),
		Percentage:  derefFloat(t.Percentage),
	}
	if t.Timestamp != nil {
		ticker.Timestamp = time.UnixMilli(int64(*t.Timestamp)).UTC()
	}
	return ticker
}

func convertOrder(o ccxt.Order) Order {
	order := Order{
		ID:            derefString(o.Id),
		ClientOrderID: derefString(o.ClientOrderId),
		Symbol:        derefString(o.Symbol),
		Type:          derefString(o.Type),
		Side:          derefString(o.Side),
		Price:         derefFloat(o.Price),
		Amount:        derefFloat(o.Amount),
		Filled:        derefFloat(o.Filled),
		Remaining:     derefFloat(o.Remaining),
		Average:       derefFloat(o.Average),
		Status:        derefString(o.Status),
	}
	if o.ReduceOnly != nil {
		order.ReduceOnly = *o.ReduceOnly
	}
	if o.Timestamp != nil {
		order.CreatedAt = time.UnixMilli(int64(*o.Timestamp)).UTC()
	}
	if o.Info != nil {
		if v, ok := parseNumeric(o.Info["stopPrice"]); ok {
			order.StopPrice = v
		}
		if v, ok := o.Info["closePosition"].(bool); ok {
			order.ClosePosition = v
		} else if s, ok := o.Info["closePosition"].(string); ok {
			order.ClosePosition = strings.EqualFold(s, "true")
		}
	}
	return order
}

func convertPosition(p ccxt.Position) Position {
	pos := Position{
		Symbol:        derefString(p.Symbol),
		Side:          derefString(p.Side),
		Contracts:     derefFloat(p.Contracts),
		EntryPrice:    derefFloat(p.EntryPrice),
		MarkPrice:     derefFloat(p.MarkPrice),
		Notional:      derefFloat(p.Notional),
		UnrealizedPnl: derefFloat(p.UnrealizedPnl),
		Leverage:      derefFloat(p.Leverage),
	}
	return pos
}

// precisionToStep 兼容两种精度表达：小数位数（3 -> 0.001）或直接的步长（0.001）。
func precisionToStep(v float64) float64 {
	if v >= 1 {
		step := 1.0
		for i := 0; i < int(v) && i < 12; i++ {
			step /= 10
		}
		return step
	}
	return v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
