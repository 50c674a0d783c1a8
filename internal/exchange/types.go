package exchange

import "time"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// Ticker 为单个合约的行情摘要。
type Ticker struct {
	Symbol      string
	Last        float64
	QuoteVolume float64
	Percentage  float64
	Timestamp   time.Time
}

// Balance 为账户保证金概览。
type Balance struct {
	Asset  string
	Total  float64
	Free   float64
	Equity float64
}

// Order 为统一化后的订单视图。
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Type          string
	Side          string
	Price         float64
	StopPrice     float64
	Amount        float64
	Filled        float64
	Remaining     float64
	Average       float64
	Status        string
	ReduceOnly    bool
	ClosePosition bool
	CreatedAt     time.Time
}

// Position 为统一化后的持仓视图。
type Position struct {
	Symbol        string
	Side          string
	Contracts     float64
	EntryPrice    float64
	MarkPrice     float64
	Notional      float64
	UnrealizedPnl float64
	Leverage      float64
}

// MarketMeta 汇总下单所需的市场元数据。
type MarketMeta struct {
	Symbol       string
	AmountStep   float64
	PriceStep    float64
	MinAmount    float64
	MinNotional  float64
	ContractSize float64
	MaxLeverage  float64
}

// FundingInfo 为资金费率信息。
type FundingInfo struct {
	Symbol          string
	FundingRate     float64
	NextFundingTime time.Time
}

// OpenInterestInfo 为持仓量信息。
type OpenInterestInfo struct {
	Symbol string
	Amount float64
	Value  float64
}

// 订单状态与类型常量，与交易所统一语义对齐。
const (
	OrderStatusOpen     = "open"
	OrderStatusClosed   = "closed"
	OrderStatusCanceled = "canceled"

	OrderTypeLimit            = "limit"
	OrderTypeMarket           = "market"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"

	SideBuy  = "buy"
	SideSell = "sell"
)
