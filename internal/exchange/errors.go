package exchange

import (
	"errors"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrOrderNotFound 表示订单在交易所侧已不存在。
	ErrOrderNotFound = errors.New("order not found")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
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
			return true
		default:
			return false
		}
	}

	return false
}

// IsMaxStopOrders 判断是否为条件单数量达到上限的业务拒绝（币安 -4045）。
// 该错误不应重试，也不应让整轮保护流程失败。
func IsMaxStopOrders(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	if strings.Contains(msg, "-4045") {
		return true
	}
	return strings.Contains(strings.ToLower(msg), "reach max stop order limit")
}

// IsOrderMissing 判断订单是否已不存在（撤单/查单时的幂等处理）。
func IsOrderMissing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown order") || strings.Contains(msg, "order does not exist")
}
