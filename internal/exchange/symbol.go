package exchange

import (
	"strings"
	"unicode"
)

// UnifiedSymbol 把交易所原始符号（如 BTCUSDT）转为 ccxt 统一符号（BTC/USDT:USDT）。
// 已经是统一格式的输入原样返回。
func UnifiedSymbol(instID, quote string) string {
	if strings.Contains(instID, "/") {
		return instID
	}
	base := BaseAsset(instID, quote)
	if base == "" {
		return instID
	}
	return base + "/" + quote + ":" + quote
}

// InstrumentID 把 ccxt 统一符号还原为交易所原始符号。
func InstrumentID(symbol string) string {
	s := symbol
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

// BaseAsset 从原始符号中剥离计价币得到基础币。
func BaseAsset(instID, quote string) string {
	if strings.Contains(instID, "/") {
		instID = InstrumentID(instID)
	}
	if quote != "" && strings.HasSuffix(instID, quote) {
		return strings.TrimSuffix(instID, quote)
	}
	return instID
}

// NormalizeBase 去除基础币的倍数前缀（1000PEPE -> PEPE），用于与行情站点的币种对齐。
func NormalizeBase(base string) string {
	trimmed := strings.TrimLeftFunc(base, unicode.IsDigit)
	if trimmed == "" {
		return base
	}
	return trimmed
}
