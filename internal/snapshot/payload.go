package snapshot

import (
	"math"
)

// Payload 是提交给决策模型的单合约行情载荷。
// 只包含有限数值与非空集合，所有浮点按有效位数取整以压缩提示词体积。
type Payload map[string]interface{}

// RoundSignificant 将数值按有效位数取整；非有限值原样返回，由 Compact 负责剔除。
func RoundSignificant(v float64, digits int) float64 {
	if digits <= 0 || v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	magnitude := math.Ceil(math.Log10(math.Abs(v)))
	power := float64(digits) - magnitude
	scale := math.Pow(10, power)
	return math.Round(v*scale) / scale
}

// Compact 递归剔除非有限数值、nil、空字符串与空集合。
func Compact(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case float32:
		return Compact(float64(v))
	case string:
		if v == "" {
			return nil
		}
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			if cleaned := Compact(item); cleaned != nil {
				out[key] = cleaned
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case Payload:
		return Compact(map[string]interface{}(v))
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			if cleaned := Compact(item); cleaned != nil {
				out = append(out, cleaned)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []float64:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			if cleaned := Compact(item); cleaned != nil {
				out = append(out, cleaned)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case nil:
		return nil
	default:
		return v
	}
}

// CompactPayload 对载荷做一次 Compact 并保持 Payload 类型。
func CompactPayload(p Payload) Payload {
	cleaned := Compact(p)
	if cleaned == nil {
		return Payload{}
	}
	if m, ok := cleaned.(map[string]interface{}); ok {
		return Payload(m)
	}
	return Payload{}
}
