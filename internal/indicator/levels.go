package indicator

import (
	"math"
	"sort"
)

const pivotWindow = 3

// FindLevels 基于滑动窗口的局部极值识别支撑与阻力位。
// 返回值按与最新收盘价的距离排序，各取最近的 maxLevels 个。
func FindLevels(series Series, maxLevels int) (supports, resistances []float64) {
	if series.Len() < pivotWindow*2+1 || maxLevels <= 0 {
		return nil, nil
	}

	lastClose := Last(series.Close)
	if math.IsNaN(lastClose) || lastClose <= 0 {
		return nil, nil
	}

	var lows, highs []float64
	for i := pivotWindow; i < series.Len()-pivotWindow; i++ {
		if isPivotLow(series.Low, i) {
			lows = append(lows, series.Low[i])
		}
		if isPivotHigh(series.High, i) {
			highs = append(highs, series.High[i])
		}
	}

	supports = nearestLevels(dedupeLevels(lows, lastClose), lastClose, maxLevels, true)
	resistances = nearestLevels(dedupeLevels(highs, lastClose), lastClose, maxLevels, false)
	return supports, resistances
}

func isPivotLow(lows []float64, i int) bool {
	v := lows[i]
	for j := i - pivotWindow; j <= i+pivotWindow; j++ {
		if j == i {
			continue
		}
		if lows[j] < v {
			return false
		}
	}
	return true
}

func isPivotHigh(highs []float64, i int) bool {
	v := highs[i]
	for j := i - pivotWindow; j <= i+pivotWindow; j++ {
		if j == i {
			continue
		}
		if highs[j] > v {
			return false
		}
	}
	return true
}

// dedupeLevels 把相距小于0.2%的极值合并为一个价位。
func dedupeLevels(levels []float64, reference float64) []float64 {
	if len(levels) == 0 {
		return nil
	}
	sorted := make([]float64, len(levels))
	copy(sorted, levels)
	sort.Float64s(sorted)

	tolerance := reference * 0.002
	merged := []float64{sorted[0]}
	for _, v := range sorted[1:] {
		if v-merged[len(merged)-1] <= tolerance {
			merged[len(merged)-1] = (merged[len(merged)-1] + v) / 2
			continue
		}
		merged = append(merged, v)
	}
	return merged
}

func nearestLevels(levels []float64, lastClose float64, n int, below bool) []float64 {
	filtered := make([]float64, 0, len(levels))
	for _, v := range levels {
		if below && v < lastClose {
			filtered = append(filtered, v)
		}
		if !below && v > lastClose {
			filtered = append(filtered, v)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return math.Abs(filtered[i]-lastClose) < math.Abs(filtered[j]-lastClose)
	})

	if len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}
