package utils

import (
	"math"
	"sort"
)

// 空输入统一返回-1

func Max(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := data[0]
	for _, datum := range data {
		if datum > res {
			res = datum
		}
	}
	return res
}

func Min(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := data[0]
	for _, datum := range data {
		if datum < res {
			res = datum
		}
	}
	return res
}

// Median 不修改输入
func Median(data ...float64) float64 {
	return Percentile(50, data...)
}

// Percentile 最近秩法，p取值 (0, 100]
func Percentile(p float64, data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func Avg(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := 0.0
	for _, datum := range data {
		res += datum
	}

	return res / float64(len(data))
}

// LatencyStats 一组延迟的汇总，单位与输入相同
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P99   float64 `json:"p99"`
}

func Summarize(data ...float64) LatencyStats {
	return LatencyStats{
		Count: len(data),
		Min:   Min(data...),
		Max:   Max(data...),
		Avg:   Avg(data...),
		P50:   Median(data...),
		P99:   Percentile(99, data...),
	}
}
