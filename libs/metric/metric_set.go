package metric

import (
	"errors"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var (
	ErrMetricLabelExist = errors.New("metric label already exist")
)

func NewMetricSet() *MetricSet {
	return &MetricSet{
		metrics: make(map[string]MetricItem),
	}
}

// MetricSet 按label汇总各个模块的MetricItem
type MetricSet struct {
	mtx     sync.RWMutex
	metrics map[string]MetricItem
}

// SetMetrics - 根据label设置对应的Metrics，如果有存在的label，则返回error
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()

	if _, existed := ms.metrics[label]; existed {
		return ErrMetricLabelExist
	}
	ms.metrics[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	_, existed := ms.metrics[label]
	ms.mtx.RUnlock()
	return existed
}

func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.metrics[label]
}

// GetAlllabels 按字典序返回
func (ms *MetricSet) GetAlllabels() []string {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()

	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (ms *MetricSet) GetAllMetrics() []MetricItem {
	labels := ms.GetAlllabels()

	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	vals := make([]MetricItem, 0, len(labels))
	for _, label := range labels {
		vals = append(vals, ms.metrics[label])
	}
	return vals
}

// JSONString 输出 {"label": <item json>, ...}，label有序
func (ms *MetricSet) JSONString() string {
	ms.mtx.RLock()
	items := make(map[string]jsoniter.RawMessage, len(ms.metrics))
	for label, item := range ms.metrics {
		items[label] = jsoniter.RawMessage(item.JSONString())
	}
	ms.mtx.RUnlock()

	s, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(items)
	if err != nil {
		return "{}"
	}
	return s
}
