package metric

import jsoniter "github.com/json-iterator/go"

// MetricItem - 一个独立的metric模块对应一个MetricItem
// JSONString 返回该模块当前的JSON快照
type MetricItem interface {
	JSONString() string
}

// FuncItem 把一个返回任意结构体的函数包装成MetricItem
type FuncItem func() interface{}

func (f FuncItem) JSONString() string {
	s, err := jsoniter.MarshalToString(f())
	if err != nil {
		return "{}"
	}
	return s
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return `"` + mock.name + `"`
}
