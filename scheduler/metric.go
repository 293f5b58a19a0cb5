package scheduler

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"

	"dagbft/types"
)

func newSchedulerMetric(strategy string) *schedulerMetric {
	r := gometrics.NewRegistry()
	return &schedulerMetric{
		strategy:        strategy,
		sufficient:      gometrics.NewRegisteredCounter("scheduler.sufficient", r),
		insufficient:    gometrics.NewRegisteredCounter("scheduler.insufficient", r),
		alreadyExecuted: gometrics.NewRegisteredCounter("scheduler.already_executed", r),
		invalid:         gometrics.NewRegisteredCounter("scheduler.invalid", r),
		speculative:     gometrics.NewRegisteredCounter("scheduler.speculative", r),
		batchLatency:    gometrics.NewRegisteredHistogram("scheduler.batch_latency", r, gometrics.NewExpDecaySample(1028, 0.015)),
		settledVersion:  gometrics.NewRegisteredGauge("scheduler.settled_version", r),
		queuedBatches:   gometrics.NewRegisteredGauge("scheduler.queued_batches", r),
	}
}

type schedulerMetric struct {
	strategy string

	sufficient      gometrics.Counter
	insufficient    gometrics.Counter
	alreadyExecuted gometrics.Counter
	invalid         gometrics.Counter
	// 在版本结算之前就确定的结果数量
	speculative gometrics.Counter

	// 批次耗时，单位ns
	batchLatency   gometrics.Histogram
	settledVersion gometrics.Gauge
	queuedBatches  gometrics.Gauge
}

type schedulerMetricSnapshot struct {
	Strategy        string  `json:"strategy"`
	Sufficient      int64   `json:"sufficient"`
	Insufficient    int64   `json:"insufficient"`
	AlreadyExecuted int64   `json:"already_executed"`
	Invalid         int64   `json:"invalid"`
	Speculative     int64   `json:"speculative"`
	Batches         int64   `json:"batches"`
	LatencyMeanMs   float64 `json:"batch_latency_mean_ms"`
	LatencyP99Ms    float64 `json:"batch_latency_p99_ms"`
	SettledVersion  int64   `json:"settled_version"`
	QueuedBatches   int64   `json:"queued_batches"`
}

func (sm *schedulerMetric) markResult(status ScheduleStatus, speculative bool) {
	switch status {
	case SufficientBalance:
		sm.sufficient.Inc(1)
	case InsufficientBalance:
		sm.insufficient.Inc(1)
	case AlreadyExecuted:
		sm.alreadyExecuted.Inc(1)
	case InvalidWithdraw:
		sm.invalid.Inc(1)
	}
	if speculative {
		sm.speculative.Inc(1)
	}
}

func (sm *schedulerMetric) markBatchDone(submitted time.Time) {
	sm.batchLatency.Update(int64(time.Since(submitted)))
}

func (sm *schedulerMetric) markSettled(version types.Version) {
	sm.settledVersion.Update(int64(version))
}

func (sm *schedulerMetric) markQueued(n int) {
	sm.queuedBatches.Update(int64(n))
}

func (sm *schedulerMetric) snapshot() schedulerMetricSnapshot {
	latency := sm.batchLatency.Snapshot()
	return schedulerMetricSnapshot{
		Strategy:        sm.strategy,
		Sufficient:      sm.sufficient.Count(),
		Insufficient:    sm.insufficient.Count(),
		AlreadyExecuted: sm.alreadyExecuted.Count(),
		Invalid:         sm.invalid.Count(),
		Speculative:     sm.speculative.Count(),
		Batches:         latency.Count(),
		LatencyMeanMs:   latency.Mean() / float64(time.Millisecond),
		LatencyP99Ms:    latency.Percentile(0.99) / float64(time.Millisecond),
		SettledVersion:  sm.settledVersion.Value(),
		QueuedBatches:   sm.queuedBatches.Value(),
	}
}

func (sm *schedulerMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(sm.snapshot())
	return s
}
