// internal/utils/metrics.go
package utils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector 进程内计数器、仪表和直方图
type MetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]*atomic.Int64
	gauges     map[string]*atomic.Int64
	histograms map[string]*Histogram
}

// Histogram 只记录 count/sum/min/max
type Histogram struct {
	mu    sync.Mutex
	count int64
	sum   int64
	min   int64
	max   int64
}

func (h *Histogram) observe(value int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || value < h.min {
		h.min = value
	}
	if h.count == 0 || value > h.max {
		h.max = value
	}
	h.count++
	h.sum += value
}

func (h *Histogram) snapshot() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := map[string]int64{"count": h.count, "sum": h.sum, "min": h.min, "max": h.max, "avg": 0}
	if h.count > 0 {
		snap["avg"] = h.sum / h.count
	}
	return snap
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// NewMetricsCollector 创建独立的收集器，测试中使用
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*atomic.Int64),
		gauges:     make(map[string]*atomic.Int64),
		histograms: make(map[string]*Histogram),
	}
}

// lookup 先读锁查找，不存在时加写锁创建
func lookup[V any](mu *sync.RWMutex, series map[string]*V, name string) *V {
	mu.RLock()
	v, ok := series[name]
	mu.RUnlock()
	if ok {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok = series[name]; !ok {
		v = new(V)
		series[name] = v
	}
	return v
}

// IncrementCounter 计数器加一
func (m *MetricsCollector) IncrementCounter(name string) {
	m.AddCounter(name, 1)
}

// AddCounter 计数器加 value
func (m *MetricsCollector) AddCounter(name string, value int64) {
	lookup(&m.mu, m.counters, name).Add(value)
}

// SetGauge 设置仪表值
func (m *MetricsCollector) SetGauge(name string, value int64) {
	lookup(&m.mu, m.gauges, name).Store(value)
}

// AddGauge 仪表增减
func (m *MetricsCollector) AddGauge(name string, delta int64) {
	lookup(&m.mu, m.gauges, name).Add(delta)
}

// GetGauge 不存在时返回 0
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if gauge, ok := m.gauges[name]; ok {
		return gauge.Load()
	}
	return 0
}

// GetCounterValue 不存在时返回 0
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if counter, ok := m.counters[name]; ok {
		return counter.Load()
	}
	return 0
}

// RecordHistogram 记录一个观测值
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	lookup(&m.mu, m.histograms, name).observe(value)
}

// GetMetrics 所有指标的快照
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, counter := range m.counters {
		counters[name] = counter.Load()
	}
	gauges := make(map[string]int64, len(m.gauges))
	for name, gauge := range m.gauges {
		gauges[name] = gauge.Load()
	}
	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, histogram := range m.histograms {
		histograms[name] = histogram.snapshot()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// APIMetrics HTTP、模型调用和流水线指标
type APIMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewAPIMetrics 使用全局收集器
func NewAPIMetrics() *APIMetrics {
	return NewAPIMetricsWith(GetMetricsCollector())
}

// NewAPIMetricsWith 使用指定收集器
func NewAPIMetricsWith(collector *MetricsCollector) *APIMetrics {
	return &APIMetrics{metrics: collector, logger: GetLogger()}
}

// Collector 底层收集器
func (am *APIMetrics) Collector() *MetricsCollector {
	return am.metrics
}

// RecordAPIRequest records metrics for an API request
func (am *APIMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	am.metrics.IncrementCounter("api_requests_total")
	am.metrics.IncrementCounter("api_requests_" + metricName(method+"_"+endpoint))
	am.metrics.IncrementCounter(fmt.Sprintf("api_responses_%dxx", statusCode/100))
	am.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())

	am.logger.Debug("API request completed", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordLLMRequest records a successful provider call
func (am *APIMetrics) RecordLLMRequest(provider, model string, tokensUsed int, duration time.Duration) {
	am.metrics.IncrementCounter("llm_requests_total")
	am.metrics.IncrementCounter("llm_requests_" + metricName(provider))
	am.metrics.AddCounter("llm_tokens_total", int64(tokensUsed))
	am.metrics.RecordHistogram("llm_response_time_ms_"+metricName(provider), duration.Milliseconds())

	am.logger.Info("LLM request completed", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"tokens":   tokensUsed,
		"duration": duration.Milliseconds(),
	})
}

// RecordLLMFailure records a failed provider attempt
func (am *APIMetrics) RecordLLMFailure(provider string, transient bool) {
	am.metrics.IncrementCounter("llm_failures_" + metricName(provider))
	if transient {
		am.metrics.IncrementCounter("llm_transient_failures_total")
	}
}

// RecordRetry records a retry after a transient provider error
func (am *APIMetrics) RecordRetry(provider string) {
	am.metrics.IncrementCounter("llm_retries_" + metricName(provider))
}

// RecordFallback records a switch to the next provider target
func (am *APIMetrics) RecordFallback(from, to string) {
	am.metrics.IncrementCounter("llm_fallbacks_total")
	am.logger.Warn("Falling back to next provider", map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// RecordStage 单阶段结束，parseFallback 表示输出无法解析
func (am *APIMetrics) RecordStage(stage string, succeeded, parseFallback bool, duration time.Duration) {
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	am.metrics.IncrementCounter("stages_" + outcome + "_" + metricName(stage))
	if parseFallback {
		am.metrics.IncrementCounter("parse_fallbacks_" + metricName(stage))
	}
	am.metrics.RecordHistogram("stage_duration_ms_"+metricName(stage), duration.Milliseconds())
}

// PipelineStarted 进行中的流水线加一
func (am *APIMetrics) PipelineStarted() {
	am.metrics.IncrementCounter("pipeline_runs_total")
	am.metrics.AddGauge("pipeline_runs_active", 1)
}

// PipelineFinished 进行中的流水线减一
func (am *APIMetrics) PipelineFinished(cancelled bool, duration time.Duration) {
	am.metrics.AddGauge("pipeline_runs_active", -1)
	if cancelled {
		am.metrics.IncrementCounter("pipeline_runs_cancelled")
	}
	am.metrics.RecordHistogram("pipeline_duration_ms", duration.Milliseconds())
}

// WebSocketConnections 进度订阅连接数增减
func (am *APIMetrics) WebSocketConnections(delta int64) {
	am.metrics.AddGauge("websocket_connections", delta)
}

// RecordError records an error metric
func (am *APIMetrics) RecordError(errorType, component string) {
	am.metrics.IncrementCounter("errors_" + metricName(errorType))
	am.metrics.IncrementCounter("errors_" + metricName(component))

	am.logger.Error("Error recorded", map[string]interface{}{
		"type":      errorType,
		"component": component,
	})
}

// StartMetricsCollection 每分钟输出一次指标快照
func (am *APIMetrics) StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				am.logger.Info("Periodic metrics report", map[string]interface{}{
					"metrics": am.metrics.GetMetrics(),
				})
			}
		}
	}()
}

// metricName 转成小写下划线形式
func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}
