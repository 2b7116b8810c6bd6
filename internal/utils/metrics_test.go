package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollectorConcurrentCounters(t *testing.T) {
	collector := NewMetricsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				collector.IncrementCounter("hits")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), collector.GetCounterValue("hits"))
	assert.Zero(t, collector.GetCounterValue("missing"))
}

func TestMetricsCollectorHistogramSnapshot(t *testing.T) {
	collector := NewMetricsCollector()
	collector.RecordHistogram("latency", 30)
	collector.RecordHistogram("latency", 10)
	collector.RecordHistogram("latency", 20)

	snapshot := collector.GetMetrics()
	histograms, ok := snapshot["histograms"].(map[string]map[string]int64)
	require.True(t, ok)
	assert.Equal(t, map[string]int64{"count": 3, "sum": 60, "min": 10, "max": 30, "avg": 20}, histograms["latency"])
}

func TestAPIMetricsStageAndProviderCounters(t *testing.T) {
	collector := NewMetricsCollector()
	metrics := NewAPIMetricsWith(collector)

	metrics.RecordStage("beat-sheet", true, true, 5*time.Millisecond)
	metrics.RecordStage("beat-sheet", false, false, time.Millisecond)
	metrics.RecordLLMRequest("OpenRouter", "model-a", 120, time.Second)
	metrics.RecordLLMFailure("OpenRouter", true)
	metrics.RecordRetry("OpenRouter")

	assert.Equal(t, int64(1), collector.GetCounterValue("stages_succeeded_beat_sheet"))
	assert.Equal(t, int64(1), collector.GetCounterValue("stages_failed_beat_sheet"))
	assert.Equal(t, int64(1), collector.GetCounterValue("parse_fallbacks_beat_sheet"))
	assert.Equal(t, int64(1), collector.GetCounterValue("llm_requests_openrouter"))
	assert.Equal(t, int64(120), collector.GetCounterValue("llm_tokens_total"))
	assert.Equal(t, int64(1), collector.GetCounterValue("llm_transient_failures_total"))
	assert.Equal(t, int64(1), collector.GetCounterValue("llm_retries_openrouter"))
}

func TestAPIMetricsGauges(t *testing.T) {
	collector := NewMetricsCollector()
	metrics := NewAPIMetricsWith(collector)

	metrics.PipelineStarted()
	metrics.PipelineStarted()
	assert.Equal(t, int64(2), collector.GetGauge("pipeline_runs_active"))

	metrics.PipelineFinished(true, time.Second)
	assert.Equal(t, int64(1), collector.GetGauge("pipeline_runs_active"))
	assert.Equal(t, int64(1), collector.GetCounterValue("pipeline_runs_cancelled"))
	assert.Equal(t, int64(2), collector.GetCounterValue("pipeline_runs_total"))

	metrics.WebSocketConnections(3)
	metrics.WebSocketConnections(-1)
	assert.Equal(t, int64(2), collector.GetGauge("websocket_connections"))

	collector.SetGauge("websocket_connections", 0)
	assert.Zero(t, collector.GetGauge("websocket_connections"))
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "get__api_generate_stage", metricName("GET_/api/generate/stage"))
	assert.Equal(t, "beat_sheet", metricName("beat-sheet"))
}
