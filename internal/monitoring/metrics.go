// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: total and successful request counts
//   - failovers:          mid-request advances to another account
//   - rate_limited:       429 responses absorbed by cooldowns
//   - tokens:             billed input/output counts from upstream usage
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests    atomic.Int64
	successes   atomic.Int64
	failovers   atomic.Int64
	rateLimited atomic.Int64

	// Token counters (actual billed usage from upstream responses)
	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordRequest records a request.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordFailover records an advance to another account mid-request.
func (mc *MetricsCollector) RecordFailover() { mc.failovers.Add(1) }

// RecordRateLimited records a 429 absorbed by a cooldown.
func (mc *MetricsCollector) RecordRateLimited() { mc.rateLimited.Add(1) }

// RecordAPIUsage records actual token usage from the upstream response.
func (mc *MetricsCollector) RecordAPIUsage(inputTokens, outputTokens int) {
	mc.totalInputTokens.Add(int64(inputTokens))
	mc.totalOutputTokens.Add(int64(outputTokens))
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns current metrics as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":      mc.requests.Load(),
		"successes":     mc.successes.Load(),
		"failovers":     mc.failovers.Load(),
		"rate_limited":  mc.rateLimited.Load(),
		"input_tokens":  mc.totalInputTokens.Load(),
		"output_tokens": mc.totalOutputTokens.Load(),
	}
}

// Uptime returns time since the collector was created.
func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.startedAt)
}
