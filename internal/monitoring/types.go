// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
package monitoring

import "time"

// TelemetryConfig controls telemetry recording.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// RequestEvent captures one request through the gateway.
type RequestEvent struct {
	RequestID     string    `json:"request_id"`
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"client_ip"`
	Platform      string    `json:"platform"`
	Model         string    `json:"model"`
	UpstreamModel string    `json:"upstream_model"`
	AccountID     string    `json:"account_id"`
	Stream        bool      `json:"stream"`
	StatusCode    int       `json:"status_code"`
	StopReason    string    `json:"stop_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`

	// Usage as surfaced to the client and as reported raw by the upstream.
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`
	RawInputTokens  int `json:"raw_input_tokens,omitempty"`

	CostUSD float64 `json:"cost_usd"`

	// Byte sizes of the raw upstream body and the client transcript.
	// Content itself is never logged.
	UpstreamBytes int `json:"upstream_bytes,omitempty"`
	SSEBytes      int `json:"sse_bytes,omitempty"`

	LatencyMs int64 `json:"latency_ms"`
}

// InitEvent captures gateway startup configuration.
type InitEvent struct {
	Timestamp            time.Time `json:"timestamp"`
	Event                string    `json:"event"`
	ServerPort           int       `json:"server_port"`
	ServerReadTimeoutMs  int64     `json:"server_read_timeout_ms"`
	ServerWriteTimeoutMs int64     `json:"server_write_timeout_ms"`
	Routes               int       `json:"routes"`
	Platforms            []string  `json:"platforms"`
	TelemetryPath        string    `json:"telemetry_path,omitempty"`
}
