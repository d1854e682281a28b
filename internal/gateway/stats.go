// Package gateway - stats.go exposes aggregated metrics as JSON.
//
// GET /stats returns operational and token-usage metrics.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/polyrelay/account-gateway/internal/costcontrol"
)

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime  string `json:"uptime"`
	Gateway struct {
		TotalRequests      int64 `json:"total_requests"`
		SuccessfulRequests int64 `json:"successful_requests"`
		Failovers          int64 `json:"failovers"`
		RateLimited        int64 `json:"rate_limited"`
	} `json:"gateway"`

	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`

	Spend struct {
		TotalUSD float64                     `json:"total_usd"`
		Accounts []costcontrol.SpendSnapshot `json:"accounts"`
	} `json:"spend"`
}

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var resp StatsResponse
	resp.Uptime = g.metrics.Uptime().Truncate(time.Second).String()

	stats := g.metrics.Stats()
	resp.Gateway.TotalRequests = stats["requests"]
	resp.Gateway.SuccessfulRequests = stats["successes"]
	resp.Gateway.Failovers = stats["failovers"]
	resp.Gateway.RateLimited = stats["rate_limited"]
	resp.Usage.InputTokens = stats["input_tokens"]
	resp.Usage.OutputTokens = stats["output_tokens"]

	resp.Spend.TotalUSD = g.costs.GlobalCost()
	resp.Spend.Accounts = g.costs.Snapshots()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
