package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/costcontrol"
	"github.com/polyrelay/account-gateway/internal/monitoring"
	"github.com/polyrelay/account-gateway/internal/session"
	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

// handleMessages serves the messages endpoint: route, convert, select an
// account, call upstream, transcode. Retriable failures loop back to the
// selector with the failed account excluded, bounded by MaxSelectAttempts.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	if !g.authorized(r) {
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var req unified.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if orphans := req.OrphanToolResults(); len(orphans) > 0 {
		log.Debug().Strs("tool_use_ids", orphans).Msg("request carries unmatched tool results")
	}

	platform, upstreamModel, ok := g.cfg.Resolve(req.Model)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "no route for model "+req.Model)
		return
	}
	provider, ok := g.providers[platform]
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "api_error", "platform not configured: "+platform)
		return
	}

	ctx := r.Context()
	sessionKey, _ := session.ComputeKey(&req)
	preferred, _ := g.sessions.Lookup(ctx, sessionKey)

	cr, err := provider.Convert(&req, upstream.ConvertOptions{
		UpstreamModel: upstreamModel,
		SessionID:     sessionKey,
		SignatureOK: func(sig string) bool {
			return g.sigs.IsCompatible(ctx, sig, upstreamModel)
		},
		ToolSignature: func(toolUseID string) string {
			sig := g.sigs.ToolCallSignature(ctx, toolUseID)
			if sig == "" || !g.sigs.IsCompatible(ctx, sig, upstreamModel) {
				return ""
			}
			return sig
		},
		SessionSignature: func(messageCount int) string {
			sig := g.sigs.SessionSignature(ctx, sessionKey, messageCount)
			if sig == "" || !g.sigs.IsCompatible(ctx, sig, upstreamModel) {
				return ""
			}
			return sig
		},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	exclude := map[string]bool{}
	var lastErr error
	attempts := 0

	for attempts < config.MaxSelectAttempts {
		attempts++

		acct, err := g.selector.Select(ctx, platform, upstreamModel, preferred, exclude)
		if err != nil {
			lastErr = err
			break
		}
		preferred = ""

		if budget := g.costs.CheckBudget(acct.ID); !budget.Allowed {
			if budget.GlobalCap > 0 && budget.GlobalCost >= budget.GlobalCap {
				lastErr = errGlobalCapExceeded
				break
			}
			exclude[acct.ID] = true
			lastErr = errAccountCapExceeded
			continue
		}

		resp, err := provider.Do(ctx, acct, cr, req.Stream)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("request_id", requestID).
				Str("account_id", acct.ID).
				Str("platform", platform).
				Msg("upstream call failed")
			if g.selector.HandleFailure(ctx, acct, 0) && attempts < config.MaxSelectAttempts {
				exclude[acct.ID] = true
				g.metrics.RecordFailover()
				continue
			}
			break
		}

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxErrorBodyLogLen))
			_ = resp.Body.Close()
			lastErr = upstream.NewStatusError(resp.StatusCode, errBody, config.MaxErrorBodyLogLen)
			log.Warn().
				Str("request_id", requestID).
				Str("account_id", acct.ID).
				Int("status", resp.StatusCode).
				Str("platform", platform).
				Msg("upstream returned error status")

			if resp.StatusCode == http.StatusTooManyRequests {
				g.metrics.RecordRateLimited()
			}
			if g.selector.HandleFailure(ctx, acct, resp.StatusCode) && attempts < config.MaxSelectAttempts {
				exclude[acct.ID] = true
				g.metrics.RecordFailover()
				continue
			}
			break
		}

		g.streamResponse(ctx, w, &req, acct, provider, cr, resp, streamParams{
			requestID:     requestID,
			platform:      platform,
			upstreamModel: upstreamModel,
			sessionKey:    sessionKey,
			clientIP:      r.RemoteAddr,
			start:         start,
			attempts:      attempts,
		})
		return
	}

	g.metrics.RecordRequest(false, time.Since(start))
	g.recordFailure(requestID, platform, upstreamModel, &req, r.RemoteAddr, attempts, start, lastErr)
	writeFailure(w, lastErr)
}

type streamParams struct {
	requestID     string
	platform      string
	upstreamModel string
	sessionKey    string
	clientIP      string
	start         time.Time
	attempts      int
}

// streamResponse transcodes the upstream body into the client response and
// kicks off usage bookkeeping once the client has been served.
func (g *Gateway) streamResponse(ctx context.Context, w http.ResponseWriter, req *unified.Request, acct *account.Account, provider upstream.Provider, cr *upstream.ConvertResult, resp *http.Response, p streamParams) {
	defer func() { _ = resp.Body.Close() }()

	var sink http.ResponseWriter
	if req.Stream {
		sink = w
	}
	sw := unified.NewStreamWriter(ctx, sink)
	em := upstream.NewEmitter(sw, req.Model, cr.Names)

	res, err := provider.Transcode(ctx, resp.Body, em, cr)
	if err != nil {
		// The emitter has already force-closed the stream protocol.
		log.Error().Err(err).Str("request_id", p.requestID).Msg("transcode failed")
	}
	if res == nil {
		res = &upstream.Result{
			StopReason: em.StopReason(),
			Usage:      em.Usage(),
			RawUsage:   em.RawUsage(),
		}
	}
	res.SSEText = sw.Transcript()

	if !req.Stream {
		msg, err := em.Message()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", "failed to assemble response")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(msg)
	}

	go g.afterResponse(req, acct, em, res, p)
}

// afterResponse records signatures, session affinity, usage, and cost. It
// runs off the request path and must never block the response.
func (g *Gateway) afterResponse(req *unified.Request, acct *account.Account, em *upstream.Emitter, res *upstream.Result, p streamParams) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.sessions.Bind(ctx, p.sessionKey, acct.ID)

	sigs, toolSigs := em.Signatures()
	for _, sig := range sigs {
		g.sigs.Remember(ctx, sig, p.upstreamModel)
	}
	for toolID, sig := range toolSigs {
		g.sigs.RememberToolCall(ctx, toolID, sig)
	}
	if len(sigs) > 0 && p.sessionKey != "" {
		g.sigs.RememberSession(ctx, p.sessionKey, sigs[len(sigs)-1], len(req.Messages)+1)
	}

	pricing := costcontrol.GetModelPricing(p.upstreamModel)
	cost := costcontrol.CalculateCostWithCache(
		res.RawUsage.InputTokens, res.RawUsage.OutputTokens,
		res.RawUsage.CacheCreationInputTokens, res.RawUsage.CacheReadInputTokens, pricing)

	g.costs.RecordCost(acct.ID, p.upstreamModel, cost)

	totalTokens := int64(res.RawUsage.InputTokens + res.RawUsage.OutputTokens)
	g.selector.ReportSuccess(acct, totalTokens)
	g.metrics.RecordRequest(true, time.Since(p.start))
	g.metrics.RecordAPIUsage(res.Usage.InputTokens, res.Usage.OutputTokens)

	g.tracker.RecordRequest(&monitoring.RequestEvent{
		RequestID:       p.requestID,
		Timestamp:       time.Now(),
		ClientIP:        p.clientIP,
		Platform:        p.platform,
		Model:           req.Model,
		UpstreamModel:   p.upstreamModel,
		AccountID:       acct.ID,
		Stream:          req.Stream,
		StatusCode:      http.StatusOK,
		StopReason:      res.StopReason,
		Attempts:        p.attempts,
		Success:         true,
		InputTokens:     res.Usage.InputTokens,
		OutputTokens:    res.Usage.OutputTokens,
		CacheReadTokens: res.Usage.CacheReadInputTokens,
		RawInputTokens:  res.RawUsage.InputTokens,
		CostUSD:         cost,
		UpstreamBytes:   len(res.RawText),
		SSEBytes:        len(res.SSEText),
		LatencyMs:       time.Since(p.start).Milliseconds(),
	})
}

func (g *Gateway) recordFailure(requestID, platform, upstreamModel string, req *unified.Request, clientIP string, attempts int, start time.Time, err error) {
	event := &monitoring.RequestEvent{
		RequestID:     requestID,
		Timestamp:     time.Now(),
		ClientIP:      clientIP,
		Platform:      platform,
		Model:         req.Model,
		UpstreamModel: upstreamModel,
		Stream:        req.Stream,
		Attempts:      attempts,
		Success:       false,
		LatencyMs:     time.Since(start).Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			event.StatusCode = statusErr.Code
		}
	}
	g.tracker.RecordRequest(event)
}
