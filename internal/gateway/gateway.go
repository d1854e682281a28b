// Package gateway composes the core: it resolves the model route, asks the
// selector for a credentialed account, converts the request, issues the
// upstream call, and transcodes the upstream stream into the client-facing
// SSE grammar, looping back to the selector on account-level failures.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/costcontrol"
	"github.com/polyrelay/account-gateway/internal/monitoring"
	"github.com/polyrelay/account-gateway/internal/session"
	"github.com/polyrelay/account-gateway/internal/sigcache"
	"github.com/polyrelay/account-gateway/internal/store"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

// Gateway is the composition point for one running instance.
type Gateway struct {
	cfg       *config.Config
	store     *store.Store
	selector  *account.Selector
	sessions  *session.Resolver
	sigs      *sigcache.Cache
	providers map[string]upstream.Provider
	tracker   *monitoring.Tracker
	metrics   *monitoring.MetricsCollector
	costs     *costcontrol.Tracker
}

// New wires a gateway from its collaborators.
func New(
	cfg *config.Config,
	st *store.Store,
	selector *account.Selector,
	sessions *session.Resolver,
	sigs *sigcache.Cache,
	providers map[string]upstream.Provider,
	tracker *monitoring.Tracker,
) *Gateway {
	return &Gateway{
		cfg:       cfg,
		store:     st,
		selector:  selector,
		sessions:  sessions,
		sigs:      sigs,
		providers: providers,
		tracker:   tracker,
		metrics:   monitoring.NewMetricsCollector(),
		costs:     costcontrol.NewTracker(cfg.CostControl),
	}
}

// Handler returns the HTTP mux for the client-facing surface.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", g.handleMessages)
	mux.HandleFunc("POST /proxy/v1/messages", g.handleMessages)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	return mux
}

// Serve runs the HTTP server until the listener fails or ctx is canceled.
// On cancellation it drains in-flight requests before returning.
func (g *Gateway) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Server.Host, g.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.Server.ReadTimeout,
		WriteTimeout: g.cfg.Server.WriteTimeout,
	}
	g.tracker.RecordInit(g.buildInitEvent())
	log.Info().Str("addr", addr).Msg("gateway listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("draining in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleHealth verifies the store round-trips before reporting healthy.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.Exists(r.Context(), "health"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "api_error", "store unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// authorized checks the client API key when keys are configured.
func (g *Gateway) authorized(r *http.Request) bool {
	if len(g.cfg.Server.APIKeys) == 0 {
		return true
	}
	key := r.Header.Get("x-api-key")
	if key == "" {
		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) {
			key = auth[len(prefix):]
		}
	}
	for _, k := range g.cfg.Server.APIKeys {
		if key == k {
			return true
		}
	}
	return false
}

// isLoopback reports whether the remote address is local.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
