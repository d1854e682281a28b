// The gateway binary loads configuration, opens the shared store, imports
// accounts, wires the provider integrations, and serves the messages API.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/gateway"
	"github.com/polyrelay/account-gateway/internal/monitoring"
	"github.com/polyrelay/account-gateway/internal/session"
	"github.com/polyrelay/account-gateway/internal/sigcache"
	"github.com/polyrelay/account-gateway/internal/store"
	"github.com/polyrelay/account-gateway/internal/upstream"
	"github.com/polyrelay/account-gateway/internal/upstream/antigravity"
	"github.com/polyrelay/account-gateway/internal/upstream/kiro"
	"github.com/polyrelay/account-gateway/internal/upstream/openai"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	accountsPath := flag.String("accounts", "", "accounts YAML to import before serving (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open store")
	}
	defer func() { _ = st.Close() }()
	st.StartCleanup(ctx)

	repo, err := account.NewSQLRepository(st.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare account repository")
	}

	importFile := cfg.Accounts.File
	if *accountsPath != "" {
		importFile = *accountsPath
	}
	if importFile != "" {
		n, err := account.ImportYAML(ctx, repo, importFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", importFile).Msg("account import failed")
		}
		log.Info().Int("count", n).Str("path", importFile).Msg("accounts imported")
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: config.DefaultDialTimeout,
			}).DialContext,
			ResponseHeaderTimeout: config.DefaultResponseHeaderTimeout,
		},
	}

	agCreds := antigravity.NewCredentialStore(client, cfg.Providers.Antigravity.BaseURLs)
	creds := map[string]account.CredentialStore{
		account.PlatformAntigravity: agCreds,
		account.PlatformKiro:        kiro.NewCredentialStore(client, cfg.Providers.Kiro.Region),
		account.PlatformOpenAI:      openai.NewCredentialStore(client),
	}
	providers := map[string]upstream.Provider{
		account.PlatformAntigravity: antigravity.New(client, cfg.Providers.Antigravity.BaseURLs),
		account.PlatformKiro:        kiro.New(client, cfg.Providers.Kiro.Region),
		account.PlatformOpenAI:      openai.New(client, cfg.Providers.OpenAI.BaseURL),
	}

	selector := account.NewSelector(repo, st, st, creds, cfg.QuotaAliases)
	selector.SetQuotaRefresher(account.NewQuotaUpdater(repo, map[string]account.QuotaFetcher{
		account.PlatformAntigravity: agCreds,
	}))
	sessions := session.NewResolver(st)
	sigs := sigcache.New(st)

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.Enabled,
		LogPath:     cfg.Monitoring.LogPath,
		LogToStdout: cfg.Monitoring.LogToStdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open telemetry log")
	}
	defer func() { _ = tracker.Close() }()

	gw := gateway.New(cfg, st, selector, sessions, sigs, providers, tracker)

	if err := gw.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
