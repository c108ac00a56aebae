// Command codexlb runs the multi-account reverse proxy: it loads the
// account pool from SQLite, keeps OAuth tokens fresh, samples usage, and
// routes each downstream request to the least-loaded account.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
	"github.com/hhsw2015/codex-lb/internal/authmgr"
	"github.com/hhsw2015/codex-lb/internal/balancer"
	"github.com/hhsw2015/codex-lb/internal/codec"
	"github.com/hhsw2015/codex-lb/internal/config"
	"github.com/hhsw2015/codex-lb/internal/events"
	"github.com/hhsw2015/codex-lb/internal/oauthclient"
	"github.com/hhsw2015/codex-lb/internal/router"
	"github.com/hhsw2015/codex-lb/internal/server"
	"github.com/hhsw2015/codex-lb/internal/store"
	"github.com/hhsw2015/codex-lb/internal/usage"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, cfg.LogRingSize)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("codex-lb starting", "version", version, "config", cfg.String())

	repo, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	c := codec.New(cfg.EncryptionKey)

	oauth := oauthclient.New(cfg.AuthBaseURL, cfg.OAuthClientID, cfg.OAuthRedirectURI, cfg.OAuthScope, cfg.OAuthTimeout)
	authMgr := authmgr.New(oauth, c, repo, cfg.RefreshTTL)

	pool := balancer.NewPool()
	accounts, err := repo.ListAccounts()
	if err != nil {
		slog.Error("initial account load failed", "error", err)
		os.Exit(1)
	}
	for _, acct := range accounts {
		pool.Upsert(seedState(acct, repo))
	}
	slog.Info("account pool loaded", "accounts", len(accounts))

	bus := events.NewBus(cfg.EventRingSize)

	fetcher := usage.NewHTTPFetcher(cfg.UpstreamAPIURL+"/usage", cfg.OAuthTimeout)
	updater := usage.New(usage.Config{
		Enabled:                cfg.UsageRefreshEnabled,
		RefreshIntervalSeconds: cfg.UsageRefreshIntervalSeconds,
	}, fetcher, c, repo, authMgr)

	rt := &router.Router{
		Pool:             pool,
		Repo:             repo,
		Codec:            c,
		AuthMgr:          authMgr,
		Bus:              bus,
		UpstreamURL:      cfg.UpstreamAPIURL,
		HTTPClient:       &http.Client{Timeout: cfg.UpstreamTimeout},
		MaxRetryAccounts: cfg.MaxRetryAccounts,
		BackoffBase:      cfg.BackoffBase,
		BackoffFactor:    cfg.BackoffFactor,
		BackoffCeiling:   cfg.BackoffCeiling,
		MaxRequestBodyMB: cfg.MaxRequestBodyMB,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go updater.Run(ctx, func(ctx context.Context) ([]*accountpool.Account, error) {
		return repo.ListAccounts()
	}, func(accountID string) (*accountpool.UsageHistory, *accountpool.UsageHistory, error) {
		return repo.LatestUsageByAccount(accountID)
	})

	srv := server.New(cfg, repo, rt)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// seedState builds the balancer's runtime projection for acct from its
// most recent primary-window usage sample, if any (spec §5: the pool is
// seeded at startup from persisted accounts plus their latest usage row).
func seedState(acct *accountpool.Account, repo *store.SQLiteStore) *balancer.AccountState {
	usedPercent := 0.0
	if primary, _, err := repo.LatestUsageByAccount(acct.ID); err == nil && primary != nil && primary.UsedPercent != nil {
		usedPercent = *primary.UsedPercent
	}
	return balancer.NewAccountState(acct.ID, acct.Status, usedPercent)
}
