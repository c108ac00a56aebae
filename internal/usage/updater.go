// Package usage periodically samples each pooled account's upstream usage
// and writes UsageHistory rows the balancer's usage-driven transition
// consumes (spec §4.E).
package usage

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
	"github.com/hhsw2015/codex-lb/internal/authmgr"
	"github.com/hhsw2015/codex-lb/internal/codec"
)

// WindowSample is one reported rate-limit window from the upstream usage
// endpoint.
type WindowSample struct {
	UsedPercent         *float64
	ResetAt             *float64
	LimitWindowSeconds  int
	InputTokens         *int64
	OutputTokens        *int64
}

// CreditsSample is the upstream credits block, present on accounts with a
// credits balance rather than (or alongside) a percentage quota.
type CreditsSample struct {
	HasCredits bool
	Unlimited  bool
	Balance    float64
}

// Response is the decoded upstream usage payload for one account.
type Response struct {
	Primary      *WindowSample
	Secondary    *WindowSample
	RuntimeReset *float64
	Credits      *CreditsSample
}

// StatusError reports the HTTP status of a failed usage fetch so the
// updater can special-case 401.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// Fetcher calls the upstream usage endpoint with a bearer access token.
type Fetcher interface {
	FetchUsage(ctx context.Context, accessToken string) (Response, error)
}

// Updater owns the periodic sampling loop.
type Updater struct {
	enabled          bool
	refreshInterval  time.Duration
	fetcher          Fetcher
	codec            *codec.Codec
	repo             accountpool.Repository
	authMgr          *authmgr.Manager
}

// Config carries the updater's recognized configuration options (spec §6).
type Config struct {
	Enabled                 bool
	RefreshIntervalSeconds  int
}

// New builds an Updater. authMgr may be nil; when set, a 401 from the
// fetcher triggers one forced refresh and a single retry (spec §4.E).
func New(cfg Config, fetcher Fetcher, c *codec.Codec, repo accountpool.Repository, authMgr *authmgr.Manager) *Updater {
	interval := time.Duration(cfg.RefreshIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Updater{
		enabled:         cfg.Enabled,
		refreshInterval: interval,
		fetcher:         fetcher,
		codec:           c,
		repo:            repo,
		authMgr:         authMgr,
	}
}

// Run starts the periodic sampling loop; it returns when ctx is cancelled.
func (u *Updater) Run(ctx context.Context, listAccounts func(ctx context.Context) ([]*accountpool.Account, error), latestUsage func(accountID string) (*accountpool.UsageHistory, *accountpool.UsageHistory, error)) {
	if !u.enabled {
		return
	}
	ticker := time.NewTicker(u.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accounts, err := listAccounts(ctx)
			if err != nil {
				slog.Warn("usage updater: list accounts failed", "error", err)
				continue
			}
			u.RefreshAccounts(ctx, accounts, latestUsage)
		}
	}
}

// RefreshAccounts samples every account not deactivated and not sampled
// within the refresh interval, writing rows for each. Per-account failures
// are isolated: one account's error never aborts the others (spec §4.E,
// §5).
func (u *Updater) RefreshAccounts(ctx context.Context, accounts []*accountpool.Account, latestUsage func(accountID string) (*accountpool.UsageHistory, *accountpool.UsageHistory, error)) {
	if !u.enabled {
		return
	}

	sampled := 0
	for _, acct := range accounts {
		if acct.Status == accountpool.StatusDeactivated {
			continue
		}

		if latestUsage != nil {
			primary, _, err := latestUsage(acct.ID)
			if err == nil && primary != nil && time.Since(primary.RecordedAt) < u.refreshInterval {
				continue
			}
		}

		if u.refreshOne(ctx, acct) {
			sampled++
		}
	}

	slog.Info("usage updater: sampling pass complete",
		"accounts", len(accounts), "sampled", humanize.Comma(int64(sampled)))
}

func (u *Updater) refreshOne(ctx context.Context, acct *accountpool.Account) bool {
	accessToken, err := u.codec.Decrypt(acct.AccessTokenEnc, acct.ID)
	if err != nil {
		slog.Warn("usage updater: decrypt access token failed", "account_id", acct.ID, "error", err)
		return false
	}

	resp, err := u.fetcher.FetchUsage(ctx, accessToken)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized && u.authMgr != nil {
			refreshed, rerr := u.authMgr.EnsureFresh(ctx, acct, true)
			if rerr != nil {
				slog.Warn("usage updater: forced refresh failed", "account_id", acct.ID, "error", rerr)
				return false
			}
			accessToken, err = u.codec.Decrypt(refreshed.AccessTokenEnc, refreshed.ID)
			if err != nil {
				slog.Warn("usage updater: decrypt refreshed access token failed", "account_id", acct.ID, "error", err)
				return false
			}
			resp, err = u.fetcher.FetchUsage(ctx, accessToken)
		}
		if err != nil {
			slog.Warn("usage updater: fetch usage failed", "account_id", acct.ID, "error", err)
			return false
		}
	}

	u.writeRows(acct.ID, resp)
	return true
}

func (u *Updater) writeRows(accountID string, resp Response) {
	now := time.Now()

	if resp.Primary != nil && resp.Primary.UsedPercent != nil {
		minutes := windowMinutes(resp.Primary.LimitWindowSeconds)
		row := accountpool.UsageHistory{
			AccountID:     accountID,
			Window:        accountpool.WindowPrimary,
			UsedPercent:   resp.Primary.UsedPercent,
			ResetAt:       asInt64Ptr(resp.Primary.ResetAt),
			WindowMinutes: &minutes,
			InputTokens:   resp.Primary.InputTokens,
			OutputTokens:  resp.Primary.OutputTokens,
			RecordedAt:    now,
		}
		if resp.Credits != nil {
			row.CreditsHas = &resp.Credits.HasCredits
			row.CreditsUnlimited = &resp.Credits.Unlimited
			row.CreditsBalance = &resp.Credits.Balance
		}
		if err := u.repo.InsertUsage(row); err != nil {
			slog.Warn("usage updater: insert primary row failed", "account_id", accountID, "error", err)
		}
	}

	if resp.Secondary != nil && resp.Secondary.UsedPercent != nil {
		minutes := windowMinutes(resp.Secondary.LimitWindowSeconds)
		row := accountpool.UsageHistory{
			AccountID:     accountID,
			Window:        accountpool.WindowSecondary,
			UsedPercent:   resp.Secondary.UsedPercent,
			ResetAt:       asInt64Ptr(resp.Secondary.ResetAt),
			WindowMinutes: &minutes,
			InputTokens:   resp.Secondary.InputTokens,
			OutputTokens:  resp.Secondary.OutputTokens,
			RecordedAt:    now,
		}
		if err := u.repo.InsertUsage(row); err != nil {
			slog.Warn("usage updater: insert secondary row failed", "account_id", accountID, "error", err)
		}
	}
}

func windowMinutes(limitWindowSeconds int) int {
	if limitWindowSeconds <= 0 {
		return 1
	}
	minutes := (limitWindowSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

func asInt64Ptr(v *float64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

