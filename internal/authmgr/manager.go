// Package authmgr keeps an account's OAuth access token fresh on demand,
// deduplicating concurrent refreshes per account and deactivating accounts
// whose refresh token has been permanently rejected upstream (spec §4.D).
package authmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
	"github.com/hhsw2015/codex-lb/internal/codec"
	"github.com/hhsw2015/codex-lb/internal/oauthclient"
)

// DefaultPlanType is used when a refresh response carries an empty plan
// type and the account had none on file either.
const DefaultPlanType = "free"

// PermanentFailureCodes classifies which OAuth refresh failures deactivate
// the account rather than being retried. It is the same map as
// oauthclient.PermanentFailureCodes, not a copy, so both names always hold
// the same code set.
var PermanentFailureCodes = oauthclient.PermanentFailureCodes

// Manager ensures accounts carry a fresh access token, refreshing through
// an oauthclient.Client and persisting through a Repository port.
type Manager struct {
	oauth      *oauthclient.Client
	codec      *codec.Codec
	repo       accountpool.Repository
	refreshTTL time.Duration

	inflight singleflight.Group
}

// New builds a Manager. refreshTTL is the threshold past which
// ShouldRefresh reports true for an account's last refresh instant.
func New(oauth *oauthclient.Client, c *codec.Codec, repo accountpool.Repository, refreshTTL time.Duration) *Manager {
	return &Manager{oauth: oauth, codec: c, repo: repo, refreshTTL: refreshTTL}
}

// ShouldRefresh reports whether now-lastRefresh exceeds the configured
// refresh TTL.
func (m *Manager) ShouldRefresh(lastRefresh time.Time) bool {
	if lastRefresh.IsZero() {
		return true
	}
	return time.Since(lastRefresh) > m.refreshTTL
}

// EnsureFresh returns acct unchanged unless force is set or ShouldRefresh
// says the access token is stale, in which case it refreshes (deduplicated
// per account id across concurrent callers) and returns the updated
// account.
func (m *Manager) EnsureFresh(ctx context.Context, acct *accountpool.Account, force bool) (*accountpool.Account, error) {
	if !force && !m.ShouldRefresh(acct.LastRefresh) {
		return acct, nil
	}
	return m.RefreshAccount(ctx, acct)
}

// RefreshAccount performs the refresh-token exchange for acct. At most one
// refresh per account id is in flight at a time; concurrent callers share
// the in-flight result rather than starting a second exchange (spec §5).
func (m *Manager) RefreshAccount(ctx context.Context, acct *accountpool.Account) (*accountpool.Account, error) {
	v, err, _ := m.inflight.Do(acct.ID, func() (interface{}, error) {
		return m.doRefresh(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return v.(*accountpool.Account), nil
}

func (m *Manager) doRefresh(ctx context.Context, acct *accountpool.Account) (*accountpool.Account, error) {
	refreshToken, err := m.codec.Decrypt(acct.RefreshTokenEnc, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("authmgr: decrypt refresh token: %w", err)
	}

	tokens, err := m.oauth.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, m.handleRefreshFailure(ctx, acct, err)
	}

	accessEnc, err := m.codec.Encrypt(tokens.AccessToken, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("authmgr: encrypt access token: %w", err)
	}
	refreshEnc, err := m.codec.Encrypt(tokens.RefreshToken, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("authmgr: encrypt refresh token: %w", err)
	}
	idEnc, err := m.codec.Encrypt(tokens.IDToken, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("authmgr: encrypt id token: %w", err)
	}

	updated := *acct
	updated.AccessTokenEnc = accessEnc
	updated.RefreshTokenEnc = refreshEnc
	updated.IDTokenEnc = idEnc
	updated.LastRefresh = time.Now()

	if info := oauthclient.ParseIDToken(tokens.IDToken); info != nil {
		updated.PlanType = accountpool.CoerceAccountPlanType(info.PlanType, coalesce(acct.PlanType, DefaultPlanType))
		if info.Email != "" {
			updated.Email = info.Email
		}
	} else {
		updated.PlanType = coalesce(acct.PlanType, DefaultPlanType)
	}

	if _, err := m.repo.UpdateTokens(acct.ID, updated.AccessTokenEnc, updated.RefreshTokenEnc, updated.IDTokenEnc,
		updated.LastRefresh, updated.PlanType, updated.Email); err != nil {
		return nil, fmt.Errorf("authmgr: persist refreshed tokens: %w", err)
	}

	return &updated, nil
}

// PermanentRefreshError reports that a refresh failure was classified
// permanent and the account has already been deactivated in the Repository.
// Callers that keep their own in-memory projection of account state (the
// balancer's Pool, notably) should mirror that transition locally rather
// than treating the failure as just another transient error to retry past.
type PermanentRefreshError struct {
	Err error
}

func (e *PermanentRefreshError) Error() string { return e.Err.Error() }
func (e *PermanentRefreshError) Unwrap() error { return e.Err }

// handleRefreshFailure classifies a refresh error: permanent failures
// deactivate the account and are re-raised wrapped in PermanentRefreshError;
// transient failures are re-raised untouched.
func (m *Manager) handleRefreshFailure(ctx context.Context, acct *accountpool.Account, refreshErr error) error {
	var oauthErr *oauthclient.Error
	if !errors.As(refreshErr, &oauthErr) {
		return refreshErr
	}

	reason, permanent := PermanentFailureCodes[oauthErr.Code]
	if !permanent {
		return refreshErr
	}

	if _, err := m.repo.UpdateStatus(acct.ID, accountpool.StatusDeactivated, reason); err != nil {
		return fmt.Errorf("authmgr: deactivate after permanent refresh failure: %w (original: %v)", err, refreshErr)
	}
	return &PermanentRefreshError{Err: refreshErr}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
