// Package accountpool defines the persistent Account model, the
// in-memory AccountState runtime projection, usage history rows, and the
// repository port these are read from and written through. The port is a
// consumed interface only — spec.md treats the concrete store as an
// external collaborator — but a SQLite-backed adapter lives in
// internal/store for a runnable end-to-end module.
package accountpool

import "time"

// Status is an account's lifecycle status.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusRateLimited    Status = "RATE_LIMITED"
	StatusQuotaExceeded  Status = "QUOTA_EXCEEDED"
	StatusPaused         Status = "PAUSED"
	StatusDeactivated    Status = "DEACTIVATED"
)

// Account is the persistent, operator-visible record of one pooled
// OAuth-authenticated identity.
type Account struct {
	ID                 string
	Email              string
	PlanType           string
	AccessTokenEnc     string
	RefreshTokenEnc    string
	IDTokenEnc         string
	LastRefresh        time.Time
	Status             Status
	DeactivationReason string
}

// WindowLabel names a rate-limit window. "primary" is the default; a
// persisted null label is treated as "primary" for back-compat.
type WindowLabel string

const (
	WindowPrimary   WindowLabel = "primary"
	WindowSecondary WindowLabel = "secondary"
)

// UsageHistory is one sampled usage row, written by the usage updater and
// read back by the balancer and the router's informational headers.
type UsageHistory struct {
	AccountID        string
	Window           WindowLabel
	UsedPercent      *float64
	ResetAt          *int64
	WindowMinutes    *int
	InputTokens      *int64
	OutputTokens     *int64
	CreditsHas       *bool
	CreditsUnlimited *bool
	CreditsBalance   *float64
	RecordedAt       time.Time
}

// Repository is the port the auth manager and usage updater persist
// through. It is consumed, not implemented, by the core per spec §1; see
// internal/store for a concrete SQLite adapter.
type Repository interface {
	UpdateStatus(accountID string, status Status, deactivationReason string) (bool, error)
	UpdateTokens(accountID, accessTokenEnc, refreshTokenEnc, idTokenEnc string, lastRefresh time.Time, planType, email string) (bool, error)

	InsertUsage(row UsageHistory) error
	AggregateUsageSince(accountID string, since time.Time) ([]UsageHistory, error)
	LatestUsageByAccount(accountID string) (*UsageHistory, *UsageHistory, error)
	LatestUsageWindowMinutes(accountID string, window WindowLabel) (int, bool, error)

	GetAccount(accountID string) (*Account, error)
	ListAccounts() ([]*Account, error)
}
