// Package balancer owns the per-account runtime state map: it selects an
// eligible account for each request and classifies upstream outcomes into
// state transitions. This is the hardest component in the system (see
// DESIGN.md); instants are tracked as float64 Unix seconds throughout so
// sub-second retry-after hints ("Try again in 1.5s") round-trip exactly.
package balancer

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
)

// AccountState is the in-memory runtime projection of one account used by
// selection. Every mutation happens under Mu, acquired in the order:
// acquire -> read -> compute -> write -> release.
type AccountState struct {
	Mu sync.Mutex

	AccountID          string
	Status             accountpool.Status
	UsedPercent        float64
	ResetAt            *float64
	CooldownUntil      *float64
	ErrorCount         int
	LastErrorAt        *float64
	DeactivationReason string
}

// NewAccountState constructs a state for selection/transition tests and
// for seeding the balancer's map from a freshly loaded account.
func NewAccountState(id string, status accountpool.Status, usedPercent float64) *AccountState {
	return &AccountState{AccountID: id, Status: status, UsedPercent: usedPercent}
}

// Now returns the current instant as Unix seconds with sub-second
// precision, the same clock selection and transition logic is evaluated
// against.
func Now() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Selection is the result of SelectAccount: either an eligible account, or
// none with a human-readable wait hint.
type Selection struct {
	Account      *AccountState
	ErrorMessage string
}

// SelectAccount filters out PAUSED/DEACTIVATED accounts, clears expired
// cooldowns and expired rate-limit windows in place, and returns the
// eligible account with the lowest UsedPercent, tie-broken by
// (UsedPercent, ErrorCount, AccountID) for determinism (spec §9 Open
// Question (a)). If nothing is eligible, Selection.Account is nil and
// ErrorMessage reports the soonest deadline among skipped candidates.
func SelectAccount(states []*AccountState, now float64) Selection {
	type candidate struct {
		state    *AccountState
		deadline float64 // only meaningful when skipped for cooldown/reset
		skipped  bool
	}

	var candidates []candidate

	for _, s := range states {
		s.Mu.Lock()
		status := s.Status

		if status == accountpool.StatusPaused || status == accountpool.StatusDeactivated {
			s.Mu.Unlock()
			continue
		}

		if s.CooldownUntil != nil && *s.CooldownUntil <= now {
			s.CooldownUntil = nil
			s.LastErrorAt = nil
			s.ErrorCount = 0
		}

		if status == accountpool.StatusRateLimited && s.ResetAt != nil && *s.ResetAt <= now {
			s.Status = accountpool.StatusActive
			status = accountpool.StatusActive
			s.ResetAt = nil
		}

		cooldownActive := s.CooldownUntil != nil && *s.CooldownUntil > now
		resetActive := s.ResetAt != nil && *s.ResetAt > now
		eligible := status == accountpool.StatusActive && !cooldownActive && !resetActive

		if eligible {
			candidates = append(candidates, candidate{state: s})
		} else {
			deadline := 0.0
			has := false
			if cooldownActive {
				deadline = *s.CooldownUntil
				has = true
			}
			if resetActive && (!has || *s.ResetAt > deadline) {
				deadline = *s.ResetAt
				has = true
			}
			if has {
				candidates = append(candidates, candidate{state: s, deadline: deadline, skipped: true})
			}
		}
		s.Mu.Unlock()
	}

	var eligible []candidate
	var skipped []candidate
	for _, c := range candidates {
		if c.skipped {
			skipped = append(skipped, c)
		} else {
			eligible = append(eligible, c)
		}
	}

	if len(eligible) > 0 {
		sort.Slice(eligible, func(i, j int) bool {
			a, b := eligible[i].state, eligible[j].state
			if a.UsedPercent != b.UsedPercent {
				return a.UsedPercent < b.UsedPercent
			}
			if a.ErrorCount != b.ErrorCount {
				return a.ErrorCount < b.ErrorCount
			}
			return a.AccountID < b.AccountID
		})
		return Selection{Account: eligible[0].state}
	}

	if len(skipped) == 0 {
		return Selection{ErrorMessage: "no accounts available"}
	}

	sort.Slice(skipped, func(i, j int) bool { return skipped[i].deadline < skipped[j].deadline })
	wait := skipped[0].deadline - now
	if wait < 0 {
		wait = 0
	}
	return Selection{ErrorMessage: formatWaitHint(wait)}
}

func formatWaitHint(waitSeconds float64) string {
	if waitSeconds < 60 {
		return fmt.Sprintf("Try again in %.1fs", waitSeconds)
	}
	return fmt.Sprintf("Try again in %ds", int(math.Round(waitSeconds)))
}

var retryAfterPattern = regexp.MustCompile(`(?i)try again in\s+(\d+(?:\.\d+)?)\s*(s|m|h)?`)

// parseRetryAfter extracts a "Try again in <N>(.<F>)?(s|m|h)?" hint from a
// rate-limit message, returning the hint in seconds.
func parseRetryAfter(message string) (float64, bool) {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	var value float64
	fmt.Sscanf(m[1], "%f", &value)
	switch m[2] {
	case "m":
		value *= 60
	case "h":
		value *= 3600
	}
	return value, true
}

// BackoffSeconds computes a bounded exponential backoff: base * factor^n,
// capped at ceiling.
func BackoffSeconds(errorCount int, base time.Duration, factor float64, ceiling time.Duration) float64 {
	seconds := base.Seconds() * math.Pow(factor, float64(errorCount))
	if cap := ceiling.Seconds(); seconds > cap {
		seconds = cap
	}
	return seconds
}

// RateLimitPayload carries the subset of an upstream rate-limit error
// envelope HandleRateLimit needs.
type RateLimitPayload struct {
	Message string
}

// HandleRateLimit applies a transient rate-limit outcome: it does not
// force a status transition, it schedules a cooldown so the account is
// temporarily skipped by selection. Idempotent in the sense that
// reapplying the same payload only advances counters, never regresses
// state.
func HandleRateLimit(state *AccountState, payload RateLimitPayload, now float64, base time.Duration, factor float64, ceiling time.Duration) {
	state.Mu.Lock()
	defer state.Mu.Unlock()

	var delay float64
	if hint, ok := parseRetryAfter(payload.Message); ok {
		delay = hint
	} else {
		delay = BackoffSeconds(state.ErrorCount, base, factor, ceiling)
	}

	cooldown := now + delay
	state.CooldownUntil = &cooldown
	state.ErrorCount++
	lastErr := now
	state.LastErrorAt = &lastErr
}

// QuotaPayload carries the subset of an upstream quota error envelope
// HandleQuotaExceeded needs.
type QuotaPayload struct {
	ResetsAt *float64
}

// HandleQuotaExceeded marks the account fully saturated until ResetsAt.
func HandleQuotaExceeded(state *AccountState, payload QuotaPayload) {
	state.Mu.Lock()
	defer state.Mu.Unlock()

	state.Status = accountpool.StatusQuotaExceeded
	state.UsedPercent = 100
	if payload.ResetsAt != nil {
		resetAt := *payload.ResetsAt
		state.ResetAt = &resetAt
	}
}

// PermanentFailureCodes maps a classified permanent-failure code to a
// human-readable deactivation reason.
var PermanentFailureCodes = map[string]string{
	"invalid_grant":         "refresh token rejected by upstream",
	"invalid_client":        "OAuth client credentials rejected",
	"refresh_token_expired": "refresh token expired",
	"unauthorized_client":   "client not authorized for this grant",
}

// HandlePermanentFailure deactivates the account. Per spec §4.F, once
// DEACTIVATED only an operator may return it to ACTIVE — no other
// transition in this package ever sets status back from DEACTIVATED.
func HandlePermanentFailure(state *AccountState, code string) {
	state.Mu.Lock()
	defer state.Mu.Unlock()

	state.Status = accountpool.StatusDeactivated
	if reason, ok := PermanentFailureCodes[code]; ok {
		state.DeactivationReason = reason
	} else {
		state.DeactivationReason = code
	}
}
