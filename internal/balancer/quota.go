package balancer

import "github.com/hhsw2015/codex-lb/internal/accountpool"

// ApplyUsageQuota derives a status/used_percent/reset_at transition from a
// freshly sampled usage row. Per spec §9 Open Question (b), the secondary
// window only participates in the saturation check here; it never
// overwrites AccountState.UsedPercent directly — only the primary window
// does that.
func ApplyUsageQuota(
	primaryUsed *float64,
	primaryReset *float64,
	primaryWindowMinutes int,
	runtimeReset *float64,
	secondaryUsed *float64,
	secondaryReset *float64,
	now float64,
) (status accountpool.Status, usedPercent float64, resetAt *float64) {
	primarySaturated := primaryUsed != nil && *primaryUsed >= 100
	secondarySaturated := secondaryUsed != nil && *secondaryUsed >= 100

	if primarySaturated || secondarySaturated {
		status = accountpool.StatusRateLimited

		switch {
		case primarySaturated && primaryReset != nil:
			v := *primaryReset
			resetAt = &v
		case secondarySaturated && secondaryReset != nil:
			v := *secondaryReset
			resetAt = &v
		case runtimeReset != nil:
			v := *runtimeReset
			resetAt = &v
		default:
			minutes := primaryWindowMinutes
			if minutes <= 0 {
				minutes = 1
			}
			v := now + float64(minutes*60)
			resetAt = &v
		}

		usedPercent = 0
		if primaryUsed != nil {
			usedPercent = *primaryUsed
		}
		if secondaryUsed != nil && *secondaryUsed > usedPercent {
			usedPercent = *secondaryUsed
		}
		if usedPercent > 100 {
			usedPercent = 100
		}
		return status, usedPercent, resetAt
	}

	status = accountpool.StatusActive
	if primaryUsed != nil {
		usedPercent = *primaryUsed
	}
	return status, usedPercent, nil
}

// WindowMinutesFromSeconds derives window-minutes from a limit-window
// duration in seconds: ceil(seconds/60), clamped to a minimum of 1.
func WindowMinutesFromSeconds(limitWindowSeconds int) int {
	if limitWindowSeconds <= 0 {
		return 1
	}
	minutes := (limitWindowSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
