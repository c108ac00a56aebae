package balancer

import (
	"testing"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
)

func f64(v float64) *float64 { return &v }

func TestApplyUsageQuotaBelowSaturationStaysActive(t *testing.T) {
	status, used, resetAt := ApplyUsageQuota(f64(40), nil, 60, nil, nil, nil, 1000)
	if status != accountpool.StatusActive {
		t.Fatalf("status = %q, want ACTIVE", status)
	}
	if used != 40 {
		t.Fatalf("used = %v, want 40", used)
	}
	if resetAt != nil {
		t.Fatalf("resetAt = %v, want nil", resetAt)
	}
}

func TestApplyUsageQuotaPrimarySaturatedUsesPrimaryReset(t *testing.T) {
	status, used, resetAt := ApplyUsageQuota(f64(100), f64(555), 60, f64(999), nil, nil, 1000)
	if status != accountpool.StatusRateLimited {
		t.Fatalf("status = %q, want RATE_LIMITED", status)
	}
	if used != 100 {
		t.Fatalf("used = %v, want 100", used)
	}
	if resetAt == nil || *resetAt != 555 {
		t.Fatalf("resetAt = %v, want 555 (primary reset wins)", resetAt)
	}
}

func TestApplyUsageQuotaSecondarySaturatedFallsBackToSecondaryReset(t *testing.T) {
	status, used, resetAt := ApplyUsageQuota(f64(20), nil, 60, nil, f64(100), f64(777), 1000)
	if status != accountpool.StatusRateLimited {
		t.Fatalf("status = %q, want RATE_LIMITED", status)
	}
	if used != 100 {
		t.Fatalf("used = %v, want 100 (secondary dominates)", used)
	}
	if resetAt == nil || *resetAt != 777 {
		t.Fatalf("resetAt = %v, want 777", resetAt)
	}
}

func TestApplyUsageQuotaFallsBackToRuntimeResetThenWindowMinutes(t *testing.T) {
	_, _, resetAt := ApplyUsageQuota(f64(100), nil, 60, f64(888), nil, nil, 1000)
	if resetAt == nil || *resetAt != 888 {
		t.Fatalf("resetAt = %v, want runtime reset 888", resetAt)
	}

	_, _, resetAt = ApplyUsageQuota(f64(100), nil, 10, nil, nil, nil, 1000)
	if resetAt == nil || *resetAt != 1000+600 {
		t.Fatalf("resetAt = %v, want now+windowMinutes*60", resetAt)
	}
}

func TestApplyUsageQuotaClampsUsedPercentTo100(t *testing.T) {
	_, used, _ := ApplyUsageQuota(f64(100), f64(1), 60, nil, f64(150), f64(2), 1000)
	if used != 100 {
		t.Fatalf("used = %v, want clamped to 100", used)
	}
}

func TestWindowMinutesFromSecondsCeilsAndClamps(t *testing.T) {
	cases := []struct {
		seconds int
		want    int
	}{
		{0, 1},
		{-10, 1},
		{60, 1},
		{61, 2},
		{3600, 60},
	}
	for _, c := range cases {
		if got := WindowMinutesFromSeconds(c.seconds); got != c.want {
			t.Errorf("WindowMinutesFromSeconds(%d) = %d, want %d", c.seconds, got, c.want)
		}
	}
}
