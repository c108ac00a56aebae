package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
	"github.com/hhsw2015/codex-lb/internal/codec"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     int
}

func (f *fakeFetcher) FetchUsage(ctx context.Context, accessToken string) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return Response{}, nil
}

type fakeUsageRepo struct {
	mu   sync.Mutex
	rows []accountpool.UsageHistory
}

func (r *fakeUsageRepo) UpdateStatus(accountID string, status accountpool.Status, reason string) (bool, error) {
	return true, nil
}
func (r *fakeUsageRepo) UpdateTokens(accountID, accessTokenEnc, refreshTokenEnc, idTokenEnc string, lastRefresh time.Time, planType, email string) (bool, error) {
	return true, nil
}
func (r *fakeUsageRepo) InsertUsage(row accountpool.UsageHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
	return nil
}
func (r *fakeUsageRepo) AggregateUsageSince(accountID string, since time.Time) ([]accountpool.UsageHistory, error) {
	return nil, nil
}
func (r *fakeUsageRepo) LatestUsageByAccount(accountID string) (*accountpool.UsageHistory, *accountpool.UsageHistory, error) {
	return nil, nil, nil
}
func (r *fakeUsageRepo) LatestUsageWindowMinutes(accountID string, window accountpool.WindowLabel) (int, bool, error) {
	return 0, false, nil
}
func (r *fakeUsageRepo) GetAccount(accountID string) (*accountpool.Account, error) { return nil, nil }
func (r *fakeUsageRepo) ListAccounts() ([]*accountpool.Account, error)             { return nil, nil }

func usedPercentResponse(p float64) Response {
	up := p
	return Response{Primary: &WindowSample{UsedPercent: &up, LimitWindowSeconds: 3600}}
}

func TestRefreshAccountsSkipsDeactivatedAndRecentlySampled(t *testing.T) {
	c := codec.New("test-secret")
	repo := &fakeUsageRepo{}
	fetcher := &fakeFetcher{responses: []Response{usedPercentResponse(10)}}
	u := New(Config{Enabled: true, RefreshIntervalSeconds: 60}, fetcher, c, repo, nil)

	accessEnc, _ := c.Encrypt("tok", "acct-stale")
	stale := &accountpool.Account{ID: "acct-stale", AccessTokenEnc: accessEnc, Status: accountpool.StatusActive}
	dead := &accountpool.Account{ID: "acct-dead", Status: accountpool.StatusDeactivated}

	recentEnc, _ := c.Encrypt("tok", "acct-recent")
	recent := &accountpool.Account{ID: "acct-recent", AccessTokenEnc: recentEnc, Status: accountpool.StatusActive}

	latestUsage := func(accountID string) (*accountpool.UsageHistory, *accountpool.UsageHistory, error) {
		if accountID == "acct-recent" {
			return &accountpool.UsageHistory{RecordedAt: time.Now()}, nil, nil
		}
		return nil, nil, nil
	}

	u.RefreshAccounts(context.Background(), []*accountpool.Account{stale, dead, recent}, latestUsage)

	if fetcher.calls != 1 {
		t.Fatalf("fetcher calls = %d, want 1 (only the stale account sampled)", fetcher.calls)
	}
	if len(repo.rows) != 1 || repo.rows[0].AccountID != "acct-stale" {
		t.Fatalf("rows = %+v, want one row for acct-stale", repo.rows)
	}
}

func TestRefreshAccountsIsolatesPerAccountFailures(t *testing.T) {
	c := codec.New("test-secret")
	repo := &fakeUsageRepo{}
	fetcher := &fakeFetcher{
		errs:      []error{errors.New("boom"), nil},
		responses: []Response{{}, usedPercentResponse(50)},
	}
	u := New(Config{Enabled: true, RefreshIntervalSeconds: 60}, fetcher, c, repo, nil)

	enc1, _ := c.Encrypt("tok", "acct-1")
	enc2, _ := c.Encrypt("tok", "acct-2")
	accts := []*accountpool.Account{
		{ID: "acct-1", AccessTokenEnc: enc1, Status: accountpool.StatusActive},
		{ID: "acct-2", AccessTokenEnc: enc2, Status: accountpool.StatusActive},
	}

	u.RefreshAccounts(context.Background(), accts, nil)

	if len(repo.rows) != 1 || repo.rows[0].AccountID != "acct-2" {
		t.Fatalf("rows = %+v, want only acct-2 to have succeeded", repo.rows)
	}
}

func TestWindowMinutesCeilsAndClampsToOne(t *testing.T) {
	cases := []struct {
		seconds int
		want    int
	}{
		{0, 1},
		{-5, 1},
		{59, 1},
		{60, 1},
		{61, 2},
		{3600, 60},
		{604800, 10080},
	}
	for _, c := range cases {
		if got := windowMinutes(c.seconds); got != c.want {
			t.Errorf("windowMinutes(%d) = %d, want %d", c.seconds, got, c.want)
		}
	}
}

func TestRefreshAccountsDisabledIsNoop(t *testing.T) {
	c := codec.New("test-secret")
	repo := &fakeUsageRepo{}
	fetcher := &fakeFetcher{}
	u := New(Config{Enabled: false}, fetcher, c, repo, nil)

	enc, _ := c.Encrypt("tok", "acct-1")
	u.RefreshAccounts(context.Background(), []*accountpool.Account{{ID: "acct-1", AccessTokenEnc: enc}}, nil)

	if fetcher.calls != 0 {
		t.Fatalf("fetcher calls = %d, want 0 when updater disabled", fetcher.calls)
	}
}
