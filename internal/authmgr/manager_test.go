package authmgr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
	"github.com/hhsw2015/codex-lb/internal/codec"
	"github.com/hhsw2015/codex-lb/internal/oauthclient"
)

type fakeRepo struct {
	accounts map[string]*accountpool.Account
}

func newFakeRepo(accts ...*accountpool.Account) *fakeRepo {
	r := &fakeRepo{accounts: make(map[string]*accountpool.Account)}
	for _, a := range accts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *fakeRepo) UpdateStatus(accountID string, status accountpool.Status, reason string) (bool, error) {
	a, ok := r.accounts[accountID]
	if !ok {
		return false, nil
	}
	a.Status = status
	a.DeactivationReason = reason
	return true, nil
}

func (r *fakeRepo) UpdateTokens(accountID, accessTokenEnc, refreshTokenEnc, idTokenEnc string, lastRefresh time.Time, planType, email string) (bool, error) {
	a, ok := r.accounts[accountID]
	if !ok {
		return false, nil
	}
	a.AccessTokenEnc = accessTokenEnc
	a.RefreshTokenEnc = refreshTokenEnc
	a.IDTokenEnc = idTokenEnc
	a.LastRefresh = lastRefresh
	a.PlanType = planType
	a.Email = email
	return true, nil
}

func (r *fakeRepo) InsertUsage(row accountpool.UsageHistory) error { return nil }
func (r *fakeRepo) AggregateUsageSince(accountID string, since time.Time) ([]accountpool.UsageHistory, error) {
	return nil, nil
}
func (r *fakeRepo) LatestUsageByAccount(accountID string) (*accountpool.UsageHistory, *accountpool.UsageHistory, error) {
	return nil, nil, nil
}
func (r *fakeRepo) LatestUsageWindowMinutes(accountID string, window accountpool.WindowLabel) (int, bool, error) {
	return 0, false, nil
}
func (r *fakeRepo) GetAccount(accountID string) (*accountpool.Account, error) {
	return r.accounts[accountID], nil
}
func (r *fakeRepo) ListAccounts() ([]*accountpool.Account, error) {
	out := make([]*accountpool.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out, nil
}

func newTestAccount(t *testing.T, c *codec.Codec, id string) *accountpool.Account {
	t.Helper()
	refreshEnc, err := c.Encrypt("refresh-secret", id)
	if err != nil {
		t.Fatalf("encrypt refresh token: %v", err)
	}
	return &accountpool.Account{
		ID:              id,
		Email:           "a@example.com",
		PlanType:        "plus",
		RefreshTokenEnc: refreshEnc,
		Status:          accountpool.StatusActive,
	}
}

func TestShouldRefresh(t *testing.T) {
	m := New(nil, nil, nil, time.Hour)
	if !m.ShouldRefresh(time.Time{}) {
		t.Fatal("zero last-refresh should always need refreshing")
	}
	if m.ShouldRefresh(time.Now()) {
		t.Fatal("fresh refresh should not need refreshing")
	}
	if !m.ShouldRefresh(time.Now().Add(-2 * time.Hour)) {
		t.Fatal("stale refresh should need refreshing")
	}
}

func TestEnsureFreshSkipsWhenFresh(t *testing.T) {
	c := codec.New("test-secret")
	repo := newFakeRepo()
	m := New(nil, c, repo, time.Hour)
	acct := newTestAccount(t, c, "acct-1")
	acct.LastRefresh = time.Now()

	got, err := m.EnsureFresh(context.Background(), acct, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != acct {
		t.Fatal("expected the same account back when no refresh was needed")
	}
}

func TestRefreshAccountSuccessUpdatesTokensAndPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"id_token":      fakeIDToken(t, "renewed@example.com", "pro"),
		})
	}))
	defer srv.Close()

	c := codec.New("test-secret")
	repo := newFakeRepo()
	oauth := oauthclient.New(srv.URL, "client-id", "https://redirect", "scope", time.Second)
	m := New(oauth, c, repo, time.Hour)

	acct := newTestAccount(t, c, "acct-1")
	repo.accounts[acct.ID] = acct

	updated, err := m.RefreshAccount(context.Background(), acct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Email != "renewed@example.com" {
		t.Fatalf("Email = %q, want renewed@example.com", updated.Email)
	}
	if updated.PlanType != "pro" {
		t.Fatalf("PlanType = %q, want pro", updated.PlanType)
	}
	stored := repo.accounts[acct.ID]
	if stored.LastRefresh.IsZero() {
		t.Fatal("persisted account should have a non-zero LastRefresh")
	}
	decrypted, err := c.Decrypt(stored.AccessTokenEnc, acct.ID)
	if err != nil || decrypted != "new-access" {
		t.Fatalf("decrypted access token = %q, err %v", decrypted, err)
	}
}

func TestRefreshAccountDedupesConcurrentCallers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"id_token":      fakeIDToken(t, "a@example.com", "plus"),
		})
	}))
	defer srv.Close()

	c := codec.New("test-secret")
	repo := newFakeRepo()
	oauth := oauthclient.New(srv.URL, "client-id", "https://redirect", "scope", time.Second)
	m := New(oauth, c, repo, time.Hour)
	acct := newTestAccount(t, c, "acct-1")
	repo.accounts[acct.ID] = acct

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := m.RefreshAccount(context.Background(), acct)
			done <- err
		}()
	}
	for i := 0; i < 5; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (deduped)", got)
	}
}

func TestRefreshAccountPermanentFailureDeactivates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	c := codec.New("test-secret")
	repo := newFakeRepo()
	oauth := oauthclient.New(srv.URL, "client-id", "https://redirect", "scope", time.Second)
	m := New(oauth, c, repo, time.Hour)
	acct := newTestAccount(t, c, "acct-1")
	repo.accounts[acct.ID] = acct

	_, err := m.RefreshAccount(context.Background(), acct)
	if err == nil {
		t.Fatal("expected the original refresh error to be returned")
	}
	var permErr *PermanentRefreshError
	if !errors.As(err, &permErr) {
		t.Fatalf("err = %v, want a *PermanentRefreshError for a classified-permanent failure", err)
	}
	if repo.accounts[acct.ID].Status != accountpool.StatusDeactivated {
		t.Fatalf("Status = %q, want DEACTIVATED", repo.accounts[acct.ID].Status)
	}
}

func TestRefreshAccountTransientFailureLeavesAccountActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "upstream_unavailable"})
	}))
	defer srv.Close()

	c := codec.New("test-secret")
	repo := newFakeRepo()
	oauth := oauthclient.New(srv.URL, "client-id", "https://redirect", "scope", time.Second)
	m := New(oauth, c, repo, time.Hour)
	acct := newTestAccount(t, c, "acct-1")
	repo.accounts[acct.ID] = acct

	_, err := m.RefreshAccount(context.Background(), acct)
	if err == nil {
		t.Fatal("expected an error from the transient upstream failure")
	}
	var permErr *PermanentRefreshError
	if errors.As(err, &permErr) {
		t.Fatalf("err = %v, did not want a *PermanentRefreshError for a transient failure", err)
	}
	if repo.accounts[acct.ID].Status != accountpool.StatusActive {
		t.Fatalf("Status = %q, want unchanged ACTIVE", repo.accounts[acct.ID].Status)
	}
}

func fakeIDToken(t *testing.T, email, planType string) string {
	t.Helper()
	claims := map[string]interface{}{
		"email": email,
		"https://api.openai.com/auth": map[string]interface{}{
			"chatgpt_plan_type": planType,
		},
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	seg := base64.URLEncoding.EncodeToString(payload)
	return "eyJhbGciOiJub25lIn0." + seg + ".sig"
}
