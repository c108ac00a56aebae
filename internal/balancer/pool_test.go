package balancer

import (
	"testing"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
)

func TestPoolUpsertGetRemove(t *testing.T) {
	p := NewPool()
	s := NewAccountState("acct-1", accountpool.StatusActive, 10)
	p.Upsert(s)

	got, ok := p.Get("acct-1")
	if !ok || got != s {
		t.Fatalf("Get = %v, %v, want the upserted state", got, ok)
	}

	p.Remove("acct-1")
	if _, ok := p.Get("acct-1"); ok {
		t.Fatal("expected account to be gone after Remove")
	}
}

func TestPoolSnapshotIsIndependentOfFurtherMutation(t *testing.T) {
	p := NewPool()
	p.Upsert(NewAccountState("acct-1", accountpool.StatusActive, 10))
	p.Upsert(NewAccountState("acct-2", accountpool.StatusActive, 20))

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2", len(snap))
	}

	p.Remove("acct-1")
	if len(snap) != 2 {
		t.Fatalf("previously taken snapshot should not shrink, got %d", len(snap))
	}
}

func TestPoolSelectPicksLowestUsedPercent(t *testing.T) {
	p := NewPool()
	p.Upsert(NewAccountState("acct-busy", accountpool.StatusActive, 80))
	p.Upsert(NewAccountState("acct-idle", accountpool.StatusActive, 5))

	sel := p.Select(Now())
	if sel.Account == nil || sel.Account.AccountID != "acct-idle" {
		t.Fatalf("Select = %+v, want acct-idle", sel)
	}
}

func TestPoolSelectExcludesPausedAndDeactivated(t *testing.T) {
	p := NewPool()
	p.Upsert(NewAccountState("acct-paused", accountpool.StatusPaused, 1))
	p.Upsert(NewAccountState("acct-dead", accountpool.StatusDeactivated, 1))

	sel := p.Select(Now())
	if sel.Account != nil {
		t.Fatalf("Select = %+v, want no eligible account", sel)
	}
	if sel.ErrorMessage != "no accounts available" {
		t.Fatalf("ErrorMessage = %q", sel.ErrorMessage)
	}
}
