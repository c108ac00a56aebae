package balancer

import "sync"

// Pool owns the map of account id to AccountState shared by selection and
// by the transition handlers. Spec §5: selection snapshots the map under a
// coarse read lock, then re-validates the chosen account under its own
// per-account lock before dispatch — SelectAccount already does the latter
// internally since it reads/writes each state under state.Mu.
type Pool struct {
	mu     sync.RWMutex
	states map[string]*AccountState
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{states: make(map[string]*AccountState)}
}

// Upsert inserts or replaces the state tracked for an account id.
func (p *Pool) Upsert(state *AccountState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[state.AccountID] = state
}

// Remove drops an account from the pool (operator deletion).
func (p *Pool) Remove(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, accountID)
}

// Get returns the state tracked for an account id, if any.
func (p *Pool) Get(accountID string) (*AccountState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.states[accountID]
	return s, ok
}

// Snapshot returns the current set of tracked states. The slice is a
// shallow copy of the map's pointers; each state's own mutex still guards
// its fields.
func (p *Pool) Snapshot() []*AccountState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*AccountState, 0, len(p.states))
	for _, s := range p.states {
		out = append(out, s)
	}
	return out
}

// Select snapshots the pool and runs SelectAccount against it.
func (p *Pool) Select(now float64) Selection {
	return SelectAccount(p.Snapshot(), now)
}
