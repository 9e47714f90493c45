package venue

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Mock is an in-memory venue used in development and tests.
type Mock struct {
	mu          sync.Mutex
	delegations map[common.Hash]Delegation
	// Err, when set, is returned by every call.
	Err error
}

func NewMock() *Mock {
	return &Mock{delegations: make(map[common.Hash]Delegation)}
}

func (m *Mock) Delegate(_ context.Context, account common.Hash, owner common.Address, commitIntervalMs uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.delegations[account] = Delegation{Account: account, Owner: owner, CommitIntervalMs: commitIntervalMs}
	return nil
}

func (m *Mock) Undelegate(_ context.Context, account common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.delegations, account)
	return nil
}

// Delegated reports whether account is currently held by the mock.
func (m *Mock) Delegated(account common.Hash) (Delegation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delegations[account]
	return d, ok
}
