package coprocessor

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Mock simulates a coprocessor without any cryptography: the plaintext value
// is the first 16 bytes of the ciphertext read little-endian, the handle holds
// that value big-endian, and Add sums two handles modulo 2^128.
type Mock struct {
	mu     sync.Mutex
	allows map[Handle]map[common.Address]int
	// Err, when set, is returned by every call.
	Err error
}

func NewMock() *Mock {
	return &Mock{allows: make(map[Handle]map[common.Address]int)}
}

func (m *Mock) Encrypt(_ context.Context, ciphertext []byte) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Handle{}, m.Err
	}
	if len(ciphertext) == 0 {
		return Handle{}, errors.New("coprocessor: empty ciphertext")
	}
	var h Handle
	n := len(ciphertext)
	if n > HandleSize {
		n = HandleSize
	}
	for i := 0; i < n; i++ {
		h[HandleSize-1-i] = ciphertext[i]
	}
	return h, nil
}

func (m *Mock) Allow(_ context.Context, h Handle, grantee common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.allows[h] == nil {
		m.allows[h] = make(map[common.Address]int)
	}
	m.allows[h][grantee]++
	return nil
}

func (m *Mock) Add(_ context.Context, a, b Handle) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Handle{}, m.Err
	}
	sum := new(uint256.Int).Add(new(uint256.Int).SetBytes(a[:]), new(uint256.Int).SetBytes(b[:]))
	raw := sum.Bytes32()
	var h Handle
	copy(h[:], raw[32-HandleSize:])
	return h, nil
}

// AllowCalls returns how many times Allow was invoked for (h, grantee).
func (m *Mock) AllowCalls(h Handle, grantee common.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allows[h][grantee]
}

// SetErr swaps the injected failure under the lock.
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// HandleOf is the handle Mock.Encrypt returns for v encoded little-endian.
func HandleOf(v uint64) Handle {
	var h Handle
	for i := 0; i < 8; i++ {
		h[HandleSize-1-i] = byte(v >> (8 * i))
	}
	return h
}
