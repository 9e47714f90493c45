// Package coprocessor is the client side of the FHE coprocessor that holds
// encrypted amounts. This service only ever sees opaque handles.
package coprocessor

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HandleSize is the width of a ciphertext handle.
const HandleSize = 16

// Handle references a value held by the coprocessor.
type Handle [HandleSize]byte

func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Handle) String() string { return h.Hex() }

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle decodes a 0x-prefixed hex handle.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("coprocessor: invalid handle %q: %w", s, err)
	}
	if len(raw) != HandleSize {
		return h, fmt.Errorf("coprocessor: handle must be %d bytes, got %d", HandleSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Coprocessor is the capability the accounting ledger depends on.
type Coprocessor interface {
	// Encrypt registers a client-supplied ciphertext and returns its handle.
	Encrypt(ctx context.Context, ciphertext []byte) (Handle, error)
	// Allow lets grantee request decryption of h.
	Allow(ctx context.Context, h Handle, grantee common.Address) error
	// Add returns a handle to the homomorphic sum a+b.
	Add(ctx context.Context, a, b Handle) (Handle, error)
}
