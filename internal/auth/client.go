package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignHeaders builds the three auth headers for req signed by key.
func SignHeaders(req SignedRequest, key *ecdsa.PrivateKey) (http.Header, error) {
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{}`)
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(msg, key)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("X-Wallet-Address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	h.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(msg))
	h.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
	return h, nil
}
