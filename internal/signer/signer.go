// Package signer produces and checks the facilitator's signed verdicts.
// The attestation is an EIP-191 personal-message signature over the
// canonical serialization of the verification request; any relying party
// can reproduce the message byte-for-byte and recover the signer offline.
package signer

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tollgatehq/tollgate/internal/x402"
)

type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// New parses a hex-encoded secp256k1 private key, with or without a 0x
// prefix.
func New(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the 0x-prefixed address verdict signatures recover to.
func (s *Signer) Address() string { return s.address }

// CanonicalMessage serializes the request with fixed field order:
// quoteId, tx, token, amountWei, requestHash. Struct field order pins the
// JSON key order, so the bytes are reproducible.
func CanonicalMessage(req x402.VerificationRequest) ([]byte, error) {
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal verdict message: %w", err)
	}
	return msg, nil
}

// SignVerdict signs the canonical message for req and returns the
// 0x-prefixed 65-byte signature.
func (s *Signer) SignVerdict(req x402.VerificationRequest) (string, error) {
	msg, err := CanonicalMessage(req)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return "", fmt.Errorf("sign verdict: %w", err)
	}
	// Recovery id 0/1 becomes 27/28 on the wire.
	sig[64] += 27

	return hexutil.Encode(sig), nil
}

// Verify recovers the signer of message from signature and compares it
// case-insensitively to expectedSigner. Malformed input verifies false.
func Verify(message []byte, signature, expectedSigner string) bool {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	if sig[64] >= 27 {
		sig = append([]byte{}, sig...)
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()

	return strings.EqualFold(recovered, expectedSigner)
}
