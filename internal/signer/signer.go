package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"price-attestor/internal/attestation"
)

const recoveryOffset = 27

// SignatureLengthError means the signing primitive returned a malformed signature.
type SignatureLengthError struct {
	Got int
}

func (e *SignatureLengthError) Error() string {
	return fmt.Sprintf("signature has %d bytes, want %d", e.Got, attestation.SignatureLen)
}

// Signer signs canonical attestation payloads with one secp256k1 key.
// The key is fixed at construction and never exposed.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New wraps an already loaded private key.
func New(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil || key.D == nil {
		return nil, fmt.Errorf("private key is required")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromHex parses a 32-byte hex scalar, with or without 0x prefix.
func FromHex(raw string) (*Signer, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("private key is required")
	}

	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		// err text from go-ethereum never echoes the key material
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return New(key)
}

// Address is the account the oracle contract should recover.
func (s *Signer) Address() common.Address {
	return s.address
}

// Transactor builds transaction options signed by the same key, for
// submitting batches from the attesting account.
func (s *Signer) Transactor(chainID *big.Int) (*bind.TransactOpts, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	return bind.NewKeyedTransactorWithChainID(s.key, chainID)
}

func (s *Signer) String() string {
	return "signer(" + s.address.Hex() + ")"
}

// Digest is keccak256 over the canonical payload.
func Digest(encoded []byte) common.Hash {
	return crypto.Keccak256Hash(encoded)
}

// MessageHash is the EIP-191 personal-message hash of a digest:
// keccak256("\x19Ethereum Signed Message:\n32" ‖ digest).
func MessageHash(digest common.Hash) []byte {
	return accounts.TextHash(digest[:])
}

// Sign returns the 65-byte R ‖ S ‖ V signature (V in {27, 28}) over the
// personal-message hash of keccak256(encoded), plus that digest.
func (s *Signer) Sign(encoded []byte) ([]byte, common.Hash, error) {
	if len(encoded) == 0 {
		return nil, common.Hash{}, fmt.Errorf("payload is empty")
	}

	digest := Digest(encoded)
	sig, err := crypto.Sign(MessageHash(digest), s.key)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("sign digest %s: %w", digest.Hex(), err)
	}
	if len(sig) != attestation.SignatureLen {
		return nil, common.Hash{}, &SignatureLengthError{Got: len(sig)}
	}
	sig[crypto.RecoveryIDOffset] += recoveryOffset
	return sig, digest, nil
}

// Recover returns the address that produced sig over encoded.
func Recover(encoded, sig []byte) (common.Address, error) {
	if len(sig) != attestation.SignatureLen {
		return common.Address{}, &SignatureLengthError{Got: len(sig)}
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= recoveryOffset {
		normalized[crypto.RecoveryIDOffset] -= recoveryOffset
	}
	if v := normalized[crypto.RecoveryIDOffset]; v > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(MessageHash(Digest(encoded)), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over encoded was produced by addr.
func Verify(encoded, sig []byte, addr common.Address) bool {
	recovered, err := Recover(encoded, sig)
	if err != nil {
		return false
	}
	return recovered == addr
}
