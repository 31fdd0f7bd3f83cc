// Package crypto implements the secp256k1 signing primitives and address
// derivation used throughout the node (spec §4.1, C1). It adapts the
// teacher's pkg/keys to the network's address scheme: a single SHA-256
// round (not Bitcoin's double-SHA256/RIPEMD160 Hash160) truncated to 20
// bytes and hex-encoded, since spec §3 defines addresses that way.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// VerifyError is returned when a public key or signature cannot be
// decoded from its hex wire representation, per spec §4.1.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return "crypto: verify error: " + e.Reason }

// PrivateKey is a node or wallet's secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromHex parses a 32-byte hex-encoded private key.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, &VerifyError{Reason: "invalid private key hex"}
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Hex returns the 32-byte private key as hex. Never logged.
func (pk *PrivateKey) Hex() string { return hex.EncodeToString(pk.key.Serialize()) }

// PublicKeyHex returns the compressed public key as hex.
func (pk *PrivateKey) PublicKeyHex() string {
	return hex.EncodeToString(pk.key.PubKey().SerializeCompressed())
}

// Sign produces a deterministic, low-S ECDSA signature over a 32-byte
// digest and returns it as DER-encoded hex, per spec §4.1.
func Sign(pk *PrivateKey, digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", &VerifyError{Reason: "digest must be 32 bytes"}
	}
	sig := ecdsa.Sign(pk.key, digest)
	return hex.EncodeToString(sig.Serialize()), nil
}

// Verify checks a hex signature against a hex compressed public key and a
// 32-byte digest. Per spec §4.1, a malformed signature never panics or
// errors — it is reported as a false verdict, same as a valid-but-wrong
// signature.
func Verify(publicKeyHex string, digest []byte, signatureHex string) bool {
	if len(digest) != 32 {
		return false
	}
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}

var addressBodyRE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// AddressOf derives the network address string for a compressed public
// key hex: prefix + hex(SHA256(pubkey)[:20]).
func AddressOf(publicKeyHex string, prefix string) (string, error) {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", &VerifyError{Reason: "invalid public key hex"}
	}
	if _, err := secp256k1.ParsePubKey(pubBytes); err != nil {
		return "", &VerifyError{Reason: "invalid public key point"}
	}
	sum := sha256.Sum256(pubBytes)
	return prefix + hex.EncodeToString(sum[:20]), nil
}

// ValidAddress reports whether addr matches prefix + 40 lowercase hex
// characters, per spec §3. The reserved system senders are checked
// separately by callers (COINBASE, SYSTEM, AIRDROP are exempt).
func ValidAddress(addr string, prefix string) bool {
	if len(addr) <= len(prefix) || addr[:len(prefix)] != prefix {
		return false
	}
	return addressBodyRE.MatchString(addr[len(prefix):])
}

// SHA256 computes a single SHA-256 digest, used for txid/block-hash
// canonical serializations per spec §3-4.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex is a convenience wrapper returning the hex digest.
func SHA256Hex(data []byte) string {
	sum := SHA256(data)
	return hex.EncodeToString(sum[:])
}
