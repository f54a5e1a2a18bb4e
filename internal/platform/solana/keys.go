package solana

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	PublicKeyLength = 32
	SignatureLength = 64
)

var errKeyLength = errors.New("solana: wrong key length")

// PublicKey is an ed25519 account address.
type PublicKey [PublicKeyLength]byte

// SystemProgramID is the native system program (all zero bytes).
var SystemProgramID PublicKey

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b := base58.Decode(s)
	if len(b) != PublicKeyLength {
		return pk, fmt.Errorf("%w: %q decodes to %d bytes", errKeyLength, s, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for constants; it panics on bad input.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// Bytes returns a copy of the key bytes.
func (pk PublicKey) Bytes() []byte { return append([]byte(nil), pk[:]...) }

// IsZero reports whether pk is all zero bytes.
func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

// Hash is a recent blockhash.
type Hash [32]byte

// ParseHash decodes a base58 blockhash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b := base58.Decode(s)
	if len(b) != len(h) {
		return h, fmt.Errorf("solana: blockhash %q decodes to %d bytes", s, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string { return base58.Encode(h[:]) }

// Signature is an ed25519 transaction signature. The first signature of a
// transaction is its id.
type Signature [SignatureLength]byte

// ParseSignature decodes a base58 signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b := base58.Decode(s)
	if len(b) != SignatureLength {
		return sig, fmt.Errorf("solana: signature %q decodes to %d bytes", s, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func (s Signature) String() string { return base58.Encode(s[:]) }

// IsZero reports whether the slot is still unsigned.
func (s Signature) IsZero() bool { return s == Signature{} }

// Signer produces ed25519 signatures for one account.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) ([]byte, error)
}
