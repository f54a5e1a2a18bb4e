// Package crypto manages signer credentials: ed25519 keypairs, encrypted key
// files, and zeroing of key material once an operation completes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// encryptedKeyJSON is the on-disk format for an encrypted keypair.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	PublicKey  string `json:"public_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// ParseKeypair accepts a 64-byte ed25519 secret key either base58 encoded or
// as the JSON byte array written by the ledger's keygen tool. A 32-byte seed
// is expanded.
func ParseKeypair(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("crypto: keypair byte array: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("crypto: keypair byte %d out of range", i)
			}
			raw[i] = byte(v)
		}
	} else {
		raw = base58.Decode(s)
	}
	return keyFromBytes(raw)
}

func keyFromBytes(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
			return nil, errors.New("crypto: keypair public half does not match secret")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("crypto: expected 32 or 64 key bytes, got %d", len(raw))
	}
}

// EncryptKey encrypts an ed25519 key with a password using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM. It returns the JSON blob
// suitable for writing to disk.
func EncryptKey(key ed25519.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: expected %d-byte key, got %d bytes", ed25519.PrivateKeySize, len(key))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := encryptedKeyJSON{
		Version:    currentVersion,
		PublicKey:  base58.Encode(key.Public().(ed25519.PublicKey)),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, key.Seed(), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey decrypts a JSON blob produced by EncryptKey.
func DecryptKey(encryptedJSON []byte, password string) (ed25519.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored encryptedKeyJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	defer wipe(seed)

	key, err := keyFromBytes(seed)
	if err != nil {
		return nil, err
	}
	if stored.PublicKey != "" && stored.PublicKey != base58.Encode(key.Public().(ed25519.PublicKey)) {
		return nil, errors.New("crypto: decrypted key does not match stored public key")
	}
	return key, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	defer wipe(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
