package crypto

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// KeyStore reads encrypted per-user key files from a directory. Each file is
// <dir>/<userID>.json in the EncryptKey format.
type KeyStore struct {
	dir      string
	password string
}

// NewKeyStore creates a KeyStore rooted at dir.
func NewKeyStore(dir, password string) *KeyStore {
	return &KeyStore{dir: dir, password: password}
}

func (k *KeyStore) path(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return "", &domain.ValidationError{Field: "user_id", Reason: "not a valid key file name"}
	}
	return filepath.Join(k.dir, userID+".json"), nil
}

// Credential loads a fresh credential for userID. The caller owns it and must
// Zero it when done.
func (k *KeyStore) Credential(_ context.Context, userID string) (*Credential, error) {
	p, err := k.path(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("crypto: key for user %s: %w", userID, domain.ErrMissingCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: reading key file: %w", err)
	}
	key, err := DecryptKey(data, k.password)
	if err != nil {
		return nil, fmt.Errorf("crypto: key for user %s: %w", userID, err)
	}
	return NewCredential(key), nil
}

// Import encrypts key and writes it as userID's key file, replacing any
// existing one.
func (k *KeyStore) Import(userID string, key ed25519.PrivateKey) error {
	p, err := k.path(userID)
	if err != nil {
		return err
	}
	blob, err := EncryptKey(key, k.password)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("crypto: creating key dir: %w", err)
	}
	if err := os.WriteFile(p, blob, 0o600); err != nil {
		return fmt.Errorf("crypto: writing key file: %w", err)
	}
	return nil
}
