package crypto

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

// Credential is a user's signing key for the duration of one operation. Zero
// wipes the key; every later Sign fails with domain.ErrMissingCredential.
type Credential struct {
	mu  sync.Mutex
	key ed25519.PrivateKey
	pub solana.PublicKey
}

// NewCredential takes ownership of key. The caller must not keep a copy.
func NewCredential(key ed25519.PrivateKey) *Credential {
	c := &Credential{key: key}
	copy(c.pub[:], key.Public().(ed25519.PublicKey))
	return c
}

// PublicKey returns the account address. It stays valid after Zero.
func (c *Credential) PublicKey() solana.PublicKey {
	return c.pub
}

// Sign signs message with the held key.
func (c *Credential) Sign(message []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return nil, fmt.Errorf("crypto: sign for %s: %w", c.pub, domain.ErrMissingCredential)
	}
	return ed25519.Sign(c.key, message), nil
}

// Zero overwrites the key material. It is safe to call more than once.
func (c *Credential) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wipe(c.key)
	c.key = nil
}

// Zeroed reports whether Zero has been called.
func (c *Credential) Zeroed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key == nil
}
