package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

func testKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))
}

func TestParseKeypairFormats(t *testing.T) {
	key := testKey()

	k1, err := ParseKeypair(base58.Encode(key))
	require.NoError(t, err)
	assert.Equal(t, key, k1)

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	arr, _ := json.Marshal(ints)
	k2, err := ParseKeypair(string(arr))
	require.NoError(t, err)
	assert.Equal(t, key, k2)

	bad := append(ed25519.PrivateKey(nil), key...)
	bad[40] ^= 0xff
	_, err = ParseKeypair(base58.Encode(bad))
	assert.Error(t, err)
}

func TestEncryptDecryptKey(t *testing.T) {
	key := testKey()
	blob, err := EncryptKey(key, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), base58.Encode(key))

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestCredentialZero(t *testing.T) {
	key := append(ed25519.PrivateKey(nil), testKey()...)
	c := NewCredential(key)
	pub := c.PublicKey()

	sig, err := c.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub[:]), []byte("msg"), sig))

	c.Zero()
	c.Zero()
	assert.True(t, c.Zeroed())
	assert.Equal(t, make([]byte, len(key)), []byte(key))
	_, err = c.Sign([]byte("msg"))
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Equal(t, pub, c.PublicKey())
}

func TestKeyStore(t *testing.T) {
	ks := NewKeyStore(t.TempDir(), "pw")
	ctx := context.Background()

	_, err := ks.Credential(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrMissingCredential)

	require.NoError(t, ks.Import("alice", testKey()))
	cred, err := ks.Credential(ctx, "alice")
	require.NoError(t, err)
	defer cred.Zero()
	assert.Equal(t, testKey().Public().(ed25519.PublicKey), ed25519.PublicKey(cred.PublicKey().Bytes()))

	var ve *domain.ValidationError
	_, err = ks.Credential(ctx, "../etc/passwd")
	assert.ErrorAs(t, err, &ve)
}
