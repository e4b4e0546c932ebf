package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignVerify(t *testing.T) {
	s, err := NewEd25519Signer("ephemeral")
	require.NoError(t, err)

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)

	ok, err := Verify(s.PublicKey(), sig, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(s.PublicKey(), sig, []byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewEd25519SignerFromSeed_Deterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")

	a, err := NewEd25519SignerFromSeed(seed, "ledger-2026")
	require.NoError(t, err)
	b, err := NewEd25519SignerFromSeed(seed, "ledger-2026")
	require.NoError(t, err)
	c, err := NewEd25519SignerFromSeed(seed, "ledger-2027")
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.NotEqual(t, a.PublicKey(), c.PublicKey())
	assert.Equal(t, "ledger-2026", a.KeyID())
}

func TestNewEd25519SignerFromSeed_Rejects(t *testing.T) {
	_, err := NewEd25519SignerFromSeed([]byte("short"), "k")
	assert.Error(t, err)

	_, err = NewEd25519SignerFromSeed([]byte("0123456789abcdef"), "")
	assert.Error(t, err)
}

func TestVerify_BadInput(t *testing.T) {
	_, err := Verify("zz", "00", nil)
	assert.Error(t, err)

	_, err = Verify("abcd", "00", nil)
	assert.Error(t, err)
}
