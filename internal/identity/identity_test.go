package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genTestIdentity(t *testing.T) *Identity {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, KeySize)
	require.NoError(t, err)
	return &Identity{Private: priv, Public: &priv.PublicKey}
}

func TestInitGeneratesAndPersistsKeyPair(t *testing.T) {
	dir := t.TempDir()

	id, err := Init(dir)
	require.NoError(t, err)
	assert.NotNil(t, id.Private)

	info, err := os.Stat(filepath.Join(dir, "private.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Restart: loads the same key rather than regenerating.
	id2, err := Init(dir)
	require.NoError(t, err)
	assert.Equal(t, id.Private.N, id2.Private.N)
}

func TestInitRejectsWorldReadablePrivateKey(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "private.pem")
	require.NoError(t, os.Chmod(privPath, 0o644))

	_, err = Init(dir)
	assert.ErrorIs(t, err, ErrPrivateKeyWorldReadable)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id := genTestIdentity(t)
	payload := []byte(`{"type":"git-status","timestamp":"2026-01-01T00:00:00Z"}`)

	sig, err := Sign(id.Private, payload)
	require.NoError(t, err)
	assert.True(t, Verify(id.Public, payload, sig))
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	id := genTestIdentity(t)
	payload := []byte("original payload")

	sig, err := Sign(id.Private, payload)
	require.NoError(t, err)

	tampered := []byte("original PAYLOAD")
	assert.False(t, Verify(id.Public, tampered, sig))
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	id := genTestIdentity(t)
	pemStr, err := id.PublicPEM()
	require.NoError(t, err)

	parsed, err := ParsePublicKeyPEM(pemStr)
	require.NoError(t, err)
	assert.Equal(t, id.Public.N, parsed.N)
}

func TestRandomTokenIsUniqueAndSized(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
