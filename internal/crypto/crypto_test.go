package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignHexKnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	got := SignHex([]byte("Jefe"), "what do ya want for nothing?")
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

func TestBybitHeadersAt(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret"}
	h := auth.BybitHeadersAt("category=spot", 5000, 1700000000000)

	assert.Equal(t, "key", h["X-BAPI-API-KEY"])
	assert.Equal(t, "1700000000000", h["X-BAPI-TIMESTAMP"])
	assert.Equal(t, "5000", h["X-BAPI-RECV-WINDOW"])
	assert.Equal(t, SignHex([]byte("secret"), "1700000000000key5000category=spot"), h["X-BAPI-SIGN"])
}

func TestHMACAuthEmpty(t *testing.T) {
	var nilAuth *HMACAuth
	assert.True(t, nilAuth.Empty())
	assert.True(t, (&HMACAuth{Key: "k"}).Empty())
	assert.False(t, (&HMACAuth{Key: "k", Secret: "s"}).Empty())
	assert.NotContains(t, (&HMACAuth{Key: "abcdefgh", Secret: "supersecret"}).String(), "supersecret")
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("my-api-secret", "pw")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "my-api-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	s, err := LoadSecret(SecretSource{})
	require.NoError(t, err)
	assert.Empty(t, s)

	s, err = LoadSecret(SecretSource{Plain: " plain "})
	require.NoError(t, err)
	assert.Equal(t, "plain", s)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err = LoadSecret(SecretSource{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", s)
}
