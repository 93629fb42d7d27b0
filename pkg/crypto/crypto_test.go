package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key, err := LoadOrGenerateKey(filepath.Join(t.TempDir(), "k", "secret.key"))
	require.NoError(t, err)
	c, err := NewCrypter(key)
	require.NoError(t, err)

	enc, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))
	assert.NotContains(t, enc, "hunter2")

	// nonce 随机, 同一明文两次结果不同
	enc2, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2)

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = c.Decrypt("hunter2")
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestDecryptWithWrongKey(t *testing.T) {
	dir := t.TempDir()
	k1, err := LoadOrGenerateKey(filepath.Join(dir, "a"))
	require.NoError(t, err)
	k2, err := LoadOrGenerateKey(filepath.Join(dir, "b"))
	require.NoError(t, err)
	c1, _ := NewCrypter(k1)
	c2, _ := NewCrypter(k2)

	enc, err := c1.Encrypt("x")
	require.NoError(t, err)
	_, err = c2.Decrypt(enc)
	assert.Error(t, err)
}

func TestLoadOrGenerateKeyReusesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "secret.key")
	k1, err := LoadOrGenerateKey(p)
	require.NoError(t, err)
	k2, err := LoadOrGenerateKey(p)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(p, []byte("short"), 0600))
	_, err = LoadOrGenerateKey(p)
	assert.Error(t, err)
}

func TestNewCrypterKeySize(t *testing.T) {
	_, err := NewCrypter(make([]byte, 16))
	assert.Error(t, err)
}
