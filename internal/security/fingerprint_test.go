package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStableAcrossCalls(t *testing.T) {
	fm := NewFingerprintManager(filepath.Join(t.TempDir(), "instance_id"))

	first, err := fm.Fingerprint()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, FingerprintPrefix))
	assert.Len(t, first, len(FingerprintPrefix)+64, "sha256 hex digest expected")

	second, err := fm.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFingerprintPersistedToDisk(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "instance_id")
	fm := NewFingerprintManager(cachePath)

	fp, err := fm.Fingerprint()
	require.NoError(t, err)

	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Equal(t, fp, strings.TrimSpace(string(data)))

	info, err := os.Stat(cachePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A fresh manager loads the persisted value instead of regenerating.
	fm2 := NewFingerprintManager(cachePath)
	fp2, err := fm2.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, fp2)
}

// A persisted fingerprint wins even over regeneration inputs: the
// cached identity is what the server has been counting.
func TestFingerprintCacheTakesPrecedence(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "instance_id")
	canned := FingerprintPrefix + strings.Repeat("ab", 32)
	require.NoError(t, os.WriteFile(cachePath, []byte(canned+"\n"), 0600))

	fm := NewFingerprintManager(cachePath)
	fp, err := fm.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, canned, fp)
}

func TestFingerprintIgnoresMalformedCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "instance_id")
	require.NoError(t, os.WriteFile(cachePath, []byte("garbage\n"), 0600))

	fm := NewFingerprintManager(cachePath)
	fp, err := fm.Fingerprint()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, FingerprintPrefix))
	assert.NotEqual(t, "garbage", fp)

	// The malformed cache is replaced with the regenerated value.
	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Equal(t, fp, strings.TrimSpace(string(data)))
}

func TestHostnameNormalized(t *testing.T) {
	hostname, err := Hostname()
	require.NoError(t, err)
	assert.NotEmpty(t, hostname)
	assert.Equal(t, strings.ToLower(hostname), hostname)
	assert.Equal(t, strings.TrimSpace(hostname), hostname)
}
