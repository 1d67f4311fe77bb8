package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*SQLite, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")
	secret := bytes.Repeat([]byte{0xa5}, 32)
	v, err := Open(path, secret)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, path
}

func TestSetGetRoundtrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "weather-skill", "api_token", "tok-12345"))

	got, err := v.Get(ctx, "weather-skill", "api_token", []string{"api_token"})
	require.NoError(t, err)
	assert.Equal(t, "tok-12345", got)
}

func TestGetEnforcesAllowList(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "weather-skill", "api_token", "tok-12345"))

	_, err := v.Get(ctx, "weather-skill", "api_token", []string{"other_key"})
	assert.ErrorIs(t, err, ErrDenied)

	_, err = v.Get(ctx, "weather-skill", "api_token", nil)
	assert.ErrorIs(t, err, ErrDenied)

	got, err := v.Get(ctx, "weather-skill", "api_token", []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, "tok-12345", got)
}

func TestGetMissingKey(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.Get(context.Background(), "weather-skill", "absent", []string{"*"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSkillsAreIsolated(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "skill-a", "shared_name", "a-value"))

	_, err := v.Get(ctx, "skill-b", "shared_name", []string{"*"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValueNotStoredInClear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")
	secret := bytes.Repeat([]byte{0x5a}, 32)

	v, err := Open(path, secret)
	require.NoError(t, err)

	const plaintext = "hunter2-very-secret-value"
	require.NoError(t, v.Set(context.Background(), "weather-skill", "password", plaintext))
	require.NoError(t, v.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte(plaintext)), "plaintext found in database file")
}

func TestDelete(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "weather-skill", "api_token", "tok"))
	require.NoError(t, v.Delete(ctx, "weather-skill", "api_token"))

	_, err := v.Get(ctx, "weather-skill", "api_token", []string{"*"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, v.Delete(ctx, "weather-skill", "api_token"), ErrNotFound)
}

func TestListSorted(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	for _, key := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, v.Set(ctx, "weather-skill", key, "v"))
	}
	require.NoError(t, v.Set(ctx, "other-skill", "noise", "v"))

	keys, err := v.List(ctx, "weather-skill")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
}

func TestDeleteAllReleasesVault(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "weather-skill", "a", "1"))
	require.NoError(t, v.Set(ctx, "weather-skill", "b", "2"))
	require.NoError(t, v.Set(ctx, "other-skill", "keep", "3"))

	require.NoError(t, v.DeleteAll(ctx, "weather-skill"))

	keys, err := v.List(ctx, "weather-skill")
	require.NoError(t, err)
	assert.Empty(t, keys)

	var salts int
	require.NoError(t, v.db.Get(&salts,
		`SELECT COUNT(*) FROM vault_salts WHERE skill = ?`, "weather-skill"))
	assert.Zero(t, salts, "salt should be removed with the secrets")

	got, err := v.Get(ctx, "other-skill", "keep", []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestReopenWithSameSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")
	secret := bytes.Repeat([]byte{0x11}, 32)
	ctx := context.Background()

	v, err := Open(path, secret)
	require.NoError(t, err)
	require.NoError(t, v.Set(ctx, "weather-skill", "api_token", "tok-persist"))
	require.NoError(t, v.Close())

	v2, err := Open(path, secret)
	require.NoError(t, err)
	defer v2.Close()

	got, err := v2.Get(ctx, "weather-skill", "api_token", []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, "tok-persist", got)
}

func TestWrongMachineSecretFailsWithoutLeaking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")
	ctx := context.Background()

	v, err := Open(path, bytes.Repeat([]byte{0x22}, 32))
	require.NoError(t, err)
	const plaintext = "do-not-leak-me"
	require.NoError(t, v.Set(ctx, "weather-skill", "api_token", plaintext))
	require.NoError(t, v.Close())

	v2, err := Open(path, bytes.Repeat([]byte{0x33}, 32))
	require.NoError(t, err)
	defer v2.Close()

	_, err = v2.Get(ctx, "weather-skill", "api_token", []string{"*"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), plaintext)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "weather-skill", "api_token", "tok"))
	_, err := v.db.Exec(
		`UPDATE vault_secrets SET ciphertext = X'00010203' WHERE skill = ? AND key = ?`,
		"weather-skill", "api_token")
	require.NoError(t, err)

	_, err = v.Get(ctx, "weather-skill", "api_token", []string{"*"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsShortSecret(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "vault.db"), []byte("short"))
	assert.Error(t, err)
}

func TestLoadMachineSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.secret")

	first, err := LoadMachineSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadMachineSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "secret should be stable across loads")
}

func TestLoadMachineSecretRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.secret")
	require.NoError(t, os.WriteFile(path, []byte("tiny"), 0o600))

	_, err := LoadMachineSecret(path)
	assert.Error(t, err)
}
