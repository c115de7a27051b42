package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestVault(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", VaultFile)

	v := NewVault(path)
	assert.False(t, v.Exists())
	require.NoError(t, v.Create("hunter2"))
	require.Error(t, v.Create("again"), "existing vault is never overwritten")

	require.NoError(t, v.Set("telegram_token", "123:abc"))
	require.NoError(t, v.Set("anthropic_api_key", "sk-ant-xyz"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "123:abc", "values are encrypted at rest")

	reopened := NewVault(path)
	require.ErrorIs(t, reopened.Unlock("wrong"), ErrWrongPassword)
	_, err = reopened.Get("telegram_token")
	require.ErrorIs(t, err, ErrVaultLocked)

	require.NoError(t, reopened.Unlock("hunter2"))
	got, err := reopened.Get("telegram_token")
	require.NoError(t, err)
	assert.Equal(t, "123:abc", got)

	names, err := reopened.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic_api_key", "telegram_token"}, names)

	require.NoError(t, reopened.Delete("telegram_token"))
	got, err = reopened.Get("telegram_token")
	require.NoError(t, err)
	assert.Empty(t, got)

	reopened.Lock()
	assert.False(t, reopened.IsUnlocked())
	require.ErrorIs(t, reopened.Set("x", "y"), ErrVaultLocked)
}

func TestResolver(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, StoreKeyring("discord_token", "disc-secret"))

	v := NewVault(filepath.Join(t.TempDir(), VaultFile))
	require.NoError(t, v.Create("pw"))
	require.NoError(t, v.Set("telegram_token", "tg-secret"))

	r := NewResolver(v, nil)

	got, err := r.Resolve("keyring:discord_token")
	require.NoError(t, err)
	assert.Equal(t, "disc-secret", got)

	got, err = r.Resolve("vault:telegram_token")
	require.NoError(t, err)
	assert.Equal(t, "tg-secret", got)

	got, err = r.Resolve("plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", got)

	_, err = r.Resolve("keyring:missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve("vault:missing")
	require.ErrorIs(t, err, ErrNotFound)

	v.Lock()
	_, err = r.Resolve("vault:telegram_token")
	require.ErrorIs(t, err, ErrVaultLocked)

	_, err = NewResolver(nil, nil).Resolve("vault:anything")
	require.ErrorIs(t, err, ErrVaultLocked)

	assert.True(t, IsReference("vault:x"))
	assert.False(t, IsReference("${TOKEN}"))
}

func TestOpenVault(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, OpenVault(filepath.Join(dir, "none.vault"), nil))

	path := filepath.Join(dir, VaultFile)
	require.NoError(t, NewVault(path).Create("from-env"))

	t.Setenv(PasswordEnv, "from-env")
	v := OpenVault(path, nil)
	require.NotNil(t, v)
	assert.True(t, v.IsUnlocked())
}
