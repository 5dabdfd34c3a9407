package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", StoreMemory)
	t.Setenv("JOKKO_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Sync.PageSize)
	assert.Equal(t, time.Second, cfg.Sync.TypingDebounce())
	assert.Equal(t, 5*time.Second, cfg.Sync.TypingStaleAfter())
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.ReadDebounce())
	assert.Equal(t, 15*time.Second, cfg.Sync.SendTimeout())
	assert.Equal(t, time.Minute, cfg.Sync.SubscriptionStaleAfter())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", StoreMemory)
	t.Setenv("SYNC_PAGE_SIZE", "50")
	t.Setenv("SYNC_READ_DEBOUNCE_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.ReadDebounce())
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jokko.toml")
	content := "[sync]\npage_size = 10\ntyping_stale_after_ms = 3000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("STORE_BACKEND", StoreMemory)
	t.Setenv("JOKKO_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Sync.PageSize)
	assert.Equal(t, 3*time.Second, cfg.Sync.TypingStaleAfter())
	assert.Equal(t, time.Second, cfg.Sync.TypingDebounce())
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")

	_, err := Load()
	assert.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	s := SyncConfig{PageSize: 5}.WithDefaults()

	assert.Equal(t, 5, s.PageSize)
	assert.Equal(t, int64(1000), s.TypingDebounceMs)
}
