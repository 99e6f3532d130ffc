package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultDetachStatePath(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)

	got, err := defaultDetachStatePath("nightly")
	require.NoError(t, err)

	want := filepath.Join(tmp, ".traced", "detached", "nightly.json")
	require.Equal(t, want, got)

	info, err := os.Stat(filepath.Dir(got))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, err = defaultDetachStatePath("../escape")
	require.Error(t, err)
	_, err = defaultDetachStatePath("  ")
	require.Error(t, err)
}

func TestLoadDetachStateMissingFile(t *testing.T) {
	got, err := loadDetachState(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveAndLoadDetachStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nightly.json")

	st := &detachState{
		Type:          "detach_state",
		SchemaVersion: 1,
		Key:           "nightly",
		SocketDir:     "/run/traced",
		SessionName:   "nightly-run",
		ConfigPath:    "/etc/traced/nightly.yaml",
		DetachedAt:    "2025-12-14T22:00:00Z",
	}
	require.NoError(t, saveDetachState(path, st))

	loaded, err := loadDetachState(path)
	require.NoError(t, err)
	require.Equal(t, st, loaded)
}

func TestLatestDetachState(t *testing.T) {
	dir := t.TempDir()

	got, err := latestDetachState(dir)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, saveDetachState(filepath.Join(dir, "old.json"), &detachState{Key: "old", DetachedAt: "2025-12-14T22:00:00Z"}))
	require.NoError(t, saveDetachState(filepath.Join(dir, "new.json"), &detachState{Key: "new", DetachedAt: "2025-12-15T08:30:00.5Z"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0o644))

	got, err = latestDetachState(dir)
	require.NoError(t, err)
	require.Equal(t, "new", got.Key)
}

func TestParseRFC3339Any(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		got, err := parseRFC3339Any("")
		require.NoError(t, err)
		require.True(t, got.IsZero())
	})

	t.Run("rfc3339nano", func(t *testing.T) {
		got, err := parseRFC3339Any("2025-12-14T22:00:00.123456789Z")
		require.NoError(t, err)
		require.Equal(t, time.Date(2025, 12, 14, 22, 0, 0, 123456789, time.UTC), got)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := parseRFC3339Any("not-a-time")
		require.Error(t, err)
	})
}
