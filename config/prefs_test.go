package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPreferencesDefaultsWhenMissing(t *testing.T) {
	require := require.New(t)
	p, err := LoadPreferences(filepath.Join(t.TempDir(), "prefs.toml"))
	require.Nil(err)
	require.Equal(BackupWeekly, p.BackupCadence)
	require.True(p.BackupWifiOnly)
	require.False(p.IncludeVideos)
	require.NotNil(p.SnapshotOffsets)
	require.NotNil(p.LastUsedAddresses)
}

func TestPreferencesRoundTrip(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "prefs.toml")
	p := DefaultPreferences(path)
	p.BackupCadence = BackupDaily
	p.IncludeVideos = true
	p.LastBackupSec = 123
	p.LastBackupDoneSec = 456
	p.SnapshotOffsets["asset-1"] = "2026-08-01T00:00:00Z"
	p.LastUsedAddresses["asset-1"] = "addr-1"
	require.Nil(p.Save())

	loaded, err := LoadPreferences(path)
	require.Nil(err)
	require.Equal(BackupDaily, loaded.BackupCadence)
	require.True(loaded.IncludeVideos)
	require.Equal(uint64(123), loaded.LastBackupSec)
	require.Equal(uint64(456), loaded.LastBackupDoneSec)
	require.Equal("2026-08-01T00:00:00Z", loaded.SnapshotOffsets["asset-1"])
	require.Equal("addr-1", loaded.LastUsedAddresses["asset-1"])
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	p := DefaultPreferences(filepath.Join(dir, "prefs.toml"))
	require.Nil(p.Save())

	entries, err := os.ReadDir(dir)
	require.Nil(err)
	require.Equal(1, len(entries))
	require.Equal("prefs.toml", entries[0].Name())
}
