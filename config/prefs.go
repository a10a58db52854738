package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Backup cadence choices.
const (
	BackupOff     = "off"
	BackupDaily   = "daily"
	BackupWeekly  = "weekly"
	BackupMonthly = "monthly"
)

// Preferences are the durable user-level settings for this layer. They live
// in a TOML file next to the database, outside the relational store.
type Preferences struct {
	BackupCadence     string            `toml:"backup_cadence"`
	BackupWifiOnly    bool              `toml:"backup_wifi_only"`
	IncludeVideos     bool              `toml:"backup_include_videos"`
	IncludeFiles      bool              `toml:"backup_include_files"`
	LastBackupSec     uint64            `toml:"last_backup_sec"`
	LastBackupDoneSec uint64            `toml:"last_backup_done_sec"`
	LastVacuumSec     uint64            `toml:"last_vacuum_sec"`
	SnapshotOffsets   map[string]string `toml:"snapshot_offsets"`
	LastUsedAddresses map[string]string `toml:"last_used_addresses"`

	path string
}

func DefaultPreferences(path string) *Preferences {
	return &Preferences{
		BackupCadence:     BackupWeekly,
		BackupWifiOnly:    true,
		IncludeVideos:     false,
		IncludeFiles:      false,
		SnapshotOffsets:   make(map[string]string),
		LastUsedAddresses: make(map[string]string),
		path:              path,
	}
}

// LoadPreferences reads prefs from path, returning defaults if the file is
// missing.
func LoadPreferences(path string) (*Preferences, error) {
	p := DefaultPreferences(path)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, err
	}
	if p.SnapshotOffsets == nil {
		p.SnapshotOffsets = make(map[string]string)
	}
	if p.LastUsedAddresses == nil {
		p.LastUsedAddresses = make(map[string]string)
	}
	p.path = path
	return p, nil
}

// Save writes prefs atomically via a temp file rename.
func (p *Preferences) Save() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(p)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		_ = os.Remove(tmp)
		return encErr
	}
	return os.Rename(tmp, p.path)
}
