package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"syncthing": {"api_key": "secret"},
		"folders": [
			{"id": "abc-123", "local_root": "/data/docs", "remote_root": "crypt:backup/docs"}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "http://localhost:8384", cfg.Syncthing.URL)
	assert.Equal(t, "+02:00", cfg.Syncthing.DefaultTimezone)
	assert.Equal(t, time.Hour, cfg.Syncthing.ListenTimeout.D())
	assert.Equal(t, "rclone", cfg.Rclone.Binary)
	assert.Equal(t, "quickxor", cfg.Rclone.HashAlgo)
	assert.Equal(t, "localhost:6102", cfg.Control.Addr)
	assert.Equal(t, 10, cfg.Retry.MaxRetryCount)
	assert.Equal(t, 5, cfg.Failures.MaxPerHour)
	assert.Equal(t, 20, cfg.Failures.MaxPerDay)

	folder := cfg.Folders[0]
	assert.Equal(t, "docs", folder.Name, "name defaults to the local root's base")
	assert.Equal(t, 60*24*time.Hour, folder.TrashKeepDuration.D())

	assert.Equal(t,
		filepath.Join(cfg.MetadataDir, "abc-123-docs.sqlite"),
		cfg.IndexPath(folder))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Syncthing.APIKey = "" },
			wantErr: "api key",
		},
		{
			name:    "no folders",
			mutate:  func(c *Config) { c.Folders = nil },
			wantErr: "at least one folder",
		},
		{
			name: "duplicate folder id",
			mutate: func(c *Config) {
				c.Folders = append(c.Folders, &FolderConfig{
					ID: c.Folders[0].ID, LocalRoot: "/x", RemoteRoot: "r:x",
				})
			},
			wantErr: "duplicate",
		},
		{
			name:    "archive without root",
			mutate:  func(c *Config) { c.Folders[0].Archive = &ArchiveConfig{MountPoint: "/mnt/bd"} },
			wantErr: "archive_root",
		},
		{
			name:    "cloud-only rule without target",
			mutate:  func(c *Config) { c.Folders[0].CloudOnlyRules = []CloudOnlyRule{{}} },
			wantErr: "without target",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Syncthing: SyncthingConfig{APIKey: "secret"},
				Folders: []*FolderConfig{
					{ID: "f1", LocalRoot: "/data/docs", RemoteRoot: "crypt:docs"},
				},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFolderLookup(t *testing.T) {
	cfg := &Config{Folders: []*FolderConfig{
		{ID: "a", Name: "one"},
		{ID: "b", Name: "two"},
	}}
	require.NotNil(t, cfg.Folder("b"))
	assert.Equal(t, "two", cfg.Folder("b").Name)
	assert.Nil(t, cfg.Folder("zzz"))
}
