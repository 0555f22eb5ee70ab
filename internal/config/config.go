// Package config defines the on-disk configuration of the backupd daemon:
// the process-wide settings and the list of synchronized folders.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/kgerg2/backup/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".backupd", "config.json")
)

// Config is the process-wide configuration.
type Config struct {
	MetadataDir string `json:"metadata_dir"`
	LogDir      string `json:"log_dir"`
	LogDataDir  string `json:"log_data_dir"`

	// Timezone is the IANA zone assumed for filesystem mtimes. Everything is
	// normalized to UTC internally; this zone only matters for log output and
	// for stamps that arrive without an offset.
	Timezone   string `json:"timezone"`
	TimeFormat string `json:"time_format"`

	// DefaultHash is the sentinel recorded when no content hash is available
	// (directories, hashsum failures).
	DefaultHash string `json:"default_hash"`

	// KeepRemoteOnLocalDelete suppresses remote delete_files/delete_folders for
	// local deletions; the paths are still added to the sync daemon's ignore
	// list. See OPERATORS notes.
	KeepRemoteOnLocalDelete bool `json:"keep_remote_on_local_delete"`

	Syncthing SyncthingConfig `json:"syncthing"`
	Rclone    RcloneConfig    `json:"rclone"`
	Control   ControlConfig   `json:"control"`
	Retry     RetryConfig     `json:"retry"`
	Failures  FailureConfig   `json:"failures"`

	Folders []*FolderConfig `json:"folders"`

	Path string `json:"-"`
}

// SyncthingConfig covers the sync daemon's REST API.
type SyncthingConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`

	RetryCount int      `json:"retry_count"`
	RetryDelay Duration `json:"retry_delay"`

	// DefaultTimezone is the UTC offset assumed for db/browse modTime stamps
	// that lack one, e.g. "+02:00".
	DefaultTimezone string `json:"default_timezone"`

	LastEventFile string   `json:"last_event_file"`
	ListenTimeout Duration `json:"listen_timeout"`
	ProbeTimeout  Duration `json:"probe_timeout"`
}

// RcloneConfig covers the storage CLI and its optional rc endpoint.
type RcloneConfig struct {
	Binary   string     `json:"binary"`
	HashAlgo string     `json:"hash_algo"`
	GUI      *GUIConfig `json:"gui,omitempty"`

	MaxAsyncPollInterval Duration `json:"max_async_poll_interval"`
}

// GUIConfig holds the rc endpoint credentials, either configured directly or
// extracted from the `rcd --rc-web-gui` startup message via URLPattern.
type GUIConfig struct {
	URL        string `json:"url"`
	User       string `json:"user"`
	Password   string `json:"password"`
	LoginToken string `json:"login_token"`
	URLPattern string `json:"url_pattern"`
}

// ControlConfig is the local control plane listener.
type ControlConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

// RetryConfig is the per-worker restart budget.
type RetryConfig struct {
	MaxRetryCount int      `json:"max_retry_count"`
	RetryExpiry   Duration `json:"retry_expiry"`
	RetryDelay    Duration `json:"retry_delay"`
}

// FailureConfig is the supervisor's global failure-rate ceiling.
type FailureConfig struct {
	MaxPerHour int      `json:"max_per_hour"`
	MaxPerDay  int      `json:"max_per_day"`
	Expiry     Duration `json:"expiry"`
}

// CloudOnlyRule marks newly downloaded files to be kept only in the cloud
// replica. Target is a regexp over paths with named capture groups; Criteria
// are templates expanded with the captured groups. A file matches if Target
// matches and either Criteria is empty or at least one expanded criterion
// matches any known or co-downloaded path.
type CloudOnlyRule struct {
	Target   string   `json:"target"`
	Criteria []string `json:"criteria"`
}

// ArchiveConfig describes the removable-media archive of a folder.
type ArchiveConfig struct {
	ArchiveRoot string `json:"archive_root"`
	MountPoint  string `json:"mount_point"`
	DeviceID    string `json:"device_id"`

	// Optional overrides for the OS commands; defaults are derived from
	// DeviceID and MountPoint.
	MountCommand     []string `json:"mount_command,omitempty"`
	CloseTrayCommand []string `json:"close_tray_command,omitempty"`
	EjectCommand     []string `json:"eject_command,omitempty"`
}

// FolderConfig is one named unit of synchronization.
type FolderConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	LocalRoot  string `json:"local_root"`
	RemoteRoot string `json:"remote_root"`
	TrashRoot  string `json:"trash_root"`

	TrashKeepDuration Duration `json:"trash_keep_duration"`
	LocalKeepDuration Duration `json:"local_keep_duration"`

	LocalIgnorePatterns []string        `json:"local_ignore_patterns"`
	CloudOnlyRules      []CloudOnlyRule `json:"cloud_only_rules"`

	Archive *ArchiveConfig `json:"archive,omitempty"`
}

// IndexPath returns the folder's FileIndex database file.
func (c *Config) IndexPath(f *FolderConfig) string {
	return filepath.Join(c.MetadataDir, fmt.Sprintf("%s-%s.sqlite", f.ID, f.Name))
}

// Folder returns the folder with the given id, or nil.
func (c *Config) Folder(id string) *FolderConfig {
	for _, f := range c.Folders {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Location returns the configured filesystem timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) applyDefaults() {
	if c.MetadataDir == "" {
		c.MetadataDir = filepath.Join(home, ".backupd", "data")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(home, ".backupd", "logs")
	}
	if c.LogDataDir == "" {
		c.LogDataDir = filepath.Join(c.LogDir, "data")
	}
	if c.TimeFormat == "" {
		c.TimeFormat = "2006-01-02_15.04.05,000000"
	}
	if c.Syncthing.URL == "" {
		c.Syncthing.URL = "http://localhost:8384"
	}
	if c.Syncthing.RetryCount == 0 {
		c.Syncthing.RetryCount = 5
	}
	if c.Syncthing.RetryDelay == 0 {
		c.Syncthing.RetryDelay = Duration(2 * time.Minute)
	}
	if c.Syncthing.DefaultTimezone == "" {
		c.Syncthing.DefaultTimezone = "+02:00"
	}
	if c.Syncthing.LastEventFile == "" {
		c.Syncthing.LastEventFile = filepath.Join(c.MetadataDir, "last_sync_event.txt")
	}
	if c.Syncthing.ListenTimeout == 0 {
		c.Syncthing.ListenTimeout = Duration(time.Hour)
	}
	if c.Syncthing.ProbeTimeout == 0 {
		c.Syncthing.ProbeTimeout = Duration(5 * time.Second)
	}
	if c.Rclone.Binary == "" {
		c.Rclone.Binary = "rclone"
	}
	if c.Rclone.HashAlgo == "" {
		c.Rclone.HashAlgo = "quickxor"
	}
	if c.Rclone.MaxAsyncPollInterval == 0 {
		c.Rclone.MaxAsyncPollInterval = Duration(10 * time.Second)
	}
	if c.Control.Addr == "" {
		c.Control.Addr = "localhost:6102"
	}
	if c.Retry.MaxRetryCount == 0 {
		c.Retry.MaxRetryCount = 10
	}
	if c.Retry.RetryExpiry == 0 {
		c.Retry.RetryExpiry = Duration(30 * 24 * time.Hour)
	}
	if c.Retry.RetryDelay == 0 {
		c.Retry.RetryDelay = Duration(2 * time.Minute)
	}
	if c.Failures.MaxPerHour == 0 {
		c.Failures.MaxPerHour = 5
	}
	if c.Failures.MaxPerDay == 0 {
		c.Failures.MaxPerDay = 20
	}
	if c.Failures.Expiry == 0 {
		c.Failures.Expiry = Duration(30 * 24 * time.Hour)
	}
	for _, f := range c.Folders {
		if f.Name == "" {
			f.Name = filepath.Base(f.LocalRoot)
		}
		if f.TrashKeepDuration == 0 {
			f.TrashKeepDuration = Duration(60 * 24 * time.Hour)
		}
	}
}

// Validate checks the parts without which the daemon cannot run.
func (c *Config) Validate() error {
	if c.Syncthing.APIKey == "" {
		return errors.New("syncthing api key is required")
	}
	if len(c.Folders) == 0 {
		return errors.New("at least one folder must be configured")
	}
	seen := make(map[string]bool, len(c.Folders))
	for _, f := range c.Folders {
		if f.ID == "" {
			return errors.New("folder id is required")
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate folder id %q", f.ID)
		}
		seen[f.ID] = true
		if f.LocalRoot == "" || f.RemoteRoot == "" {
			return fmt.Errorf("folder %s: local_root and remote_root are required", f.ID)
		}
		if f.Archive != nil && f.Archive.ArchiveRoot == "" {
			return fmt.Errorf("folder %s: archive.archive_root is required", f.ID)
		}
		for _, rule := range f.CloudOnlyRules {
			if rule.Target == "" {
				return fmt.Errorf("folder %s: cloud-only rule without target", f.ID)
			}
		}
	}
	return nil
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	cfg.applyDefaults()

	for _, f := range cfg.Folders {
		if f.LocalRoot != "" {
			if resolved, err := utils.ResolvePath(f.LocalRoot); err == nil {
				f.LocalRoot = resolved
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config back to path.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
