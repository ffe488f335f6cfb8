// Package settings manages persistent user defaults for nsbctl, loaded
// from a YAML file so operators can hand-edit it alongside topology specs.
package settings

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSpecDir is the default specification directory used when no override is configured.
const DefaultSpecDir = "/etc/netsatbench"

// DefaultStoreEndpoint is the store address used when neither the settings
// file nor the --store flag supplies one.
const DefaultStoreEndpoint = "127.0.0.1:6379"

// Settings holds persistent user preferences for the control-plane CLI.
type Settings struct {
	// SpecDir overrides the default specification directory (nodes.json,
	// workers.json, l3.json, epoch files).
	SpecDir string `yaml:"spec_dir,omitempty"`

	// StoreEndpoint overrides the default store address (host:port).
	StoreEndpoint string `yaml:"store_endpoint,omitempty"`

	// StoreUser/StorePassword/StoreCACert configure authenticated access
	// to the store, mirroring the per-agent ETCD_* environment variables.
	StoreUser     string `yaml:"store_user,omitempty"`
	StorePassword string `yaml:"store_password,omitempty"`
	StoreCACert   string `yaml:"store_ca_cert,omitempty"`

	// AuditLogPath overrides the default audit log path
	AuditLogPath string `yaml:"audit_log_path,omitempty"`

	// AuditMaxSizeMB is the max audit log size in MB before rotation (default: 10)
	AuditMaxSizeMB int `yaml:"audit_max_size_mb,omitempty"`

	// AuditMaxBackups is the max number of rotated audit log files (default: 10)
	AuditMaxBackups int `yaml:"audit_max_backups,omitempty"`
}

const (
	// DefaultAuditMaxSizeMB is the default maximum audit log size in megabytes.
	DefaultAuditMaxSizeMB = 10

	// DefaultAuditMaxBackups is the default maximum number of rotated audit log files.
	DefaultAuditMaxBackups = 10
)

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/netsatbench_config.yaml"
	}
	return filepath.Join(home, ".netsatbench", "config.yaml")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetSpecDir returns the spec directory (with fallback)
func (s *Settings) GetSpecDir() string {
	if s.SpecDir != "" {
		return s.SpecDir
	}
	return DefaultSpecDir
}

// GetStoreEndpoint returns the store endpoint (with fallback)
func (s *Settings) GetStoreEndpoint() string {
	if s.StoreEndpoint != "" {
		return s.StoreEndpoint
	}
	return DefaultStoreEndpoint
}

// GetAuditLogPath returns the audit log path with a fallback default.
// The default depends on specDir: if non-empty, uses specDir/audit.log;
// otherwise uses /var/log/netsatbench/audit.log.
func (s *Settings) GetAuditLogPath(specDir string) string {
	if s.AuditLogPath != "" {
		return s.AuditLogPath
	}
	if specDir != "" {
		return specDir + "/audit.log"
	}
	return "/var/log/netsatbench/audit.log"
}

// GetAuditMaxSizeMB returns the audit max size in MB with a default of 10.
func (s *Settings) GetAuditMaxSizeMB() int {
	if s.AuditMaxSizeMB > 0 {
		return s.AuditMaxSizeMB
	}
	return DefaultAuditMaxSizeMB
}

// GetAuditMaxBackups returns the audit max backups with a default of 10.
func (s *Settings) GetAuditMaxBackups() int {
	if s.AuditMaxBackups > 0 {
		return s.AuditMaxBackups
	}
	return DefaultAuditMaxBackups
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
