package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettings_Defaults(t *testing.T) {
	s := &Settings{}

	if got := s.GetSpecDir(); got != "/etc/netsatbench" {
		t.Errorf("GetSpecDir() default = %q, want %q", got, "/etc/netsatbench")
	}
	if got := s.GetStoreEndpoint(); got != DefaultStoreEndpoint {
		t.Errorf("GetStoreEndpoint() default = %q, want %q", got, DefaultStoreEndpoint)
	}
	if got := s.GetAuditMaxSizeMB(); got != DefaultAuditMaxSizeMB {
		t.Errorf("GetAuditMaxSizeMB() default = %d, want %d", got, DefaultAuditMaxSizeMB)
	}
	if got := s.GetAuditMaxBackups(); got != DefaultAuditMaxBackups {
		t.Errorf("GetAuditMaxBackups() default = %d, want %d", got, DefaultAuditMaxBackups)
	}

	if s.SpecDir != "" {
		t.Errorf("SpecDir should be empty, got %q", s.SpecDir)
	}
	if s.StoreEndpoint != "" {
		t.Errorf("StoreEndpoint should be empty, got %q", s.StoreEndpoint)
	}
}

func TestSettings_Overrides(t *testing.T) {
	s := &Settings{
		SpecDir:       "/custom/specs",
		StoreEndpoint: "10.0.0.5:6379",
	}

	if got := s.GetSpecDir(); got != "/custom/specs" {
		t.Errorf("GetSpecDir() = %q, want %q", got, "/custom/specs")
	}
	if got := s.GetStoreEndpoint(); got != "10.0.0.5:6379" {
		t.Errorf("GetStoreEndpoint() = %q, want %q", got, "10.0.0.5:6379")
	}
}

func TestSettings_GetAuditLogPath(t *testing.T) {
	s := &Settings{}

	if got := s.GetAuditLogPath(""); got != "/var/log/netsatbench/audit.log" {
		t.Errorf("GetAuditLogPath(\"\") = %q, want default", got)
	}
	if got := s.GetAuditLogPath("/etc/netsatbench"); got != "/etc/netsatbench/audit.log" {
		t.Errorf("GetAuditLogPath(specDir) = %q, want %q", got, "/etc/netsatbench/audit.log")
	}

	s.AuditLogPath = "/var/log/custom.log"
	if got := s.GetAuditLogPath("/etc/netsatbench"); got != "/var/log/custom.log" {
		t.Errorf("GetAuditLogPath() explicit override ignored, got %q", got)
	}
}

func TestSettings_Clear(t *testing.T) {
	s := &Settings{
		SpecDir:       "/path",
		StoreEndpoint: "host:1234",
		StoreUser:     "root",
	}

	s.Clear()

	if s.SpecDir != "" || s.StoreEndpoint != "" || s.StoreUser != "" {
		t.Error("Clear() should reset all fields to empty")
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "netsatbench-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "config.yaml")

	original := &Settings{
		SpecDir:         "/etc/netsatbench",
		StoreEndpoint:   "10.0.0.5:6379",
		StoreUser:       "nsb",
		AuditMaxSizeMB:  25,
		AuditMaxBackups: 5,
	}

	if err := original.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if loaded.SpecDir != original.SpecDir {
		t.Errorf("SpecDir mismatch: got %q, want %q", loaded.SpecDir, original.SpecDir)
	}
	if loaded.StoreEndpoint != original.StoreEndpoint {
		t.Errorf("StoreEndpoint mismatch: got %q, want %q", loaded.StoreEndpoint, original.StoreEndpoint)
	}
	if loaded.StoreUser != original.StoreUser {
		t.Errorf("StoreUser mismatch: got %q, want %q", loaded.StoreUser, original.StoreUser)
	}
	if loaded.AuditMaxSizeMB != original.AuditMaxSizeMB {
		t.Errorf("AuditMaxSizeMB mismatch: got %d, want %d", loaded.AuditMaxSizeMB, original.AuditMaxSizeMB)
	}
}

func TestSettings_LoadNonExistent(t *testing.T) {
	s, err := LoadFrom("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadFrom() non-existent should not error: %v", err)
	}
	if s == nil {
		t.Fatal("LoadFrom() should return non-nil Settings")
	}
	if s.SpecDir != "" {
		t.Error("LoadFrom() non-existent should return empty settings")
	}
}

func TestSettings_LoadInvalidYAML(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "netsatbench-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("spec_dir: [unterminated"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	_, err = LoadFrom(path)
	if err == nil {
		t.Error("LoadFrom() with invalid YAML should error")
	}
}

func TestSettings_SaveCreatesDirectory(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "netsatbench-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")

	s := &Settings{SpecDir: "/etc/netsatbench"}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() should create directories: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("SaveTo() should have created the file")
	}
}

func TestDefaultSettingsPath(t *testing.T) {
	path := DefaultSettingsPath()
	if path == "" {
		t.Error("DefaultSettingsPath() should not be empty")
	}
	if !filepath.IsAbs(path) {
		t.Errorf("DefaultSettingsPath() should be absolute, got %q", path)
	}
}

func TestLoad(t *testing.T) {
	originalHome := os.Getenv("HOME")
	defer os.Setenv("HOME", originalHome)

	tmpDir, err := os.MkdirTemp("", "netsatbench-test-home-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	os.Setenv("HOME", tmpDir)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() with non-existent file should not error: %v", err)
	}
	if s == nil {
		t.Fatal("Load() should return non-nil Settings")
	}
	if s.SpecDir != "" {
		t.Error("Load() with non-existent file should return empty settings")
	}

	configDir := filepath.Join(tmpDir, ".netsatbench")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create .netsatbench dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	testConfig := "spec_dir: /srv/specs\nstore_endpoint: 10.1.1.1:6379\n"
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	s, err = Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if s.SpecDir != "/srv/specs" {
		t.Errorf("Load() SpecDir = %q, want %q", s.SpecDir, "/srv/specs")
	}
	if s.StoreEndpoint != "10.1.1.1:6379" {
		t.Errorf("Load() StoreEndpoint = %q, want %q", s.StoreEndpoint, "10.1.1.1:6379")
	}
}

func TestSave(t *testing.T) {
	originalHome := os.Getenv("HOME")
	defer os.Setenv("HOME", originalHome)

	tmpDir, err := os.MkdirTemp("", "netsatbench-test-home-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	os.Setenv("HOME", tmpDir)

	s := &Settings{
		SpecDir:       "/srv/specs",
		StoreEndpoint: "10.2.2.2:6379",
	}

	if err := s.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	expectedPath := filepath.Join(tmpDir, ".netsatbench", "config.yaml")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Save() did not create file at %s", expectedPath)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() after Save() failed: %v", err)
	}
	if loaded.SpecDir != "/srv/specs" {
		t.Errorf("After Save(), SpecDir = %q, want %q", loaded.SpecDir, "/srv/specs")
	}
	if loaded.StoreEndpoint != "10.2.2.2:6379" {
		t.Errorf("After Save(), StoreEndpoint = %q, want %q", loaded.StoreEndpoint, "10.2.2.2:6379")
	}
}

func TestDefaultSettingsPath_NoHome(t *testing.T) {
	originalHome := os.Getenv("HOME")
	defer os.Setenv("HOME", originalHome)

	os.Unsetenv("HOME")

	path := DefaultSettingsPath()
	if path != "/tmp/netsatbench_config.yaml" {
		t.Errorf("DefaultSettingsPath() with no HOME = %q, want %q", path, "/tmp/netsatbench_config.yaml")
	}
}

func TestLoadFrom_ReadError(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "netsatbench-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dirAsFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.Mkdir(dirAsFile, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	_, err = LoadFrom(dirAsFile)
	if err == nil {
		t.Error("LoadFrom() should error when path is a directory")
	}
}

func TestSaveTo_MkdirError(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "netsatbench-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	blockingFile := filepath.Join(tmpDir, "blocker")
	if err := os.WriteFile(blockingFile, []byte("blocking"), 0644); err != nil {
		t.Fatalf("Failed to create blocking file: %v", err)
	}

	path := filepath.Join(blockingFile, "subdir", "config.yaml")
	s := &Settings{SpecDir: "/etc/netsatbench"}

	err = s.SaveTo(path)
	if err == nil {
		t.Error("SaveTo() should fail when directory creation fails")
	}
}
