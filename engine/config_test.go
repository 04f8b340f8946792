package engine

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.defaults()
	if cfg.MaxDepth != 10 {
		t.Errorf("MaxDepth = %d, want 10", cfg.MaxDepth)
	}
	if cfg.MaxTotalBytes != 1<<30 {
		t.Errorf("MaxTotalBytes = %d, want 1 GiB", cfg.MaxTotalBytes)
	}
	if cfg.MaxMembers != 10000 {
		t.Errorf("MaxMembers = %d, want 10000", cfg.MaxMembers)
	}
	if cfg.MaxMemberBytes != 64<<20 {
		t.Errorf("MaxMemberBytes = %d, want 64 MiB", cfg.MaxMemberBytes)
	}
	if cfg.FileTimeout != 2*time.Minute {
		t.Errorf("FileTimeout = %s, want 2m", cfg.FileTimeout)
	}
	if cfg.MinEncodedLen != 16 {
		t.Errorf("MinEncodedLen = %d, want 16", cfg.MinEncodedLen)
	}
	if cfg.Workers != runtime.NumCPU() {
		t.Errorf("Workers = %d, want NumCPU", cfg.Workers)
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maldoc.yml")
	yml := `max_depth: 4
max_members: 50
file_timeout: 30s
workers: 2
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxDepth != 4 || cfg.MaxMembers != 50 || cfg.Workers != 2 {
		t.Errorf("parsed config: %+v", cfg)
	}
	if cfg.FileTimeout != 30*time.Second {
		t.Errorf("FileTimeout = %s, want 30s", cfg.FileTimeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value", Config{}, false},
		{"negative depth", Config{MaxDepth: -1}, true},
		{"negative workers", Config{Workers: -2}, true},
		{"member exceeds total", Config{MaxMemberBytes: 100, MaxTotalBytes: 50}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
