package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 7890 {
		t.Errorf("default port: expected 7890, got %d", cfg.Server.Port)
	}
	if cfg.Bedrock.DefaultRegion != "us-east-1" {
		t.Errorf("default region: expected us-east-1, got %q", cfg.Bedrock.DefaultRegion)
	}
	if cfg.Cache.MaxEntryBytes != 8<<20 {
		t.Errorf("default cache limit: expected %d, got %d", 8<<20, cfg.Cache.MaxEntryBytes)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rubberduckd.yaml")
	data := `
server:
  host: "0.0.0.0"
  port: 9090
store:
  path: "/tmp/rd.db"
bedrock:
  defaultRegion: "eu-west-1"
cache:
  maxEntryBytes: 1024
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host: expected 0.0.0.0, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Bedrock.DefaultRegion != "eu-west-1" {
		t.Errorf("region: expected eu-west-1, got %q", cfg.Bedrock.DefaultRegion)
	}
	if cfg.Cache.MaxEntryBytes != 1024 {
		t.Errorf("cache limit: expected 1024, got %d", cfg.Cache.MaxEntryBytes)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rubberduckd.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rubberduckd.yaml")
	data := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: *applyDefaults(), wantErr: false},
		{
			name:    "empty host",
			cfg:     Config{Server: ServerConfig{Host: "", Port: 7890}, Store: StoreConfig{Path: "x"}, Bedrock: BedrockConfig{DefaultRegion: "us-east-1"}, Cache: CacheConfig{MaxEntryBytes: 1}},
			wantErr: true,
		},
		{
			name:    "port 0",
			cfg:     Config{Server: ServerConfig{Host: "127.0.0.1", Port: 0}, Store: StoreConfig{Path: "x"}, Bedrock: BedrockConfig{DefaultRegion: "us-east-1"}, Cache: CacheConfig{MaxEntryBytes: 1}},
			wantErr: true,
		},
		{
			name:    "port 65536",
			cfg:     Config{Server: ServerConfig{Host: "127.0.0.1", Port: 65536}, Store: StoreConfig{Path: "x"}, Bedrock: BedrockConfig{DefaultRegion: "us-east-1"}, Cache: CacheConfig{MaxEntryBytes: 1}},
			wantErr: true,
		},
		{
			name:    "empty store path",
			cfg:     Config{Server: ServerConfig{Host: "127.0.0.1", Port: 7890}, Store: StoreConfig{Path: ""}, Bedrock: BedrockConfig{DefaultRegion: "us-east-1"}, Cache: CacheConfig{MaxEntryBytes: 1}},
			wantErr: true,
		},
		{
			name:    "empty region",
			cfg:     Config{Server: ServerConfig{Host: "127.0.0.1", Port: 7890}, Store: StoreConfig{Path: "x"}, Bedrock: BedrockConfig{DefaultRegion: ""}, Cache: CacheConfig{MaxEntryBytes: 1}},
			wantErr: true,
		},
		{
			name:    "zero cache limit",
			cfg:     Config{Server: ServerConfig{Host: "127.0.0.1", Port: 7890}, Store: StoreConfig{Path: "x"}, Bedrock: BedrockConfig{DefaultRegion: "us-east-1"}, Cache: CacheConfig{MaxEntryBytes: 0}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rubberduckd.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 7890 {
		t.Errorf("roundtrip port: expected 7890, got %d", cfg.Server.Port)
	}
}
