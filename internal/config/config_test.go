package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
users:
  - username: alice
    sshPublicKeys:
      - "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIEx alice@example"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Workspace.DefaultImage != DefaultImage {
		t.Errorf("DefaultImage = %q, want %q", cfg.Workspace.DefaultImage, DefaultImage)
	}
	if cfg.Workspace.HomeVolumeSize != DefaultHomeVolumeSize {
		t.Errorf("HomeVolumeSize = %q, want %q", cfg.Workspace.HomeVolumeSize, DefaultHomeVolumeSize)
	}
	if cfg.AutoShutdown.IdleThreshold.Duration != time.Hour {
		t.Errorf("IdleThreshold = %v, want 1h", cfg.AutoShutdown.IdleThreshold.Duration)
	}
	if cfg.AutoShutdown.Enabled {
		t.Errorf("AutoShutdown.Enabled should default to false")
	}
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeConfig(t, `{
  "listenAddr": ":9999",
  "users": [
    {"username": "bob", "sshPublicKeys": ["ssh-rsa AAAAB3 bob@host"]}
  ],
  "workspace": {"homeVolumeSize": "20Gi"},
  "autoShutdown": {"enabled": true, "idleThreshold": "30m"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.Workspace.HomeVolumeSize != "20Gi" {
		t.Errorf("HomeVolumeSize = %q, want 20Gi", cfg.Workspace.HomeVolumeSize)
	}
	if !cfg.AutoShutdown.Enabled {
		t.Errorf("AutoShutdown.Enabled = false, want true")
	}
	if cfg.AutoShutdown.IdleThreshold.Duration != 30*time.Minute {
		t.Errorf("IdleThreshold = %v, want 30m", cfg.AutoShutdown.IdleThreshold.Duration)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := map[string]string{
		"no users": `
users: []
`,
		"invalid username": `
users:
  - username: "Not_A_DNS_Label"
    sshPublicKeys: ["ssh-rsa AAAA"]
`,
		"duplicate username": `
users:
  - username: alice
    sshPublicKeys: ["ssh-rsa AAAA"]
  - username: alice
    sshPublicKeys: ["ssh-rsa BBBB"]
`,
		"user without keys": `
users:
  - username: alice
    sshPublicKeys: []
`,
		"invalid resource override": `
users:
  - username: alice
    sshPublicKeys: ["ssh-rsa AAAA"]
    resources:
      cpuLimit: "not-a-quantity"
`,
		"invalid volume size": `
users:
  - username: alice
    sshPublicKeys: ["ssh-rsa AAAA"]
workspace:
  homeVolumeSize: "10 gigabytes"
`,
		"unknown field": `
users:
  - username: alice
    sshPublicKeys: ["ssh-rsa AAAA"]
legacyOption: true
`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Errorf("Load() succeeded, want error")
			}
		})
	}
}

func TestUserByName(t *testing.T) {
	cfg := &Config{Users: []User{
		{Username: "alice"},
		{Username: "bob"},
	}}

	if u := cfg.UserByName("bob"); u == nil || u.Username != "bob" {
		t.Errorf("UserByName(bob) = %+v, want bob", u)
	}
	if u := cfg.UserByName("mallory"); u != nil {
		t.Errorf("UserByName(mallory) = %+v, want nil", u)
	}
}
